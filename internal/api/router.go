package api

import (
	"decision-cache/internal/observability"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router mounts the proposition API. timeout bounds every request and
// should exceed the longest fetch timeout.
func Router(h *PropositionHandler, timeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Route("/v1/propositions", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Clear)
		r.Post("/fetch", h.Fetch)
		r.Post("/track", h.Track)
		r.Get("/surfaces", h.GetSurfaces)
	})
	r.Post("/v1/identity/reset", h.ResetIdentity)
	r.Post("/v1/events", h.Events)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())
	return r
}
