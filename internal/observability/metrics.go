package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisioning_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "decisioning_http_request_duration_seconds",
		Help:    "HTTP request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "decisioning_http_in_flight",
		Help: "In-flight HTTP requests",
	})

	FetchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisioning_fetch_outcomes_total",
			Help: "Completed fetches by outcome",
		}, []string{"outcome"},
	)
	FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "decisioning_fetch_duration_seconds",
		Help:    "Time from fetch to resolution",
		Buckets: prometheus.DefBuckets,
	})
	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "decisioning_pending_requests",
		Help: "Fetches awaiting a response",
	})
	CachedPropositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "decisioning_cached_propositions",
		Help: "Propositions held in the cache",
	})
	DecodeRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "decisioning_decode_rejects_total",
		Help: "Proposition records dropped as malformed",
	})
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisioning_messages_total",
			Help: "Bus messages handled by kind and direction",
		}, []string{"kind", "direction"},
	)
)

// Fetch outcomes.
const (
	OutcomeResolved    = "resolved"
	OutcomeTimeout     = "timeout"
	OutcomeFailed      = "failed"
	OutcomeUnavailable = "unavailable"
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight,
		FetchOutcomes, FetchDuration, PendingRequests, CachedPropositions, DecodeRejects, MessagesTotal,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
