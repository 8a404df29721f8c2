package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"decision-cache/internal/bridge"
	"decision-cache/internal/bus"
	"decision-cache/internal/engine"
	"decision-cache/internal/proposition"
	"decision-cache/internal/scope"
)

const maxBody = 1 << 20

type PropositionHandler struct {
	Eng *engine.Engine
	Bus bridge.Publisher
}

func NewPropositionHandler(eng *engine.Engine, b bridge.Publisher) *PropositionHandler {
	return &PropositionHandler{Eng: eng, Bus: b}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidScopes),
		errors.Is(err, engine.ErrNoValidScopes),
		errors.Is(err, scope.ErrBlankField),
		errors.Is(err, bridge.ErrBadEnvelope),
		errors.Is(err, bridge.ErrUnsupportedKind),
		errors.Is(err, errBadBody):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrNothingToTrack):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errNotCached), errors.Is(err, errUnknownOffer):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

var (
	errBadBody      = errors.New("malformed request body")
	errNotCached    = errors.New("proposition not cached")
	errUnknownOffer = errors.New("offer not in proposition")
)

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		return errors.Join(errBadBody, err)
	}
	return nil
}

func writePropositions(w http.ResponseWriter, props map[string]*proposition.Proposition) {
	if len(props) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	out := make(map[string]any, len(props))
	for k, p := range props {
		out[k] = p.Record()
	}
	writeJSON(w, http.StatusOK, map[string]any{"propositions": out})
}

type activity struct {
	ActivityID  string `json:"activityId"`
	PlacementID string `json:"placementId"`
	ItemCount   int    `json:"itemCount"`
}

type fetchBody struct {
	DecisionScopes []string       `json:"decisionScopes"`
	Activities     []activity     `json:"activities"`
	Surfaces       []string       `json:"surfaces"`
	XDM            map[string]any `json:"xdm"`
	Data           map[string]any `json:"data"`
	TimeoutMs      int            `json:"timeoutMs"`
}

type fetchResult struct {
	props map[string]*proposition.Proposition
	err   error
}

// Fetch sends an update request and blocks until the engine resolves it or
// the client goes away.
func (h *PropositionHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	var body fetchBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	scopes := make([]scope.DecisionScope, 0, len(body.DecisionScopes)+len(body.Activities))
	for _, name := range body.DecisionScopes {
		scopes = append(scopes, scope.New(name))
	}
	for _, a := range body.Activities {
		s, err := scope.FromActivity(a.ActivityID, a.PlacementID, a.ItemCount)
		if err != nil {
			writeError(w, err)
			return
		}
		scopes = append(scopes, s)
	}

	done := make(chan fetchResult, 1)
	id, err := h.Eng.Fetch(r.Context(), engine.FetchRequest{
		Scopes:   scopes,
		Surfaces: body.Surfaces,
		XDM:      body.XDM,
		Data:     body.Data,
		Timeout:  time.Duration(body.TimeoutMs) * time.Millisecond,
	}, func(props map[string]*proposition.Proposition, err error) {
		done <- fetchResult{props, err}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if id != "" {
		w.Header().Set("X-Correlation-ID", id)
	}

	select {
	case res := <-done:
		if res.err != nil {
			writeError(w, res.err)
			return
		}
		writePropositions(w, res.props)
	case <-r.Context().Done():
		log.Warn().Str("id", id).Err(r.Context().Err()).Msg("client gone before fetch resolved")
	}
}

func (h *PropositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["scope"]
	scopes := make([]scope.DecisionScope, len(names))
	for i, n := range names {
		scopes[i] = scope.New(n)
	}
	var out map[string]*proposition.Proposition
	if err := h.Eng.Read(scopes, func(p map[string]*proposition.Proposition, _ error) { out = p }); err != nil {
		writeError(w, err)
		return
	}
	writePropositions(w, out)
}

func (h *PropositionHandler) GetSurfaces(w http.ResponseWriter, r *http.Request) {
	var out map[string]*proposition.Proposition
	if err := h.Eng.ReadSurfaces(r.URL.Query()["path"], func(p map[string]*proposition.Proposition, _ error) { out = p }); err != nil {
		writeError(w, err)
		return
	}
	writePropositions(w, out)
}

func (h *PropositionHandler) Clear(w http.ResponseWriter, _ *http.Request) {
	h.Eng.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type trackBody struct {
	// Interaction is "display" or "tap".
	Interaction string   `json:"interaction"`
	Scopes      []string `json:"scopes"`
	OfferID     string   `json:"offerId"`
}

// Track builds interaction payloads from cached propositions, so offers of
// evicted propositions are no longer trackable.
func (h *PropositionHandler) Track(w http.ResponseWriter, r *http.Request) {
	var body trackBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Scopes) == 0 {
		writeError(w, engine.ErrInvalidScopes)
		return
	}
	props := make([]*proposition.Proposition, 0, len(body.Scopes))
	for _, name := range body.Scopes {
		p, ok := h.Eng.Cached(name)
		if !ok {
			writeError(w, errors.Join(errNotCached, errors.New(name)))
			return
		}
		props = append(props, p)
	}

	var err error
	switch body.Interaction {
	case "display":
		err = h.Eng.TrackDisplay(props...)
	case "tap":
		if len(props) != 1 {
			writeError(w, errors.Join(errBadBody, errors.New("tap takes exactly one scope")))
			return
		}
		if body.OfferID == "" {
			err = h.Eng.TrackTap(props[0], "")
			break
		}
		o := offerByID(props[0], body.OfferID)
		if o == nil {
			writeError(w, errors.Join(errUnknownOffer, errors.New(body.OfferID)))
			return
		}
		err = h.Eng.TrackOffer(o)
	default:
		writeError(w, errors.Join(errBadBody, errors.New("unknown interaction "+body.Interaction)))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func offerByID(p *proposition.Proposition, id string) *proposition.Offer {
	for _, o := range p.Offers {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// ResetIdentity raises the identity reset signal; the engine clears its cache
// when the signal is handled.
func (h *PropositionHandler) ResetIdentity(w http.ResponseWriter, _ *http.Request) {
	h.Bus.Publish(bus.NewMessage(bus.KindReset, nil))
	w.WriteHeader(http.StatusAccepted)
}

// Events accepts one inbound envelope from an HTTP-speaking transport.
func (h *PropositionHandler) Events(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, errors.Join(errBadBody, err))
		return
	}
	m, err := bridge.Ingest(h.Bus, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": m.ID})
}
