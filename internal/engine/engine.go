package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"decision-cache/internal/bus"
	"decision-cache/internal/observability"
	"decision-cache/internal/pending"
	"decision-cache/internal/proposition"
	"decision-cache/internal/scope"
	"decision-cache/internal/storage"
	"decision-cache/internal/xdm"
)

// Message data keys.
const (
	KeyRequestType       = "requestType"
	KeyDecisionScopes    = "decisionscopes"
	KeySurfaces          = "surfaces"
	KeyXDM               = "xdm"
	KeyData              = "data"
	KeyTimeout           = "timeout"
	KeyPayload           = "payload"
	KeyRequestEventID    = "requestEventId"
	KeyPropositions      = "propositions"
	KeyInteractions      = "propositioninteractions"
	KeyError             = "error"
	RequestTypeUpdate    = "updatepropositions"
	RequestTypeTrack     = "trackpropositions"
	DefaultFetchTimeout  = 10 * time.Second
	keyDecisionScopeName = "name"
)

// Bus is the publish/subscribe boundary the engine talks through.
type Bus interface {
	Publish(bus.Message)
	Subscribe(bus.Predicate, bus.Handler) func()
}

// Callback receives the outcome of a fetch or read. Immediate outcomes may
// run on the caller's goroutine.
type Callback func(map[string]*proposition.Proposition, error)

type Options struct {
	DefaultTimeout time.Duration
	// SurfacePrefix qualifies surface paths, e.g. mobileapp://com.example.app.
	SurfacePrefix string
	// Available reports whether the decisioning upstream is reachable.
	// Nil means always available.
	Available func() bool
}

type FetchRequest struct {
	Scopes   []scope.DecisionScope
	Surfaces []string
	XDM      map[string]any
	Data     map[string]any
	// Timeout overrides Options.DefaultTimeout when positive.
	Timeout time.Duration
}

// Engine correlates fetch requests with their asynchronous responses and
// keeps the proposition cache current.
type Engine struct {
	bus     Bus
	cache   *storage.Cache
	pending *pending.Table
	opts    Options
	tracer  trace.Tracer
	unsub   func()
}

// New subscribes the engine to inbound responses and reset signals. All
// inbound handling runs on that single subscription.
func New(b Bus, c *storage.Cache, opts Options) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultFetchTimeout
	}
	e := &Engine{
		bus:     b,
		cache:   c,
		pending: pending.NewTable(),
		opts:    opts,
		tracer:  otel.Tracer("decision-cache/engine"),
	}
	e.pending.OnCommit(e.commit)
	e.unsub = b.Subscribe(bus.OfKind(bus.KindDecisions, bus.KindResponse, bus.KindReset), e.handle)
	return e
}

// Close stops inbound handling. Pending fetches still time out.
func (e *Engine) Close() { e.unsub() }

// Fetch publishes a fetch request and returns its correlation id. cb is
// called exactly once unless Fetch returns an error.
func (e *Engine) Fetch(ctx context.Context, req FetchRequest, cb Callback) (string, error) {
	if len(req.Scopes) == 0 && len(req.Surfaces) == 0 {
		log.Warn().Msg("cannot fetch propositions, no decision scopes or surfaces provided")
		return "", ErrInvalidScopes
	}
	scopes := scope.Dedupe(req.Scopes)
	surfaces := dedupeStrings(req.Surfaces)
	if len(scopes) == 0 && len(surfaces) == 0 {
		log.Warn().Msg("cannot fetch propositions, no valid decision scopes or surfaces")
		return "", ErrNoValidScopes
	}

	if e.opts.Available != nil && !e.opts.Available() {
		log.Warn().Msg("decisioning upstream unavailable; fetch not sent")
		observability.FetchOutcomes.WithLabelValues(observability.OutcomeUnavailable).Inc()
		if cb != nil {
			cb(map[string]*proposition.Proposition{}, ErrUpstreamUnavailable)
		}
		return "", nil
	}

	wants := make(map[string]string, len(scopes)+len(surfaces))
	for _, s := range scopes {
		wants[s.Name] = s.Name
	}
	uris := make([]string, 0, len(surfaces))
	for _, path := range surfaces {
		uri := storage.SurfaceURI(e.opts.SurfacePrefix, path)
		wants[uri] = path
		uris = append(uris, uri)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	msg := bus.NewMessage(bus.KindFetchRequest, fetchData(scopes, uris, req, timeout))

	_, span := e.tracer.Start(ctx, "engine.fetch", trace.WithAttributes(
		attribute.String("correlation.id", msg.ID),
		attribute.Int("scopes", len(wants)),
	))
	start := time.Now()
	sink := func(res pending.Result, err error) {
		observability.FetchDuration.Observe(time.Since(start).Seconds())
		observability.PendingRequests.Set(float64(e.pending.Len()))
		switch {
		case err == nil:
			observability.FetchOutcomes.WithLabelValues(observability.OutcomeResolved).Inc()
			span.SetAttributes(attribute.Int("resolved", len(res)))
		case errors.Is(err, ErrTimeout):
			observability.FetchOutcomes.WithLabelValues(observability.OutcomeTimeout).Inc()
			log.Warn().Str("id", msg.ID).Dur("timeout", timeout).Msg("fetch timed out")
		default:
			observability.FetchOutcomes.WithLabelValues(observability.OutcomeFailed).Inc()
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if cb != nil {
			cb(res, err)
		}
	}
	if err := e.pending.Register(msg.ID, wants, timeout, sink); err != nil {
		span.End()
		return "", err
	}
	observability.PendingRequests.Set(float64(e.pending.Len()))

	e.publish(msg)
	log.Debug().Str("id", msg.ID).Int("scopes", len(wants)).Msg("fetch request published")
	return msg.ID, nil
}

// Read resolves scopes from the cache only. A nil cb is allowed.
func (e *Engine) Read(scopes []scope.DecisionScope, cb Callback) error {
	if len(scopes) == 0 {
		return ErrInvalidScopes
	}
	valid := scope.Dedupe(scopes)
	if len(valid) == 0 {
		return ErrNoValidScopes
	}
	if cb != nil {
		cb(e.cache.GetByScopes(scope.Names(valid)), nil)
	}
	return nil
}

// ReadSurfaces resolves surface paths from the cache only.
func (e *Engine) ReadSurfaces(paths []string, cb Callback) error {
	if len(paths) == 0 {
		return ErrInvalidScopes
	}
	valid := dedupeStrings(paths)
	if len(valid) == 0 {
		return ErrNoValidScopes
	}
	if cb != nil {
		cb(e.cache.GetBySurfacePaths(e.opts.SurfacePrefix, valid), nil)
	}
	return nil
}

// Cached returns the cached proposition for one scope name.
func (e *Engine) Cached(name string) (*proposition.Proposition, bool) {
	p, ok := e.cache.GetByScopes([]string{name})[name]
	return p, ok
}

// Clear empties the cache.
func (e *Engine) Clear() {
	n := e.cache.Clear()
	observability.CachedPropositions.Set(0)
	log.Info().Int("evicted", n).Msg("proposition cache cleared")
}

func (e *Engine) TrackDisplay(props ...*proposition.Proposition) error {
	return e.track(xdm.Display(props...))
}

func (e *Engine) TrackDisplayOffers(offers []*proposition.Offer) error {
	return e.track(xdm.DisplayOffers(offers))
}

func (e *Engine) TrackTap(p *proposition.Proposition, offerID string) error {
	return e.track(xdm.Tap(p, offerID))
}

// TrackOffer tracks a tap on o through its live proposition.
func (e *Engine) TrackOffer(o *proposition.Offer) error {
	return e.track(xdm.TapOffer(o))
}

func (e *Engine) track(x map[string]any) error {
	if len(x) == 0 {
		log.Debug().Msg("no interaction payload; track request not sent")
		return ErrNothingToTrack
	}
	e.publish(bus.NewMessage(bus.KindTrackRequest, map[string]any{
		KeyRequestType:  RequestTypeTrack,
		KeyInteractions: x,
	}))
	return nil
}

// OnPropositionsUpdate registers fn for every non-empty propositions
// notification. Registering twice delivers twice.
func (e *Engine) OnPropositionsUpdate(fn func(map[string]*proposition.Proposition)) func() {
	return e.bus.Subscribe(bus.OfKind(bus.KindNotification), func(m bus.Message) {
		props := proposition.DecodeAll(recordsOf(m.Data[KeyPropositions]))
		if len(props) == 0 {
			return
		}
		byScope := make(map[string]*proposition.Proposition, len(props))
		for _, p := range props {
			byScope[p.Scope] = p
		}
		fn(byScope)
	})
}

func (e *Engine) publish(m bus.Message) {
	observability.MessagesTotal.WithLabelValues(string(m.Kind), "out").Inc()
	e.bus.Publish(m)
}

func fetchData(scopes []scope.DecisionScope, uris []string, req FetchRequest, timeout time.Duration) map[string]any {
	flat := make([]any, 0, len(scopes))
	for _, s := range scopes {
		flat = append(flat, map[string]any{keyDecisionScopeName: s.Name})
	}
	data := map[string]any{
		KeyRequestType:    RequestTypeUpdate,
		KeyDecisionScopes: flat,
		KeyTimeout:        timeout.Milliseconds(),
	}
	if len(uris) > 0 {
		data[KeySurfaces] = uris
	}
	if req.XDM != nil {
		data[KeyXDM] = req.XDM
	}
	if req.Data != nil {
		data[KeyData] = req.Data
	}
	return data
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
