package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decision-cache/internal/bus"
	"decision-cache/internal/proposition"
	"decision-cache/internal/scope"
	"decision-cache/internal/storage"
)

const htmlSchema = "https://ns.adobe.com/experience/offer-management/content-component-html"

type outcome struct {
	props map[string]*proposition.Proposition
	err   error
}

// results collects callback invocations.
type results struct {
	mu  sync.Mutex
	got []outcome
}

func (r *results) cb(props map[string]*proposition.Proposition, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, outcome{props, err})
}

func (r *results) all() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.got...)
}

// outbox records every outbound message the engine publishes.
type outbox struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (o *outbox) handle(m bus.Message) {
	o.mu.Lock()
	o.msgs = append(o.msgs, m)
	o.mu.Unlock()
}

func (o *outbox) messages() []bus.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bus.Message(nil), o.msgs...)
}

func setup(t *testing.T, opts Options) (*Engine, *bus.Bus, *outbox) {
	t.Helper()
	b := bus.New(64)
	out := &outbox{}
	b.Subscribe(bus.OfKind(bus.KindFetchRequest, bus.KindTrackRequest), out.handle)
	e := New(b, storage.NewCache(), opts)
	t.Cleanup(func() {
		e.Close()
		b.Close()
	})
	return e, b, out
}

func htmlRecord(id, sc, offerID, content string) map[string]any {
	return map[string]any{
		"id":    id,
		"scope": sc,
		"items": []any{map[string]any{
			"id":     offerID,
			"schema": htmlSchema,
			"data":   map[string]any{"content": content},
		}},
	}
}

func respond(b *bus.Bus, kind bus.Kind, correlationID string, records ...any) {
	b.Publish(bus.Message{
		ID:       "resp-" + correlationID,
		ParentID: correlationID,
		Kind:     kind,
		Data:     map[string]any{KeyPayload: records},
	})
}

func waitCalls(t *testing.T, r *results, n int) []outcome {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.all()
}

func TestFetch_ResolvesWithResponse(t *testing.T) {
	e, b, out := setup(t, Options{})
	var r results

	id, err := e.Fetch(context.Background(), FetchRequest{Scopes: []scope.DecisionScope{scope.New("S")}}, r.cb)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return len(out.messages()) == 1 }, time.Second, 5*time.Millisecond)
	sent := out.messages()[0]
	assert.Equal(t, id, sent.ID)
	assert.Equal(t, RequestTypeUpdate, sent.Data[KeyRequestType])
	assert.Equal(t, []any{map[string]any{"name": "S"}}, sent.Data[KeyDecisionScopes])

	respond(b, bus.KindResponse, id, htmlRecord("P1", "S", "O1", "<h1>x</h1>"))

	got := waitCalls(t, &r, 1)
	require.NoError(t, got[0].err)
	require.Len(t, got[0].props, 1)
	p := got[0].props["S"]
	assert.Equal(t, "P1", p.ID)
	require.Len(t, p.Offers, 1)
	assert.Equal(t, "O1", p.Offers[0].ID)
	assert.Equal(t, proposition.HTML, p.Offers[0].Type)
	assert.Equal(t, "<h1>x</h1>", p.Offers[0].Content)

	cached, ok := e.Cached("S")
	require.True(t, ok)
	assert.Same(t, p, cached)
}

func TestFetch_PartialResponseOmitsUnmatched(t *testing.T) {
	e, b, _ := setup(t, Options{})
	var r results

	id, err := e.Fetch(context.Background(), FetchRequest{
		Scopes: []scope.DecisionScope{scope.New("A"), scope.New("B")},
	}, r.cb)
	require.NoError(t, err)
	respond(b, bus.KindResponse, id, htmlRecord("PA", "A", "OA", "a"))

	got := waitCalls(t, &r, 1)
	require.NoError(t, got[0].err)
	assert.Len(t, got[0].props, 1)
	assert.Contains(t, got[0].props, "A")
}

func TestFetch_EmptyResponseIsEmptySuccess(t *testing.T) {
	e, b, _ := setup(t, Options{})
	var r results

	id, err := e.Fetch(context.Background(), FetchRequest{Scopes: []scope.DecisionScope{scope.New("A")}}, r.cb)
	require.NoError(t, err)
	respond(b, bus.KindResponse, id)

	got := waitCalls(t, &r, 1)
	assert.NoError(t, got[0].err)
	assert.Empty(t, got[0].props)
}

func TestFetch_TimeoutThenLateResponse(t *testing.T) {
	e, b, _ := setup(t, Options{})
	var r results

	id, err := e.Fetch(context.Background(), FetchRequest{
		Scopes:  []scope.DecisionScope{scope.New("A")},
		Timeout: 30 * time.Millisecond,
	}, r.cb)
	require.NoError(t, err)

	got := waitCalls(t, &r, 1)
	assert.ErrorIs(t, got[0].err, ErrTimeout)

	respond(b, bus.KindResponse, id, htmlRecord("PA", "A", "OA", "a"))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, r.all(), 1)
	_, cached := e.Cached("A")
	assert.False(t, cached)
}

func TestFetch_Validation(t *testing.T) {
	e, _, out := setup(t, Options{})
	var r results

	_, err := e.Fetch(context.Background(), FetchRequest{}, r.cb)
	assert.ErrorIs(t, err, ErrInvalidScopes)

	_, err = e.Fetch(context.Background(), FetchRequest{Scopes: []scope.DecisionScope{scope.New(" ")}, Surfaces: []string{""}}, r.cb)
	assert.ErrorIs(t, err, ErrNoValidScopes)

	assert.ErrorIs(t, e.Read(nil, r.cb), ErrInvalidScopes)
	assert.ErrorIs(t, e.ReadSurfaces(nil, r.cb), ErrInvalidScopes)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, out.messages())
	assert.Empty(t, r.all())
}

func TestFetch_UpstreamUnavailable(t *testing.T) {
	e, _, out := setup(t, Options{Available: func() bool { return false }})
	var r results

	id, err := e.Fetch(context.Background(), FetchRequest{Scopes: []scope.DecisionScope{scope.New("A")}}, r.cb)
	require.NoError(t, err)
	assert.Empty(t, id)

	got := r.all()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, ErrUpstreamUnavailable)
	assert.Empty(t, got[0].props)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, out.messages())
}

func TestFetch_UpstreamErrorResponse(t *testing.T) {
	e, b, _ := setup(t, Options{})
	var r results

	id, err := e.Fetch(context.Background(), FetchRequest{Scopes: []scope.DecisionScope{scope.New("A")}}, r.cb)
	require.NoError(t, err)
	b.Publish(bus.Message{ID: "r", ParentID: id, Kind: bus.KindResponse, Data: map[string]any{
		KeyError: map[string]any{"type": "https://ns.adobe.com/aep/errors/EXEG-0201-503", "status": 503.0, "title": "Unavailable", "detail": "down"},
	}})

	got := waitCalls(t, &r, 1)
	var re *ResponseError
	require.ErrorAs(t, got[0].err, &re)
	assert.Equal(t, 503, re.Status)
	assert.ErrorIs(t, got[0].err, ErrUpstream)
}

func TestFetch_PartialDecisionsThenComplete(t *testing.T) {
	e, b, _ := setup(t, Options{SurfacePrefix: "mobileapp://com.example.app"})
	var r results

	id, err := e.Fetch(context.Background(), FetchRequest{
		Scopes:   []scope.DecisionScope{scope.New("A")},
		Surfaces: []string{"home"},
	}, r.cb)
	require.NoError(t, err)

	respond(b, bus.KindDecisions, id, htmlRecord("PH", "mobileapp://com.example.app/home", "OH", "h"))
	respond(b, bus.KindResponse, id, htmlRecord("PA", "A", "OA", "a"))

	got := waitCalls(t, &r, 1)
	require.NoError(t, got[0].err)
	assert.Equal(t, "PH", got[0].props["home"].ID)
	assert.Equal(t, "PA", got[0].props["A"].ID)
}

func TestFetch_RequestEventIDFallback(t *testing.T) {
	e, b, _ := setup(t, Options{})
	var r results

	id, err := e.Fetch(context.Background(), FetchRequest{Scopes: []scope.DecisionScope{scope.New("A")}}, r.cb)
	require.NoError(t, err)
	b.Publish(bus.Message{ID: "r", Kind: bus.KindResponse, Data: map[string]any{
		KeyRequestEventID: id,
		KeyPayload:        []map[string]any{htmlRecord("PA", "A", "OA", "a")},
	}})

	got := waitCalls(t, &r, 1)
	assert.Contains(t, got[0].props, "A")
}

func TestOnPropositionsUpdate(t *testing.T) {
	e, b, _ := setup(t, Options{})
	var mu sync.Mutex
	var updates []map[string]*proposition.Proposition
	observer := func(m map[string]*proposition.Proposition) {
		mu.Lock()
		updates = append(updates, m)
		mu.Unlock()
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(updates)
	}
	e.OnPropositionsUpdate(observer)
	e.OnPropositionsUpdate(observer)

	var r results
	id, err := e.Fetch(context.Background(), FetchRequest{Scopes: []scope.DecisionScope{scope.New("A")}}, r.cb)
	require.NoError(t, err)
	respond(b, bus.KindResponse, id, htmlRecord("PA", "A", "OA", "a"))

	require.Eventually(t, func() bool { return count() == 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "PA", updates[0]["A"].ID)
	mu.Unlock()

	// empty batches never reach observers
	id, err = e.Fetch(context.Background(), FetchRequest{Scopes: []scope.DecisionScope{scope.New("B")}}, r.cb)
	require.NoError(t, err)
	respond(b, bus.KindResponse, id)
	b.Publish(bus.NewMessage(bus.KindNotification, map[string]any{KeyPropositions: []any{}}))
	b.Publish(bus.NewMessage(bus.KindNotification, nil))
	waitCalls(t, &r, 2)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, count())
}

func TestRead(t *testing.T) {
	e, b, _ := setup(t, Options{SurfacePrefix: "mobileapp://app"})
	var fr results
	id, err := e.Fetch(context.Background(), FetchRequest{
		Scopes:   []scope.DecisionScope{scope.New("A")},
		Surfaces: []string{"home"},
	}, fr.cb)
	require.NoError(t, err)
	respond(b, bus.KindResponse, id,
		htmlRecord("PA", "A", "OA", "a"),
		htmlRecord("PH", "mobileapp://app/home", "OH", "h"))
	waitCalls(t, &fr, 1)

	var r results
	require.NoError(t, e.Read([]scope.DecisionScope{scope.New("A"), scope.New("missing")}, r.cb))
	got := r.all()
	require.Len(t, got, 1)
	assert.Len(t, got[0].props, 1)
	assert.Equal(t, "PA", got[0].props["A"].ID)

	require.NoError(t, e.ReadSurfaces([]string{"home"}, r.cb))
	assert.Equal(t, "PH", r.all()[1].props["home"].ID)
}

func TestResetSignalClearsCache(t *testing.T) {
	e, b, _ := setup(t, Options{})
	var r results
	id, err := e.Fetch(context.Background(), FetchRequest{Scopes: []scope.DecisionScope{scope.New("A")}}, r.cb)
	require.NoError(t, err)
	respond(b, bus.KindResponse, id, htmlRecord("PA", "A", "OA", "a"))
	got := waitCalls(t, &r, 1)
	offer := got[0].props["A"].Offers[0]

	b.Publish(bus.NewMessage(bus.KindReset, nil))
	require.Eventually(t, func() bool {
		_, ok := e.Cached("A")
		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, e.TrackOffer(offer), ErrNothingToTrack)
}

func TestTrack(t *testing.T) {
	e, _, out := setup(t, Options{})
	p := proposition.NewWithScopeDetails("P1", "A", map[string]any{"decisionProvider": "TGT"}, []*proposition.Offer{{ID: "O1", Content: "x"}})

	require.NoError(t, e.TrackDisplay(p))
	require.NoError(t, e.TrackOffer(p.Offers[0]))
	require.NoError(t, e.TrackTap(p, "O1"))
	require.NoError(t, e.TrackDisplayOffers(p.Offers))
	assert.ErrorIs(t, e.TrackDisplay(), ErrNothingToTrack)

	require.Eventually(t, func() bool { return len(out.messages()) == 4 }, time.Second, 5*time.Millisecond)
	for _, m := range out.messages() {
		assert.Equal(t, bus.KindTrackRequest, m.Kind)
		assert.Equal(t, RequestTypeTrack, m.Data[KeyRequestType])
		assert.NotNil(t, m.Data[KeyInteractions])
	}

	// p was never cached, so clearing does not release it
	e.Clear()
	assert.NoError(t, e.TrackOffer(p.Offers[0]))
}

func TestRead_NilCallback(t *testing.T) {
	e, _, _ := setup(t, Options{})
	assert.NotPanics(t, func() {
		assert.NoError(t, e.Read([]scope.DecisionScope{scope.New("s")}, nil))
		assert.NoError(t, e.ReadSurfaces([]string{"home"}, nil))
	})
	assert.ErrorIs(t, e.Read(nil, nil), ErrInvalidScopes)
}

func TestFetch_LatePartialBatchNotCached(t *testing.T) {
	e, b, _ := setup(t, Options{})
	var notified results
	e.OnPropositionsUpdate(func(m map[string]*proposition.Proposition) { notified.cb(m, nil) })
	var r results

	id, err := e.Fetch(context.Background(), FetchRequest{
		Scopes:  []scope.DecisionScope{scope.New("A")},
		Timeout: 20 * time.Millisecond,
	}, r.cb)
	require.NoError(t, err)
	got := waitCalls(t, &r, 1)
	require.ErrorIs(t, got[0].err, ErrTimeout)

	respond(b, bus.KindDecisions, id, htmlRecord("PA", "A", "OA", "a"))
	respond(b, bus.KindResponse, id, htmlRecord("PA", "A", "OA", "a"))
	time.Sleep(50 * time.Millisecond)

	_, cached := e.Cached("A")
	assert.False(t, cached)
	assert.Empty(t, notified.all())
}
