package pending

import (
	"errors"
	"sync"
	"time"

	"decision-cache/internal/proposition"
)

var (
	ErrTimeout    = errors.New("timed out waiting for propositions")
	ErrNoScopes   = errors.New("pending request has no scopes")
	ErrDuplicated = errors.New("pending request already registered")
)

type Result = map[string]*proposition.Proposition

// Sink receives the outcome of a pending request exactly once.
type Sink func(Result, error)

// Lookup resolves scope names the response did not carry, typically from
// the proposition cache.
type Lookup func(names []string) map[string]*proposition.Proposition

type entry struct {
	// wants maps the canonical scope name to the key the caller asked for.
	wants map[string]string
	got   map[string]*proposition.Proposition
	timer *time.Timer
	sink  Sink
}

// Table tracks in-flight requests by correlation id. Whichever of
// resolution, failure or timeout removes an entry first delivers to its sink.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	commit  func([]*proposition.Proposition)
}

func NewTable() *Table {
	return &Table{entries: map[string]*entry{}}
}

// OnCommit registers fn to receive the propositions of every response that
// is accepted for a pending entry. fn runs while the entry is still claimed,
// so a concurrent timeout can never observe or follow it. It must not call
// back into the table.
func (t *Table) OnCommit(fn func([]*proposition.Proposition)) {
	t.mu.Lock()
	t.commit = fn
	t.mu.Unlock()
}

// Register tracks id until it is resolved or timeout elapses.
func (t *Table) Register(id string, wants map[string]string, timeout time.Duration, sink Sink) error {
	if len(wants) == 0 {
		return ErrNoScopes
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return ErrDuplicated
	}
	e := &entry{
		wants: wants,
		got:   map[string]*proposition.Proposition{},
		sink:  sink,
	}
	t.entries[id] = e
	e.timer = time.AfterFunc(timeout, func() { t.expire(id, e) })
	return nil
}

// Accumulate attaches a partial batch to a pending entry. It reports
// whether the entry was still pending.
func (t *Table) Accumulate(id string, props []*proposition.Proposition) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	if t.commit != nil && len(props) > 0 {
		t.commit(props)
	}
	for _, p := range props {
		if _, wanted := e.wants[p.Scope]; wanted {
			e.got[p.Scope] = p
		}
	}
	return true
}

// Resolve completes id with the wanted scopes found in earlier partial
// batches, props, or lookup, in that order of preference. Unknown or
// already completed ids are ignored.
func (t *Table) Resolve(id string, props []*proposition.Proposition, lookup Lookup) bool {
	e, commit, ok := t.take(id)
	if !ok {
		return false
	}
	if commit != nil && len(props) > 0 {
		commit(props)
	}
	for _, p := range props {
		if _, wanted := e.wants[p.Scope]; wanted {
			e.got[p.Scope] = p
		}
	}
	var missing []string
	for name := range e.wants {
		if _, ok := e.got[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 && lookup != nil {
		for name, p := range lookup(missing) {
			e.got[name] = p
		}
	}

	out := make(Result, len(e.got))
	for name, p := range e.got {
		out[e.wants[name]] = p
	}
	e.sink(out, nil)
	return true
}

// Fail completes id with err.
func (t *Table) Fail(id string, err error) bool {
	e, _, ok := t.take(id)
	if !ok {
		return false
	}
	e.sink(nil, err)
	return true
}

// Pending reports whether id is still awaiting completion.
func (t *Table) Pending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Len reports the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// take claims id. Once claimed the entry can no longer expire.
func (t *Table) take(id string) (*entry, func([]*proposition.Proposition), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, nil, false
	}
	delete(t.entries, id)
	e.timer.Stop()
	return e, t.commit, true
}

// expire only removes e if it is still the entry registered under id.
func (t *Table) expire(id string, e *entry) {
	t.mu.Lock()
	cur, ok := t.entries[id]
	if !ok || cur != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.mu.Unlock()
	e.sink(nil, ErrTimeout)
}
