package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Kind classifies a message on the bus.
type Kind string

const (
	// KindFetchRequest asks the decisioning transport for propositions.
	KindFetchRequest Kind = "decisioning.fetch"
	// KindTrackRequest carries interaction tracking payloads outbound.
	KindTrackRequest Kind = "decisioning.track"
	// KindDecisions is a partial batch of decisions for an outstanding fetch.
	KindDecisions Kind = "decisioning.decisions"
	// KindResponse completes an outstanding fetch.
	KindResponse Kind = "decisioning.response"
	// KindNotification announces a propositions update to observers.
	KindNotification Kind = "decisioning.notification"
	// KindReset is the identity reset signal.
	KindReset Kind = "identity.reset"
)

// Message is one event on the bus. ParentID links a response to the
// message it answers.
type Message struct {
	ID        string
	ParentID  string
	Kind      Kind
	Data      map[string]any
	Timestamp time.Time
}

func NewMessage(kind Kind, data map[string]any) Message {
	return Message{
		ID:        uuid.New().String(),
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewResponse builds a message answering parent.
func NewResponse(parent Message, kind Kind, data map[string]any) Message {
	m := NewMessage(kind, data)
	m.ParentID = parent.ID
	return m
}

// Predicate selects the messages a subscriber receives.
type Predicate func(Message) bool

// Handler receives messages on the subscriber's own goroutine, one at a time.
type Handler func(Message)

// OfKind matches any of kinds.
func OfKind(kinds ...Kind) Predicate {
	return func(m Message) bool {
		for _, k := range kinds {
			if m.Kind == k {
				return true
			}
		}
		return false
	}
}

type subscriber struct {
	match Predicate
	ch    chan Message
}

// Bus is a non-blocking in-process publish/subscribe bus. Each subscriber
// has a buffered channel; a full channel drops the message for that
// subscriber.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscriber
	bufferSize int
	closed     bool
}

func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers fn for messages matching match and returns an
// unsubscribe function.
func (b *Bus) Subscribe(match Predicate, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber{match: match, ch: make(chan Message, b.bufferSize)}
	if b.closed {
		close(s.ch)
		return func() {}
	}
	b.subs = append(b.subs, s)

	go func() {
		for m := range s.ch {
			deliver(fn, m)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					close(s.ch)
					break
				}
			}
		})
	}
}

func deliver(fn Handler, m Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("kind", string(m.Kind)).Msg("bus subscriber panicked")
		}
	}()
	fn(m)
}

// Publish hands m to every matching subscriber without blocking.
func (b *Bus) Publish(m Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if s.match != nil && !s.match(m) {
			continue
		}
		select {
		case s.ch <- m:
		default:
			log.Warn().Str("kind", string(m.Kind)).Str("id", m.ID).Msg("subscriber buffer full; message dropped")
		}
	}
}

// Close stops delivery to every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	b.closed = true
}
