package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []Message
}

func (r *recorder) handle(m Message) {
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.got...)
}

func TestBus_PredicateFiltering(t *testing.T) {
	b := New(10)
	defer b.Close()

	var rec recorder
	unsub := b.Subscribe(OfKind(KindResponse, KindDecisions), rec.handle)
	defer unsub()

	b.Publish(NewMessage(KindFetchRequest, nil))
	b.Publish(NewMessage(KindResponse, map[string]any{"k": "v"}))

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)
	got := rec.messages()[0]
	assert.Equal(t, KindResponse, got.Kind)
	assert.Equal(t, "v", got.Data["k"])
	assert.NotEmpty(t, got.ID)
}

func TestBus_MultipleSubscribersAreNotDeduplicated(t *testing.T) {
	b := New(10)
	defer b.Close()

	var rec recorder
	b.Subscribe(OfKind(KindNotification), rec.handle)
	b.Subscribe(OfKind(KindNotification), rec.handle)

	b.Publish(NewMessage(KindNotification, nil))
	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(10)
	defer b.Close()

	var rec recorder
	unsub := b.Subscribe(nil, rec.handle)
	unsub()
	unsub()

	b.Publish(NewMessage(KindReset, nil))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.messages())
}

func TestBus_PanickingSubscriberKeepsReceiving(t *testing.T) {
	b := New(10)
	defer b.Close()

	var rec recorder
	b.Subscribe(nil, func(m Message) {
		rec.handle(m)
		panic("boom")
	})
	b.Publish(NewMessage(KindReset, nil))
	b.Publish(NewMessage(KindReset, nil))
	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestNewResponse(t *testing.T) {
	req := NewMessage(KindFetchRequest, nil)
	resp := NewResponse(req, KindResponse, nil)
	assert.Equal(t, req.ID, resp.ParentID)
	assert.NotEqual(t, req.ID, resp.ID)
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	b := New(1)
	b.Close()
	unsub := b.Subscribe(nil, func(Message) {})
	unsub()
	b.Publish(NewMessage(KindReset, nil))
}
