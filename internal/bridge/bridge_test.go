package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decision-cache/internal/bus"
)

func TestEnvelope_EncodeDecode(t *testing.T) {
	m := bus.Message{
		ID:        "r1",
		ParentID:  "f1",
		Kind:      bus.KindResponse,
		Data:      map[string]any{"payload": []any{map[string]any{"id": "P1"}}},
		Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	b, err := Encode(m)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "f1", raw["parentId"])
	assert.Equal(t, "decisioning.response", raw["kind"])

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.ParentID, got.ParentID)
	assert.Equal(t, m.Kind, got.Kind)
	assert.True(t, m.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, "P1", got.Data["payload"].([]any)[0].(map[string]any)["id"])
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"not json", `{`, ErrBadEnvelope},
		{"missing kind", `{"id":"x"}`, ErrBadEnvelope},
		{"outbound kind", `{"kind":"decisioning.fetch"}`, ErrUnsupportedKind},
		{"notification kind", `{"kind":"decisioning.notification"}`, ErrUnsupportedKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecode_FillsIDAndTimestamp(t *testing.T) {
	m, err := Decode([]byte(`{"kind":"identity.reset"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.Timestamp.IsZero())
}

type fakeSink struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (f *fakeSink) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestForward_OnlyOutboundKinds(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	sink := &fakeSink{}
	stop := Forward(context.Background(), b, sink)
	defer stop()

	b.Publish(bus.NewMessage(bus.KindFetchRequest, map[string]any{"requestType": "updatepropositions"}))
	b.Publish(bus.NewMessage(bus.KindTrackRequest, nil))
	b.Publish(bus.NewMessage(bus.KindResponse, nil))
	b.Publish(bus.NewMessage(bus.KindNotification, nil))

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, sink.count())

	var env Envelope
	require.NoError(t, json.Unmarshal(sink.sent[0], &env))
	assert.Equal(t, bus.KindFetchRequest, env.Kind)
	assert.Equal(t, "updatepropositions", env.Data["requestType"])
}

func TestForward_SendErrorDoesNotStop(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	sink := &fakeSink{err: errors.New("broker down")}
	stop := Forward(context.Background(), b, sink)
	defer stop()

	b.Publish(bus.NewMessage(bus.KindFetchRequest, nil))
	time.Sleep(20 * time.Millisecond)

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	b.Publish(bus.NewMessage(bus.KindFetchRequest, nil))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) Publish(m bus.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func TestIngest(t *testing.T) {
	r := &recorder{}
	m, err := Ingest(r, []byte(`{"id":"r1","parentId":"f1","kind":"decisioning.decisions","data":{"payload":[]}}`))
	require.NoError(t, err)
	assert.Equal(t, "f1", m.ParentID)
	require.Len(t, r.msgs, 1)
	assert.Equal(t, bus.KindDecisions, r.msgs[0].Kind)

	_, err = Ingest(r, []byte(`{"kind":"decisioning.track"}`))
	assert.ErrorIs(t, err, ErrUnsupportedKind)
	assert.Len(t, r.msgs, 1)
}
