// Package bridge moves bus messages across an external broker as JSON
// envelopes.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"decision-cache/internal/bus"
)

var (
	ErrBadEnvelope     = errors.New("malformed envelope")
	ErrUnsupportedKind = errors.New("envelope kind not accepted inbound")
)

// Envelope is the wire form of a bus.Message.
type Envelope struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parentId,omitempty"`
	Kind      bus.Kind       `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func Encode(m bus.Message) ([]byte, error) {
	return json.Marshal(Envelope{
		ID:        m.ID,
		ParentID:  m.ParentID,
		Kind:      m.Kind,
		Data:      m.Data,
		Timestamp: m.Timestamp,
	})
}

// Decode parses an inbound envelope. Only kinds a transport may deliver
// are accepted; a missing id or timestamp is filled in.
func Decode(payload []byte) (bus.Message, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return bus.Message{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Kind == "" {
		return bus.Message{}, fmt.Errorf("%w: missing kind", ErrBadEnvelope)
	}
	if !Inbound(env.Kind) {
		return bus.Message{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, env.Kind)
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	return bus.Message{
		ID:        env.ID,
		ParentID:  env.ParentID,
		Kind:      env.Kind,
		Data:      env.Data,
		Timestamp: env.Timestamp,
	}, nil
}

// Inbound reports whether k may arrive from outside the process.
func Inbound(k bus.Kind) bool {
	switch k {
	case bus.KindDecisions, bus.KindResponse, bus.KindReset:
		return true
	}
	return false
}

// Outbound lists the kinds forwarded to the broker.
var Outbound = []bus.Kind{bus.KindFetchRequest, bus.KindTrackRequest}
