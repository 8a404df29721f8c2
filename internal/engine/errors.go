package engine

import (
	"errors"
	"fmt"

	"decision-cache/internal/pending"
)

var (
	// ErrInvalidScopes rejects a request with no scopes or surfaces at all.
	ErrInvalidScopes = errors.New("unexpected error: no decision scopes or surfaces provided")
	// ErrNoValidScopes rejects a request whose scopes were all blank.
	ErrNoValidScopes = errors.New("no valid decision scopes or surfaces provided")
	// ErrTimeout is delivered when no response arrives before the deadline.
	ErrTimeout = pending.ErrTimeout
	// ErrUpstreamUnavailable is delivered when there is no usable route to
	// the decisioning network.
	ErrUpstreamUnavailable = errors.New("decisioning upstream unavailable")
	// ErrNothingToTrack is returned when no tracking payload can be built,
	// for example because the offer's proposition was evicted.
	ErrNothingToTrack = errors.New("no interaction payload to track")
	ErrUpstream       = errors.New("decisioning upstream error")
)

// ResponseError carries the error details of an upstream response.
type ResponseError struct {
	Type   string
	Status int
	Title  string
	Detail string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("decisioning upstream error %d: %s: %s", e.Status, e.Title, e.Detail)
}

func (e *ResponseError) Unwrap() error { return ErrUpstream }

func responseError(data map[string]any) *ResponseError {
	raw, ok := data[KeyError].(map[string]any)
	if !ok {
		return nil
	}
	re := &ResponseError{}
	re.Type, _ = raw["type"].(string)
	re.Title, _ = raw["title"].(string)
	re.Detail, _ = raw["detail"].(string)
	switch s := raw["status"].(type) {
	case float64:
		re.Status = int(s)
	case int:
		re.Status = s
	}
	return re
}
