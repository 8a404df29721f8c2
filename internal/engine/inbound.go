package engine

import (
	"github.com/rs/zerolog/log"

	"decision-cache/internal/bus"
	"decision-cache/internal/observability"
	"decision-cache/internal/proposition"
)

func (e *Engine) handle(m bus.Message) {
	observability.MessagesTotal.WithLabelValues(string(m.Kind), "in").Inc()
	switch m.Kind {
	case bus.KindReset:
		e.Clear()
	case bus.KindDecisions, bus.KindResponse:
		e.handleResponse(m)
	}
}

// handleResponse applies one response for a pending fetch. Responses for
// ids that are no longer pending are dropped.
func (e *Engine) handleResponse(m bus.Message) {
	id := correlationID(m)
	if id == "" || !e.pending.Pending(id) {
		log.Debug().Str("id", id).Str("kind", string(m.Kind)).Msg("response for unknown or completed request ignored")
		return
	}

	records := recordsOf(m.Data[KeyPayload])
	props := proposition.DecodeAll(records)
	if rejected := len(records) - len(props); rejected > 0 {
		observability.DecodeRejects.Add(float64(rejected))
		log.Debug().Str("id", id).Int("rejected", rejected).Msg("malformed propositions dropped")
	}

	// The cache is only written through commit, while the entry is claimed.
	var accepted bool
	switch {
	case m.Kind == bus.KindDecisions:
		accepted = e.pending.Accumulate(id, props)
	case len(props) == 0 && responseError(m.Data) != nil:
		err := responseError(m.Data)
		log.Warn().Str("id", id).Err(err).Msg("fetch failed upstream")
		e.pending.Fail(id, err)
	default:
		accepted = e.pending.Resolve(id, props, e.cache.GetByScopes)
	}

	if !accepted {
		if len(props) > 0 {
			log.Debug().Str("id", id).Msg("request completed before response was applied")
		}
		return
	}
	if len(props) > 0 {
		e.publish(bus.NewResponse(m, bus.KindNotification, map[string]any{
			KeyPropositions: toRecords(props),
		}))
	}
}

// commit stores accepted propositions.
func (e *Engine) commit(props []*proposition.Proposition) {
	e.cache.Upsert(props)
	observability.CachedPropositions.Set(float64(e.cache.Len()))
}

// correlationID prefers the parent link and falls back to the
// requestEventId carried in the payload.
func correlationID(m bus.Message) string {
	if m.ParentID != "" {
		return m.ParentID
	}
	id, _ := m.Data[KeyRequestEventID].(string)
	return id
}

func recordsOf(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []map[string]any:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out
	}
	return nil
}

func toRecords(props []*proposition.Proposition) []any {
	out := make([]any, len(props))
	for i, p := range props {
		out[i] = p.Record()
	}
	return out
}
