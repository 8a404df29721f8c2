package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"decision-cache/internal/bus"
	"decision-cache/internal/observability"
)

const sendTimeout = 5 * time.Second

// Sink delivers an encoded envelope to the broker.
type Sink interface {
	Send(ctx context.Context, payload []byte) error
}

type Subscriber interface {
	Subscribe(bus.Predicate, bus.Handler) func()
}

type Publisher interface {
	Publish(bus.Message)
}

// Forward sends every outbound request on b to sink until ctx ends or the
// returned func is called. Send failures are logged and not retried.
func Forward(ctx context.Context, b Subscriber, sink Sink) func() {
	return b.Subscribe(bus.OfKind(Outbound...), func(m bus.Message) {
		payload, err := Encode(m)
		if err != nil {
			log.Error().Err(err).Str("id", m.ID).Msg("encode envelope")
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := sink.Send(sctx, payload); err != nil {
			log.Error().Err(err).Str("id", m.ID).Str("kind", string(m.Kind)).Msg("forward to broker")
			return
		}
		log.Debug().Str("id", m.ID).Str("kind", string(m.Kind)).Msg("forwarded to broker")
	})
}

// Ingest decodes one inbound envelope and publishes it on p.
func Ingest(p Publisher, payload []byte) (bus.Message, error) {
	m, err := Decode(payload)
	if err != nil {
		observability.MessagesTotal.WithLabelValues("invalid", "in").Inc()
		return bus.Message{}, err
	}
	p.Publish(m)
	return m, nil
}
