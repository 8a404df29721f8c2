package listener

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"decision-cache/internal/bridge"
	"decision-cache/internal/storage"
)

// ListenAndForward LISTENs on channel and publishes every notification
// payload as an inbound bus message. It reconnects with jittered backoff
// until ctx is done.
func ListenAndForward(ctx context.Context, st *storage.Store, pub bridge.Publisher, channel string, baseBackoff time.Duration) {
	if channel == "" {
		channel = st.ListenChannel()
	}
	for {
		err := listen(ctx, st, pub, channel)
		if ctx.Err() != nil {
			log.Info().Msg("listener stopped")
			return
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Dur("retry_in", backoff).Msg("notify wait error")
		select {
		case <-ctx.Done():
			log.Info().Msg("listener stopped")
			return
		case <-time.After(backoff):
		}
	}
}

func listen(ctx context.Context, st *storage.Store, pub bridge.Publisher, channel string) error {
	conn, err := st.PgxPool().Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	log.Info().Str("channel", channel).Msg("listening for decisioning responses")

	for {
		ntf, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		handle(pub, ntf.Channel, ntf.Payload)
	}
}

func handle(pub bridge.Publisher, channel, payload string) {
	m, err := bridge.Ingest(pub, []byte(payload))
	if err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("inbound notification dropped")
		return
	}
	log.Debug().Str("channel", channel).Str("id", m.ID).Str("kind", string(m.Kind)).Msg("inbound notification")
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x-1.5x
	return time.Duration(float64(base) * factor)
}
