package bridge

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis bridges the bus over Redis pub/sub: requests are published on the
// outbound channel and responses are read from the inbound one.
type Redis struct {
	client   *redis.Client
	inbound  string
	outbound string
}

func NewRedis(addr, password string, db int, inbound, outbound string) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{client: rdb, inbound: inbound, outbound: outbound}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Send(ctx context.Context, payload []byte) error {
	if err := r.client.Publish(ctx, r.outbound, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.outbound, err)
	}
	return nil
}

// Run subscribes to the inbound channel and feeds envelopes to p until ctx
// is done.
func (r *Redis) Run(ctx context.Context, p Publisher) error {
	sub := r.client.Subscribe(ctx, r.inbound)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", r.inbound, err)
	}
	log.Info().Str("channel", r.inbound).Msg("listening for redis responses")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("redis bridge stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := Ingest(p, []byte(msg.Payload)); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("inbound envelope dropped")
			}
		}
	}
}

func (r *Redis) Close() error { return r.client.Close() }
