package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"decision-cache/internal/config"
)

// Store is the Postgres side of the LISTEN/NOTIFY transport. Requests go
// out with pg_notify on the outbound channel; the listener reads responses
// from the inbound one.
type Store struct {
	pool     *pgxpool.Pool
	inbound  string
	outbound string
}

func New(ctx context.Context, cfg config.Config) (*Store, error) {
	dsn := cfg.DSN()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Store{
		pool:     pool,
		inbound:  cfg.Listener.InboundChannel,
		outbound: cfg.Listener.OutboundChannel,
	}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Send notifies the outbound channel with one envelope. NOTIFY payloads are
// capped by Postgres at just under 8000 bytes.
func (s *Store) Send(ctx context.Context, payload []byte) error {
	if len(payload) >= maxNotifyPayload {
		return fmt.Errorf("notify payload of %d bytes exceeds %d", len(payload), maxNotifyPayload)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.PgxPool().Exec(ctx, "SELECT pg_notify($1, $2)", s.outbound, string(payload)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", s.outbound, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.PgxPool().Ping(ctx)
}

const maxNotifyPayload = 8000

func (s *Store) ListenChannel() string {
	if s.inbound == "" {
		return "decisioning_inbound"
	}
	return s.inbound
}

func (s *Store) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}
