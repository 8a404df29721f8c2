package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"decision-cache/internal/api"
	"decision-cache/internal/bridge"
	"decision-cache/internal/bus"
	"decision-cache/internal/config"
	"decision-cache/internal/engine"
	"decision-cache/internal/listener"
	"decision-cache/internal/storage"
)

// Transport carries outbound requests to the decisioning broker and feeds
// its responses back onto the bus.
type Transport interface {
	bridge.Sink
	Run(ctx context.Context, pub bridge.Publisher) error
	Close()
}

type Server struct {
	cfg      config.Config
	bus      *bus.Bus
	cache    *storage.Cache
	eng      *engine.Engine
	upstream atomic.Bool
}

func New(cfg config.Config) *Server {
	s := &Server{
		cfg:   cfg,
		bus:   bus.New(cfg.Engine.BusBuffer),
		cache: storage.NewCache(),
	}
	s.upstream.Store(cfg.Engine.UpstreamEnabled)
	s.eng = engine.New(s.bus, s.cache, engine.Options{
		DefaultTimeout: cfg.Engine.FetchTimeout,
		SurfacePrefix:  cfg.Engine.SurfacePrefix,
		Available:      s.upstream.Load,
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return api.Router(api.NewPropositionHandler(s.eng, s.bus), s.cfg.Engine.FetchTimeout+2*time.Second)
}

// Apply takes the runtime-safe subset of a reloaded config.
func (s *Server) Apply(c config.Config) {
	lvl := config.SetLevel(c.Server.LogLevel)
	if prev := s.upstream.Swap(c.Engine.UpstreamEnabled); prev != c.Engine.UpstreamEnabled {
		log.Info().Bool("upstream_enabled", c.Engine.UpstreamEnabled).Msg("upstream availability changed")
	}
	log.Debug().Str("level", lvl.String()).Msg("config applied")
}

func (s *Server) Close() {
	s.eng.Close()
	s.bus.Close()
}

// Run serves until SIGINT/SIGTERM. v, when it has a config file, is watched
// for runtime changes.
func Run(cfg config.Config, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := New(cfg)
	defer s.Close()

	if v != nil && v.ConfigFileUsed() != "" {
		config.Watch(v, s.Apply)
	}

	tr, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if tr != nil {
		defer tr.Close()
		unsub := bridge.Forward(ctx, s.bus, tr)
		defer unsub()
		g.Go(func() error { return tr.Run(ctx, s.bus) })
	} else {
		log.Warn().Msg("no transport configured; responses only arrive via POST /v1/events")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.Engine.FetchTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("transport", cfg.Transport.Kind).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutdown...")
		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		return srv.Shutdown(shCtx)
	})
	return g.Wait()
}

func newTransport(ctx context.Context, cfg config.Config) (Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportNone:
		return nil, nil
	case config.TransportPostgres:
		st, err := storage.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init postgres transport: %w", err)
		}
		return &pgTransport{Store: st, channel: cfg.Listener.InboundChannel, backoff: cfg.Backoff()}, nil
	case config.TransportRedis:
		return &redisTransport{Redis: bridge.NewRedis(
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cfg.Redis.InboundChannel, cfg.Redis.OutboundChannel,
		)}, nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
}

type pgTransport struct {
	*storage.Store
	channel string
	backoff time.Duration
}

func (t *pgTransport) Run(ctx context.Context, pub bridge.Publisher) error {
	listener.ListenAndForward(ctx, t.Store, pub, t.channel, t.backoff)
	return nil
}

type redisTransport struct {
	*bridge.Redis
}

func (t *redisTransport) Close() {
	if err := t.Redis.Close(); err != nil {
		log.Warn().Err(err).Msg("close redis")
	}
}
