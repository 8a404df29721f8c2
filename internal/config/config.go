package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Transport kinds.
const (
	TransportNone     = "none"
	TransportPostgres = "postgres"
	TransportRedis    = "redis"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr     string `mapstructure:"addr"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"server"`

	Engine struct {
		FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
		SurfacePrefix   string        `mapstructure:"surface_prefix"`
		BusBuffer       int           `mapstructure:"bus_buffer"`
		UpstreamEnabled bool          `mapstructure:"upstream_enabled"`
	} `mapstructure:"engine"`

	Transport struct {
		Kind string `mapstructure:"kind"`
	} `mapstructure:"transport"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"postgres"`

	Listener struct {
		InboundChannel   string `mapstructure:"inbound_channel"`
		OutboundChannel  string `mapstructure:"outbound_channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`

	Redis struct {
		Addr            string `mapstructure:"addr"`
		Password        string `mapstructure:"password"`
		DB              int    `mapstructure:"db"`
		InboundChannel  string `mapstructure:"inbound_channel"`
		OutboundChannel string `mapstructure:"outbound_channel"`
	} `mapstructure:"redis"`
}

// Load reads configs/application.yaml when present, then APP_* env vars.
func Load() Config {
	cfg, _ := LoadWith(NewViper())
	return cfg
}

// LoadWith decodes cfg from an already prepared viper instance.
func LoadWith(v *viper.Viper) (Config, *viper.Viper) {
	_ = v.ReadInConfig() // optional; env can fully configure

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("unable to decode config: %w", err))
	}
	validate(&cfg)
	return cfg, v
}

// NewViper prepares the file and APP_* env sources without reading them.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("application")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper already knows about.
	for _, k := range []string{
		"server.addr", "server.log_level",
		"engine.fetch_timeout", "engine.surface_prefix", "engine.bus_buffer", "engine.upstream_enabled",
		"transport.kind",
		"postgres.host", "postgres.port", "postgres.user", "postgres.password", "postgres.db_name",
		"postgres.ssl_mode", "postgres.max_open_conns", "postgres.max_idle_conns",
		"listener.inbound_channel", "listener.outbound_channel", "listener.reconnect_seconds",
		"redis.addr", "redis.password", "redis.db", "redis.inbound_channel", "redis.outbound_channel",
	} {
		_ = v.BindEnv(k)
	}
	v.SetDefault("engine.upstream_enabled", true)
	return v
}

func validate(c *Config) {
	if c.Server.Addr == "" { c.Server.Addr = ":8080" }
	if c.Server.LogLevel == "" { c.Server.LogLevel = "info" }
	if c.Engine.FetchTimeout <= 0 { c.Engine.FetchTimeout = 10 * time.Second }
	if c.Engine.BusBuffer <= 0 { c.Engine.BusBuffer = 256 }
	c.Engine.SurfacePrefix = strings.TrimSuffix(c.Engine.SurfacePrefix, "/")
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.Kind == "" { c.Transport.Kind = TransportNone }
	if c.Postgres.Port == 0 { c.Postgres.Port = 5432 }
	if c.Postgres.SSLMode == "" { c.Postgres.SSLMode = "disable" }
	if c.Postgres.MaxOpenConns == 0 { c.Postgres.MaxOpenConns = 10 }
	if c.Postgres.MaxIdleConns == 0 { c.Postgres.MaxIdleConns = 2 }
	if c.Listener.InboundChannel == "" { c.Listener.InboundChannel = "decisioning_inbound" }
	if c.Listener.OutboundChannel == "" { c.Listener.OutboundChannel = "decisioning_outbound" }
	if c.Listener.ReconnectSeconds <= 0 { c.Listener.ReconnectSeconds = 5 }
	if c.Redis.Addr == "" { c.Redis.Addr = "localhost:6379" }
	if c.Redis.InboundChannel == "" { c.Redis.InboundChannel = "decisioning.inbound" }
	if c.Redis.OutboundChannel == "" { c.Redis.OutboundChannel = "decisioning.outbound" }
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

func (c Config) Backoff() time.Duration { return time.Duration(c.Listener.ReconnectSeconds) * time.Second }

// Watch re-reads the config file on change and hands the new values to fn.
// Only settings that are safe to swap at runtime should be applied by fn.
func Watch(v *viper.Viper, fn func(Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("reload config")
			return
		}
		validate(&cfg)
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		fn(cfg)
	})
	v.WatchConfig()
}
