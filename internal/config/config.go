// Package config loads relayd configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/relaynet/internal/ratelimit"
	"github.com/luciancaetano/relaynet/internal/websocket"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	FloodGuard FloodGuardConfig `yaml:"flood_guard"`
	Connection ConnectionConfig `yaml:"connection"`
	Rooms      RoomsConfig      `yaml:"rooms"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// MetricsAddr serves /metrics. Empty disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`
	// ShutdownTimeout bounds how long in-flight sessions get to close.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RateLimitConfig is the per-IP fixed window.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// FloodGuardConfig is the per-connection token bucket.
type FloodGuardConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

type ConnectionConfig struct {
	SendBuffer int           `yaml:"send_buffer"`
	ReadLimit  int64         `yaml:"read_limit"`
	PingPeriod time.Duration `yaml:"ping_period"`
	PongWait   time.Duration `yaml:"pong_wait"`
	WriteWait  time.Duration `yaml:"write_wait"`
	CloseGrace time.Duration `yaml:"close_grace"`
}

type RoomsConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RoomIdle      time.Duration `yaml:"room_idle"`
	LimiterIdle   time.Duration `yaml:"limiter_idle"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	conn := websocket.DefaultConnOptions()
	flood := websocket.DefaultRateLimitConfig()

	return Config{
		Server: ServerConfig{
			Addr:            ":8787",
			MetricsAddr:     ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window:      time.Minute,
			MaxRequests: 1000,
		},
		FloodGuard: FloodGuardConfig{
			Enabled:           flood.Enabled,
			MessagesPerSecond: float64(flood.MessagesPerSecond),
			Burst:             flood.Burst,
		},
		Connection: ConnectionConfig{
			SendBuffer: conn.SendBuffer,
			ReadLimit:  conn.ReadLimit,
			PingPeriod: conn.PingPeriod,
			PongWait:   conn.PongWait,
			WriteWait:  conn.WriteWait,
			CloseGrace: conn.CloseGrace,
		},
		Rooms: RoomsConfig{
			SweepInterval: time.Minute,
			RoomIdle:      5 * time.Minute,
			LimiterIdle:   2 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path over the defaults. An empty or
// missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Connection.SendBuffer == 0 {
		c.Connection.SendBuffer = defaults.Connection.SendBuffer
	}
	if c.Connection.ReadLimit == 0 {
		c.Connection.ReadLimit = defaults.Connection.ReadLimit
	}
	if c.Connection.WriteWait == 0 {
		c.Connection.WriteWait = defaults.Connection.WriteWait
	}
	if c.Connection.CloseGrace == 0 {
		c.Connection.CloseGrace = defaults.Connection.CloseGrace
	}
	if c.Rooms.SweepInterval == 0 {
		c.Rooms.SweepInterval = defaults.Rooms.SweepInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if c.Server.Addr == "" {
		errs = errs.Append("server.addr", fmt.Errorf("cannot be empty"))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = errs.Append("server.shutdown_timeout", fmt.Errorf("cannot be negative"))
	}

	if c.RateLimit.Window <= 0 {
		errs = errs.Append("rate_limit.window", fmt.Errorf("must be positive"))
	}
	if c.RateLimit.MaxRequests < 1 {
		errs = errs.Append("rate_limit.max_requests", fmt.Errorf("must be at least 1"))
	}

	if c.FloodGuard.Enabled {
		if c.FloodGuard.MessagesPerSecond <= 0 {
			errs = errs.Append("flood_guard.messages_per_second", fmt.Errorf("must be positive"))
		}
		if c.FloodGuard.Burst < 1 {
			errs = errs.Append("flood_guard.burst", fmt.Errorf("must be at least 1"))
		}
	}

	if c.Connection.SendBuffer < 1 {
		errs = errs.Append("connection.send_buffer", fmt.Errorf("must be at least 1"))
	}
	if c.Connection.ReadLimit < 1 {
		errs = errs.Append("connection.read_limit", fmt.Errorf("must be at least 1"))
	}
	if c.Connection.PingPeriod < 0 || c.Connection.PongWait < 0 {
		errs = errs.Append("connection.ping_period", fmt.Errorf("keepalive durations cannot be negative"))
	}
	if c.Connection.PingPeriod > 0 && c.Connection.PingPeriod >= c.Connection.PongWait {
		errs = errs.Append("connection.ping_period", fmt.Errorf("must be shorter than pong_wait (%s)", c.Connection.PongWait))
	}

	if c.Rooms.SweepInterval <= 0 {
		errs = errs.Append("rooms.sweep_interval", fmt.Errorf("must be positive"))
	}
	if c.Rooms.RoomIdle < 0 {
		errs = errs.Append("rooms.room_idle", fmt.Errorf("cannot be negative"))
	}
	if c.Rooms.LimiterIdle > 0 && c.Rooms.LimiterIdle < c.RateLimit.Window {
		errs = errs.Append("rooms.limiter_idle", fmt.Errorf("must be at least rate_limit.window (%s)", c.RateLimit.Window))
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = errs.Append("log.level", fmt.Errorf("unknown level %q", c.Log.Level))
	}

	return errs.ToError()
}

// ConnOptions converts the connection and flood guard settings.
func (c *Config) ConnOptions(logger zerolog.Logger) websocket.ConnOptions {
	flood := websocket.NoRateLimit()
	if c.FloodGuard.Enabled {
		flood = &websocket.RateLimitConfig{
			MessagesPerSecond: rate.Limit(c.FloodGuard.MessagesPerSecond),
			Burst:             c.FloodGuard.Burst,
			Enabled:           true,
		}
	}

	return websocket.ConnOptions{
		RateLimit:  flood,
		SendBuffer: c.Connection.SendBuffer,
		ReadLimit:  c.Connection.ReadLimit,
		PingPeriod: c.Connection.PingPeriod,
		PongWait:   c.Connection.PongWait,
		WriteWait:  c.Connection.WriteWait,
		CloseGrace: c.Connection.CloseGrace,
		Logger:     logger,
	}
}

// LimiterOptions converts the per-IP window.
func (c *Config) LimiterOptions() ratelimit.Options {
	return ratelimit.Options{
		Duration:    c.RateLimit.Window,
		MaxRequests: c.RateLimit.MaxRequests,
	}
}
