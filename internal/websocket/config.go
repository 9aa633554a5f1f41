package websocket

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/relaynet/internal/protocol"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
// Use this to implement CORS policies for your WebSocket endpoint.
type CheckOriginFn = func(r *http.Request) bool

// AllOrigins accepts every origin. Never use it in production.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool { return true }
}

// RateLimitConfig defines the local flood guard applied to inbound frames
// of a single connection. It runs before any application middleware.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// ConnOptions tunes a Conn. Zero PingPeriod or PongWait disables the
// protocol-level keepalive, which is what dialed client connections use.
type ConnOptions struct {
	RateLimit *RateLimitConfig

	// SendBuffer is the number of frames queued before the peer is
	// considered too slow and disconnected.
	SendBuffer int
	ReadLimit  int64

	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	// CloseGrace is how long to wait for the peer's close frame after
	// sending ours.
	CloseGrace time.Duration

	Logger zerolog.Logger
}

// DefaultConnOptions returns the options used for accepted server connections.
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		RateLimit:  DefaultRateLimitConfig(),
		SendBuffer: 256,
		ReadLimit:  protocol.MaxPayloadSize,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		CloseGrace: time.Second,
		Logger:     zerolog.Nop(),
	}
}

func (o ConnOptions) withDefaults() ConnOptions {
	def := DefaultConnOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = def.SendBuffer
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	if o.WriteWait <= 0 {
		o.WriteWait = def.WriteWait
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = def.CloseGrace
	}
	return o
}
