// Package ws is the public entry point to relaynet: event registries,
// brokers, the websocket platforms, the room host and the client state
// machine.
package ws

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/relaynet/internal/broker"
	"github.com/luciancaetano/relaynet/internal/client"
	"github.com/luciancaetano/relaynet/internal/netconn"
	"github.com/luciancaetano/relaynet/internal/ratelimit"
	"github.com/luciancaetano/relaynet/internal/room"
	"github.com/luciancaetano/relaynet/internal/websocket"
)

type (
	Events          = broker.Events
	Helpers         = broker.Helpers
	Middleware      = broker.Middleware
	RegisterOptions = broker.RegisterOptions
	Options         = broker.Options
	Session         = broker.Session
	Metrics         = broker.Metrics

	Broker[N any]       = broker.Broker[N]
	BrokerConfig[N any] = broker.Config[N]
	Event[T any]        = broker.Event[T]
	Validator[T any]    = broker.Validator[T]
	Resolver[T any]     = broker.Resolver[T]
)

type (
	RateLimitConfig    = websocket.RateLimitConfig
	CheckOriginFn      = websocket.CheckOriginFn
	ConnOptions        = websocket.ConnOptions
	Platform           = websocket.Platform
	Server             = websocket.Server
	StandaloneOptions  = netconn.Options
	StandalonePlatform = netconn.Platform
)

type (
	Host        = room.Host
	HostConfig  = room.Config
	RoomContext = room.Context
	LimitWindow = ratelimit.Options
)

type (
	Client       = client.Machine
	ClientConfig = client.Config
	ClientState  = client.State
	ClientEvents = client.Events
	URLResolver  = client.Resolver
)

const (
	StateClosed      = client.StateClosed
	StateConnecting  = client.StateConnecting
	StateOpen        = client.StateOpen
	StateUnavailable = client.StateUnavailable
)

var (
	ErrReservedEvent     = broker.ErrReservedEvent
	ErrDuplicateEvent    = broker.ErrDuplicateEvent
	ErrAlreadyConfigured = broker.ErrAlreadyConfigured
	ErrNotConfigured     = broker.ErrNotConfigured
	ErrNoResolver        = client.ErrNoResolver
	ErrRateLimited       = room.ErrRateLimited
)

func NewEvents() *Events { return broker.NewEvents() }

// Handle registers a typed event on e.
func Handle[T any](e *Events, name string, ev Event[T]) error {
	return broker.Handle(e, name, ev)
}

func MustHandle[T any](e *Events, name string, ev Event[T]) {
	broker.MustHandle(e, name, ev)
}

// JSONInput decodes event data into T and runs T's Validate method if it
// has one.
func JSONInput[T any]() Validator[T] {
	return broker.JSONInput[T]()
}

func Chain(mws ...Middleware) Middleware { return broker.Chain(mws...) }

func NewBroker[N any](cfg BrokerConfig[N]) *Broker[N] {
	return broker.New(cfg)
}

func NewMetrics(reg prometheus.Registerer) *Metrics { return broker.NewMetrics(reg) }

// NewPlatform returns the gorilla websocket platform.
func NewPlatform(opts ConnOptions) *Platform { return websocket.NewPlatform(opts) }

// NewStandalonePlatform returns the gobwas platform for raw net.Conn.
func NewStandalonePlatform(opts StandaloneOptions) *StandalonePlatform {
	return netconn.NewPlatform(opts)
}

func DefaultConnOptions() ConnOptions { return websocket.DefaultConnOptions() }

func DefaultStandaloneOptions() StandaloneOptions { return netconn.DefaultOptions() }

func DefaultRateLimitConfig() *RateLimitConfig { return websocket.DefaultRateLimitConfig() }

func NoRateLimit() *RateLimitConfig { return websocket.NoRateLimit() }

// AllOrigins accepts every origin. Do not use it in production.
func AllOrigins() CheckOriginFn { return websocket.AllOrigins() }

func NewHost(cfg HostConfig) *Host { return room.NewHost(cfg) }

func NewClient(cfg ClientConfig) *Client { return client.New(cfg) }

func NewClientEvents() *ClientEvents { return client.NewEvents() }

// RoomResolver creates a room on the host at endpoint for every connect.
func RoomResolver(endpoint string) URLResolver {
	return client.RoomResolver(endpoint, nil)
}

// NamedRoomResolver always joins the room called name.
func NamedRoomResolver(endpoint, name string) URLResolver {
	return client.NamedRoomResolver(endpoint, name)
}
