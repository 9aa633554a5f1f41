package room

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/relaynet/internal/actor"
	"github.com/luciancaetano/relaynet/internal/broker"
	"github.com/luciancaetano/relaynet/internal/ratelimit"
	"github.com/luciancaetano/relaynet/internal/websocket"
)

type Config struct {
	// Events is the registry every room dispatches to.
	Events      *broker.Events
	Conn        websocket.ConnOptions
	CheckOrigin websocket.CheckOriginFn
	RateLimit   ratelimit.Options
	// Middleware runs after the rate limit check, in order.
	Middleware []broker.Middleware
	Metrics    *broker.Metrics

	SweepInterval time.Duration
	RoomIdle      time.Duration
	LimiterIdle   time.Duration

	Logger zerolog.Logger
}

// DefaultRateLimit allows 1000 messages per minute per IP.
func DefaultRateLimit() ratelimit.Options {
	return ratelimit.Options{Duration: time.Minute, MaxRequests: 1000}
}

func (c Config) withDefaults() Config {
	if c.Events == nil {
		c.Events = broker.NewEvents()
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = websocket.AllOrigins()
	}
	if c.RateLimit.Duration <= 0 || c.RateLimit.MaxRequests <= 0 {
		c.RateLimit = DefaultRateLimit()
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.RoomIdle <= 0 {
		c.RoomIdle = 5 * time.Minute
	}
	if c.LimiterIdle <= 0 {
		c.LimiterIdle = 2 * c.RateLimit.Duration
	}
	return c
}

// Host routes room requests:
//
//	POST /api/room                 mint a new room id
//	GET  /api/room/{name}/{rest...} forward /{rest} to the named room
type Host struct {
	cfg      Config
	logger   zerolog.Logger
	platform *websocket.Platform
	upgrader *gws.Upgrader
	rooms    *actor.Namespace[*Room]
	limiters *actor.Namespace[*ratelimit.Limiter]
	mux      *http.ServeMux
}

func NewHost(cfg Config) *Host {
	cfg = cfg.withDefaults()
	h := &Host{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "room").Logger(),
		platform: websocket.NewPlatform(cfg.Conn),
		upgrader: websocket.NewUpgrader(cfg.CheckOrigin),
		mux:      http.NewServeMux(),
	}

	h.limiters = actor.NewNamespace("limiters", func(actor.ID) *ratelimit.Limiter {
		return ratelimit.NewLimiter(cfg.RateLimit)
	}, cfg.Logger)
	h.rooms = actor.NewNamespace("rooms", func(id actor.ID) *Room {
		return newRoom(id, h)
	}, cfg.Logger)

	h.mux.HandleFunc("POST /api/room", h.handleCreate)
	h.mux.HandleFunc("GET /api/room/{name}", h.handleRoom)
	h.mux.HandleFunc("GET /api/room/{name}/{rest...}", h.handleRoom)
	return h
}

func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Rooms exposes the live rooms.
func (h *Host) Rooms() *actor.Namespace[*Room] { return h.rooms }

// Room returns the room for name, creating it if needed. Names that are
// not valid ids are hashed.
func (h *Host) Room(name string) (*Room, bool) {
	id, ok := h.resolve(name)
	if !ok {
		return nil, false
	}

	return h.rooms.Object(id), true
}

func (h *Host) resolve(name string) (actor.ID, bool) {
	switch {
	case actor.IsValidID(name):
		id, err := h.rooms.IDFromString(name)
		return id, err == nil
	case actor.IsValidName(name):
		return h.rooms.IDFromName(name), true
	default:
		return "", false
	}
}

func (h *Host) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := h.rooms.NewUniqueID()

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, id.String())
}

func (h *Host) handleRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := h.resolve(r.PathValue("name"))
	if !ok {
		http.Error(w, "Name too long", http.StatusNotFound)
		return
	}

	fwd := r.Clone(r.Context())
	fwd.URL.Path = "/" + r.PathValue("rest")
	fwd.URL.RawPath = ""
	h.rooms.Get(id).ServeHTTP(w, fwd)
}

// Run sweeps idle rooms and limiters until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.rooms.Run(ctx, h.cfg.SweepInterval, h.cfg.RoomIdle)
		return nil
	})
	g.Go(func() error {
		h.limiters.Run(ctx, h.cfg.SweepInterval, h.cfg.LimiterIdle)
		return nil
	})
	return g.Wait()
}

// Close shuts every room down.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	h.rooms.Range(func(id actor.ID, r *Room) bool {
		if err := r.broker.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		h.rooms.Evict(id)
		return true
	})
	return errors.Join(errs...)
}
