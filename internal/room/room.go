// Package room provisions one broker per room behind an HTTP router and
// wires each connection to a per-IP rate limiter.
package room

import (
	"context"
	"net"
	"net/http"
	"strings"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/relaynet/internal/actor"
	"github.com/luciancaetano/relaynet/internal/broker"
	"github.com/luciancaetano/relaynet/internal/ratelimit"
	"github.com/luciancaetano/relaynet/internal/websocket"
)

// Context is the broker context every room hands to its resolvers.
type Context struct {
	RoomID string
}

// Room is one shared channel. It accepts websocket connections on
// GET /websocket and stays alive while it has sessions.
type Room struct {
	id       actor.ID
	broker   *broker.Broker[*gws.Conn]
	upgrader *gws.Upgrader
	limiters *actor.Namespace[*ratelimit.Limiter]
	limit    ratelimit.Options
	mw       []broker.Middleware
	logger   zerolog.Logger
	mux      *http.ServeMux
}

func newRoom(id actor.ID, h *Host) *Room {
	logger := h.logger.With().Str("room", id.String()).Logger()

	b := broker.New(broker.Config[*gws.Conn]{
		Platform: h.platform,
		Events:   h.cfg.Events,
		Logger:   logger,
		Metrics:  h.cfg.Metrics,
	})
	b.MustConfigure(broker.Options{Context: Context{RoomID: id.String()}})

	r := &Room{
		id:       id,
		broker:   b,
		upgrader: h.upgrader,
		limiters: h.limiters,
		limit:    h.cfg.RateLimit,
		mw:       h.cfg.Middleware,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	r.mux.HandleFunc("GET /websocket", r.handleWebSocket)
	return r
}

func (r *Room) ID() actor.ID { return r.id }

func (r *Room) Broker() *broker.Broker[*gws.Conn] { return r.broker }

// Idle reports whether the room has no connected sessions.
func (r *Room) Idle() bool { return r.broker.Idle() }

func (r *Room) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Room) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	if !websocket.IsUpgrade(req) {
		http.Error(w, "Expected websocket", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	ip := RequestIP(req)
	limiterID := r.limiters.IDFromName(ip)
	limiter, err := ratelimit.NewClient(ratelimit.ClientConfig{
		Options: r.limit,
		NewStub: func() ratelimit.Stub { return r.limiters.Get(limiterID) },
		Logger:  r.logger,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("rate limiter setup failed")
		_ = conn.Close()
		return
	}

	mw := append([]broker.Middleware{RateLimitMiddleware(limiter)}, r.mw...)
	session, err := r.broker.Register(context.WithoutCancel(req.Context()), conn, broker.RegisterOptions{
		Middleware: broker.Chain(mw...),
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("remote_addr", ip).Msg("register failed")
		_ = conn.Close()
		return
	}

	r.logger.Debug().Str("session_id", session.ID()).Str("remote_addr", ip).Msg("connection accepted")
}

// RequestIP returns the client address, preferring proxy headers.
func RequestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
