// Package broker is the server side of relaynet: it owns the sessions of one
// shared channel, dispatches their inbound events and fans broadcasts out to
// every live session.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/protocol"
)

const tracerName = "github.com/luciancaetano/relaynet/internal/broker"

// Helpers is what middleware and resolvers get to work with.
type Helpers struct {
	Broadcast func(ctx context.Context, msg protocol.Message) error
	Context   any
	Session   *Session
	Logger    zerolog.Logger
}

// Middleware runs before an inbound message is parsed. Calling next lets
// the message through; returning without calling it drops the message
// silently; returning an error reports it to the sender as $ERROR.
type Middleware func(ctx context.Context, h Helpers, next func()) error

// Chain runs mws in order. Each one must call next for the following one
// to run.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, h Helpers, next func()) error {
		for _, mw := range mws {
			proceed, err := runMiddleware(ctx, mw, h)
			if err != nil {
				return err
			}
			if !proceed {
				return nil
			}
		}
		next()
		return nil
	}
}

type RegisterOptions struct {
	Middleware Middleware
}

// Options is the one-time broker configuration.
type Options struct {
	// Context is handed to every resolver via Helpers.
	Context any
}

type Config[N any] struct {
	Platform relaynet.Platform[N]
	Events   *Events
	Logger   zerolog.Logger
	Metrics  *Metrics
}

// Broker tracks the sessions of one channel.
type Broker[N any] struct {
	platform relaynet.Platform[N]
	events   *Events
	logger   zerolog.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	opts atomic.Pointer[Options]

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

func New[N any](cfg Config[N]) *Broker[N] {
	events := cfg.Events
	if events == nil {
		events = NewEvents()
	}

	return &Broker[N]{
		platform: cfg.Platform,
		events:   events,
		logger:   cfg.Logger.With().Str("component", "broker").Logger(),
		metrics:  cfg.Metrics,
		tracer:   otel.Tracer(tracerName),
		sessions: make(map[string]*Session),
	}
}

// Events returns the registry this broker dispatches to.
func (b *Broker[N]) Events() *Events { return b.events }

// Configure sets the broker options. It must be called exactly once before
// any Register.
func (b *Broker[N]) Configure(opts Options) error {
	if !b.opts.CompareAndSwap(nil, &opts) {
		return ErrAlreadyConfigured
	}
	return nil
}

// MustConfigure is Configure for setup code; it panics on error.
func (b *Broker[N]) MustConfigure(opts Options) {
	if err := b.Configure(opts); err != nil {
		panic(err)
	}
}

// Context returns the configured context value, or nil before Configure.
func (b *Broker[N]) Context() any {
	if opts := b.opts.Load(); opts != nil {
		return opts.Context
	}
	return nil
}

// Register adopts a native connection: it converts and accepts it, assigns
// a session id and starts dispatching its events. ctx only bounds the
// accept step.
func (b *Broker[N]) Register(ctx context.Context, native N, opts RegisterOptions) (*Session, error) {
	if b.opts.Load() == nil {
		return nil, ErrNotConfigured
	}
	if b.platform == nil {
		return nil, ErrNoPlatform
	}

	t, err := b.platform.Convert(native)
	if err != nil {
		return nil, fmt.Errorf("convert connection: %w", err)
	}
	if err := t.Accept(ctx); err != nil {
		return nil, fmt.Errorf("accept connection: %w", err)
	}

	s := newSession(b.platform.NewUniqueID(), t)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = t.Close(relaynet.CloseGoingAway, "")
		return nil, ErrClosed
	}
	b.sessions[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	b.metrics.sessionOpened()
	b.logger.Debug().Str("session_id", s.id).Msg("session registered")

	go b.serve(s, opts.Middleware)
	return s, nil
}

// Broadcast sends msg to every live session. Sessions found quit are
// removed first and, after delivery, announced with $EXIT. Individual send
// failures are logged and never retried.
func (b *Broker[N]) Broadcast(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	live := make([]*Session, 0, len(b.sessions))
	var quitters []*Session
	for id, s := range b.sessions {
		if s.Quit() {
			quitters = append(quitters, s)
			delete(b.sessions, id)
			continue
		}
		live = append(live, s)
	}
	b.mu.Unlock()

	for range quitters {
		b.metrics.sessionClosed()
	}

	delivered, failed := b.deliver(ctx, live, data)
	b.metrics.broadcast(delivered, failed)

	for _, s := range quitters {
		if err := b.Broadcast(ctx, exitMessage(s.id)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker[N]) deliver(ctx context.Context, sessions []*Session, data []byte) (int, int) {
	var delivered, failed atomic.Int64

	send := func(s *Session) {
		if err := s.transport.Send(ctx, data); err != nil {
			failed.Add(1)
			b.logger.Debug().Err(err).Str("session_id", s.id).Msg("broadcast send failed")
			return
		}
		delivered.Add(1)
	}

	// sync sends block on the socket; one stalled peer must not hold up the rest
	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			send(s)
			return nil
		})
	}
	_ = g.Wait()

	return int(delivered.Load()), int(failed.Load())
}

// teardown removes s and announces its exit. Only the first call for a
// session has any effect.
func (b *Broker[N]) teardown(s *Session) {
	b.mu.Lock()
	if !s.quit.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return
	}
	_, present := b.sessions[s.id]
	delete(b.sessions, s.id)
	b.mu.Unlock()

	if present {
		b.metrics.sessionClosed()
	}
	b.logger.Debug().Str("session_id", s.id).Msg("session removed")

	if err := b.Broadcast(context.Background(), exitMessage(s.id)); err != nil {
		b.logger.Warn().Err(err).Str("session_id", s.id).Msg("failed to broadcast exit")
	}
}

// Session looks up a live session by id.
func (b *Broker[N]) Session(id string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of the registered sessions.
func (b *Broker[N]) Sessions() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

func (b *Broker[N]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Idle reports whether the broker has no sessions.
func (b *Broker[N]) Idle() bool {
	return b.Len() == 0
}

// Evict closes a session with the given code and tears it down immediately.
func (b *Broker[N]) Evict(id string, code int, reason string) bool {
	s, ok := b.Session(id)
	if !ok {
		return false
	}
	_ = s.Close(code, reason)
	b.teardown(s)
	return true
}

// Close evicts every session, refuses new registrations and waits for the
// session loops to finish or ctx to end.
func (b *Broker[N]) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	for _, s := range b.Sessions() {
		b.Evict(s.id, relaynet.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
