package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/protocol"
	"github.com/luciancaetano/relaynet/internal/websocket"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPongTimeout       = 2 * time.Second
)

var pingMessage = protocol.MustMessage(protocol.TypePing, nil)

// Dialer opens client transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (relaynet.Transport, error)
}

// Config configures a Machine.
type Config struct {
	Resolve Resolver
	// Dialer defaults to a gorilla websocket dialer.
	Dialer Dialer
	// Events filters inbound messages. Nil accepts every well-formed message.
	Events *Events

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	// OnChange and OnMessage run on the machine's goroutine and must not
	// call back into blocking Machine methods.
	OnChange  func(State)
	OnMessage func(protocol.Message)

	Logger zerolog.Logger
	Debug  bool
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = websocket.NewDialer(websocket.DefaultConnOptions())
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	return c
}

// Machine keeps one client connection alive. All state transitions run on
// a single goroutine; public methods hand work to it and wait.
type Machine struct {
	cfg    Config
	logger zerolog.Logger

	inbox     chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	current   atomic.Int32

	// owned by the loop goroutine
	state        State
	transport    relaynet.Transport
	detach       chan struct{}
	gen          uint64
	attempt      uint64
	heartbeat    *time.Timer
	heartbeatGen uint64
	pong         *time.Timer
	pongGen      uint64
}

// New starts a machine in the Closed state.
func New(cfg Config) *Machine {
	cfg = cfg.withDefaults()
	m := &Machine{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "client").Logger(),
		inbox:   make(chan func(), 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.run()
	return m
}

// State returns the current connection state.
func (m *Machine) State() State {
	return State(m.current.Load())
}

// Connect resolves a URL and opens a connection. It does nothing while a
// connection is already connecting or open.
func (m *Machine) Connect(ctx context.Context) error {
	if m.cfg.Resolve == nil {
		return ErrNoResolver
	}

	var attempt uint64
	busy := false
	err := m.exec(ctx, func() error {
		if m.state == StateConnecting || m.state == StateOpen {
			busy = true
			return nil
		}
		m.attempt++
		attempt = m.attempt
		return nil
	})
	if err != nil || busy {
		return err
	}

	url, err := m.cfg.Resolve(ctx)
	if err != nil {
		return err
	}

	return m.exec(ctx, func() error {
		if attempt != m.attempt {
			return ErrSuperseded
		}
		return m.open(ctx, url)
	})
}

// Reconnect drops the current connection and opens a new one against a
// freshly resolved URL. Without a connection it does nothing.
func (m *Machine) Reconnect(ctx context.Context) error {
	if m.cfg.Resolve == nil {
		return ErrNoResolver
	}

	var attempt uint64
	started := false
	err := m.exec(ctx, func() error {
		attempt, started = m.beginReconnect()
		return nil
	})
	if err != nil || !started {
		return err
	}

	url, resolveErr := m.cfg.Resolve(ctx)
	return m.exec(ctx, func() error {
		return m.finishReconnect(ctx, attempt, url, resolveErr)
	})
}

// Disconnect closes the connection and stops heartbeats. Pending connect
// attempts are abandoned.
func (m *Machine) Disconnect() error {
	return m.exec(context.Background(), func() error {
		m.attempt++
		m.clearTimers()
		m.detachTransport(relaynet.CloseNormal, "")
		if m.state != StateClosed {
			m.setState(StateClosed)
		}
		return nil
	})
}

// Send delivers msg on the open connection.
func (m *Machine) Send(ctx context.Context, msg protocol.Message) error {
	return m.exec(ctx, func() error {
		if m.state != StateOpen || m.transport == nil {
			return ErrNotOpen
		}
		return relaynet.SendMessage(ctx, m.transport, msg)
	})
}

// Close disconnects and stops the machine. Later calls return ErrClosed.
func (m *Machine) Close() error {
	err := m.Disconnect()
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.stopped
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (m *Machine) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.quit:
			m.clearTimers()
			m.detachTransport(relaynet.CloseNormal, "")
			return
		}
	}
}

func (m *Machine) exec(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case m.inbox <- func() { done <- fn() }:
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-m.stopped:
		return ErrClosed
	}
}

func (m *Machine) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.quit:
	}
}

func (m *Machine) setState(s State) {
	m.state = s
	m.current.Store(int32(s))
	if m.cfg.Debug {
		m.logger.Info().Stringer("state", s).Msg("state changed")
	}
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(s)
	}
}

func (m *Machine) open(ctx context.Context, url string) error {
	t, err := m.cfg.Dialer.Dial(ctx, url)
	if err != nil {
		return err
	}
	if err := t.Accept(ctx); err != nil {
		_ = t.Close(relaynet.CloseAbnormal, "")
		return err
	}

	m.attach(t)
	m.setState(StateConnecting)
	return nil
}

func (m *Machine) attach(t relaynet.Transport) {
	m.gen++
	gen := m.gen
	stop := make(chan struct{})
	m.transport, m.detach = t, stop
	go m.forward(t, gen, stop)
}

// detachTransport closes the current transport. Events it emits afterwards
// are discarded.
func (m *Machine) detachTransport(code int, reason string) {
	if m.transport == nil {
		return
	}
	t := m.transport
	close(m.detach)
	m.transport, m.detach = nil, nil
	m.gen++
	_ = t.Close(code, reason)
}

func (m *Machine) forward(t relaynet.Transport, gen uint64, stop <-chan struct{}) {
	events := t.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.post(func() {
				if gen == m.gen {
					m.handle(ev)
				}
			})
		case <-stop:
			for range events {
			}
			return
		}
	}
}

func (m *Machine) handle(ev relaynet.Event) {
	switch ev.Kind {
	case relaynet.EventOpen:
		if m.state != StateConnecting {
			return
		}
		m.setState(StateOpen)
		m.startHeartbeat()

	case relaynet.EventMessage:
		m.clearPong()
		msg, ok := m.cfg.Events.Parse(ev.Data)
		if !ok {
			m.logger.Debug().Int("bytes", len(ev.Data)).Msg("dropped inbound message")
			return
		}
		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(msg)
		}

	case relaynet.EventError:
		m.logger.Debug().Err(ev.Err).Msg("connection error")
		m.disconnected()

	case relaynet.EventClose:
		if m.cfg.Debug {
			m.logger.Info().Int("code", ev.Code).Str("reason", ev.Reason).Msg("connection closed")
		}
		m.disconnected()
	}
}

func (m *Machine) disconnected() {
	m.clearTimers()
	m.detachTransport(relaynet.CloseNormal, "")
	if m.state != StateClosed {
		m.setState(StateClosed)
	}
}

func (m *Machine) beginReconnect() (uint64, bool) {
	if m.transport == nil {
		return 0, false
	}
	m.clearTimers()
	m.detachTransport(relaynet.CloseNormal, "reconnecting")
	m.setState(StateUnavailable)
	m.attempt++
	return m.attempt, true
}

func (m *Machine) finishReconnect(ctx context.Context, attempt uint64, url string, resolveErr error) error {
	if attempt != m.attempt || m.state != StateUnavailable {
		return ErrSuperseded
	}
	if resolveErr != nil {
		m.setState(StateClosed)
		return resolveErr
	}
	if err := m.open(ctx, url); err != nil {
		m.setState(StateClosed)
		return err
	}
	return nil
}

func (m *Machine) startHeartbeat() {
	m.clearTimers()
	m.scheduleHeartbeat()
}

func (m *Machine) scheduleHeartbeat() {
	gen := m.heartbeatGen
	m.heartbeat = time.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.post(func() {
			if gen == m.heartbeatGen {
				m.beat()
			}
		})
	})
}

func (m *Machine) beat() {
	if m.state != StateOpen || m.transport == nil {
		return
	}

	// an unanswered ping keeps its original deadline
	if m.pong == nil {
		gen := m.pongGen
		m.pong = time.AfterFunc(m.cfg.PongTimeout, func() {
			m.post(func() {
				if gen == m.pongGen {
					m.pongTimedOut()
				}
			})
		})
	}

	if err := relaynet.SendMessage(context.Background(), m.transport, pingMessage); err != nil {
		m.logger.Debug().Err(err).Msg("heartbeat send failed")
	}
	m.scheduleHeartbeat()
}

func (m *Machine) pongTimedOut() {
	m.pong = nil
	if m.state != StateOpen {
		return
	}
	m.logger.Debug().Dur("timeout", m.cfg.PongTimeout).Msg("no pong, reconnecting")

	attempt, ok := m.beginReconnect()
	if !ok {
		return
	}
	go func() {
		ctx := context.Background()
		url, err := m.cfg.Resolve(ctx)
		m.post(func() {
			if err := m.finishReconnect(ctx, attempt, url, err); err != nil && !errors.Is(err, ErrSuperseded) {
				m.logger.Warn().Err(err).Msg("reconnect failed")
			}
		})
	}()
}

func (m *Machine) clearTimers() {
	m.heartbeatGen++
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	m.clearPong()
}

func (m *Machine) clearPong() {
	m.pongGen++
	if m.pong != nil {
		m.pong.Stop()
		m.pong = nil
	}
}
