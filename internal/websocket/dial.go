package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/relaynet"
)

var ErrNotOpen = errors.New("websocket: connection not open")

// Dialer opens client-side transports.
type Dialer struct {
	dialer *websocket.Dialer
	opts   ConnOptions
}

// NewDialer returns a dialer. Client connections carry no flood guard and,
// unless opts says otherwise, no protocol-level keepalive.
func NewDialer(opts ConnOptions) *Dialer {
	opts.RateLimit = nil
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		opts: opts,
	}
}

// Dial returns immediately. The handshake runs once the transport is
// accepted; success is reported as EventOpen, failure as EventError
// followed by EventClose.
func (d *Dialer) Dial(ctx context.Context, url string) (relaynet.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &dialConn{
		url:    url,
		dialer: d,
		events: make(chan relaynet.Event, 16),
	}, nil
}

type dialConn struct {
	url    string
	dialer *Dialer
	events chan relaynet.Event

	mu       sync.Mutex
	conn     *Conn
	accepted bool
	closed   bool
	code     int
	reason   string
	cancel   context.CancelFunc
}

func (p *dialConn) Async() bool { return true }

func (p *dialConn) Events() <-chan relaynet.Event {
	return p.events
}

func (p *dialConn) Accept(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accepted {
		return ErrAlreadyAccepted
	}
	if p.closed {
		return ErrConnectionClosed
	}
	p.accepted = true

	dialCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	go p.run(dialCtx)
	return nil
}

func (p *dialConn) run(ctx context.Context) {
	defer close(p.events)
	defer p.cancel()

	ws, _, err := p.dialer.dialer.DialContext(ctx, p.url, nil)

	p.mu.Lock()
	if p.closed {
		code, reason := p.code, p.reason
		p.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		p.events <- relaynet.Event{Kind: relaynet.EventClose, Code: code, Reason: reason}
		return
	}
	if err != nil {
		p.mu.Unlock()
		p.events <- relaynet.Event{Kind: relaynet.EventError, Err: err}
		p.events <- relaynet.Event{Kind: relaynet.EventClose, Code: relaynet.CloseAbnormal}
		return
	}
	conn := NewConn(ws, p.dialer.opts)
	p.conn = conn
	p.mu.Unlock()

	if err := conn.Accept(ctx); err != nil {
		p.events <- relaynet.Event{Kind: relaynet.EventError, Err: err}
		p.events <- relaynet.Event{Kind: relaynet.EventClose, Code: relaynet.CloseAbnormal}
		ws.Close()
		return
	}

	for ev := range conn.Events() {
		p.events <- ev
	}
}

func (p *dialConn) Send(ctx context.Context, data []byte) error {
	p.mu.Lock()
	conn := p.conn
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return ErrConnectionClosed
	}
	if conn == nil {
		return ErrNotOpen
	}
	return conn.Send(ctx, data)
}

func (p *dialConn) Close(code int, reason string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.code = code
	p.reason = reason
	conn, cancel, accepted := p.conn, p.cancel, p.accepted
	p.mu.Unlock()

	if !accepted {
		p.events <- relaynet.Event{Kind: relaynet.EventClose, Code: code, Reason: reason}
		close(p.events)
		return nil
	}
	if conn != nil {
		return conn.Close(code, reason)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}
