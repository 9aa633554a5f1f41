package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/relaynet"
)

var (
	ErrConnectionClosed = errors.New(relaynet.ErrConnectionClosed)
	ErrSendQueueFull    = errors.New(relaynet.ErrSendQueueFull)
	ErrAlreadyAccepted  = errors.New(relaynet.ErrAlreadyAccepted)
)

// Conn is an asynchronous relaynet.Transport over a gorilla connection.
// Outbound frames go through a buffered queue drained by a write pump, so
// Send never blocks on the network.
type Conn struct {
	conn        *websocket.Conn
	remoteAddr  string
	opts        ConnOptions
	logger      zerolog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	events      chan relaynet.Event
	rateLimiter *rate.Limiter

	mu          sync.RWMutex
	accepted    bool
	closed      bool
	closeCode   int
	closeReason string
}

// NewConn wraps conn. Nothing is read or written until Accept.
func NewConn(conn *websocket.Conn, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if opts.RateLimit != nil && opts.RateLimit.Enabled {
		limiter = rate.NewLimiter(opts.RateLimit.MessagesPerSecond, opts.RateLimit.Burst)
	}

	remoteAddr := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}

	return &Conn{
		conn:        conn,
		remoteAddr:  remoteAddr,
		opts:        opts,
		logger:      opts.Logger.With().Str("component", "websocket").Str("remote_addr", remoteAddr).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, opts.SendBuffer),
		events:      make(chan relaynet.Event, 16),
		rateLimiter: limiter,
	}
}

// RemoteAddr returns the peer's network address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Context is cancelled once the connection has fully shut down.
func (c *Conn) Context() context.Context {
	return c.ctx
}

func (c *Conn) Async() bool { return true }

func (c *Conn) Events() <-chan relaynet.Event {
	return c.events
}

// Accept starts the read and write pumps.
func (c *Conn) Accept(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.accepted {
		c.mu.Unlock()
		return ErrAlreadyAccepted
	}
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.accepted = true
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()
	return nil
}

// Send queues data as a text frame. A full queue means the peer cannot keep
// up; it is disconnected with 1008 rather than stalling the caller.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- data:
		c.mu.RUnlock()
		return nil
	default:
	}
	c.mu.RUnlock()

	c.logger.Warn().Int("buffer", cap(c.sendCh)).Msg("send queue full, disconnecting slow peer")
	_ = c.Close(relaynet.ClosePolicyViolation, relaynet.ErrSendQueueFull)
	return ErrSendQueueFull
}

// Close starts the close handshake. Frames already queued are flushed
// before the close frame.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	accepted := c.accepted
	close(c.sendCh)
	c.mu.Unlock()

	if accepted {
		// the write pump sends the close frame once the queue is drained
		return nil
	}

	c.cancel()
	message := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(c.opts.WriteWait))
	err := c.conn.Close()

	// the read pump never started
	c.events <- relaynet.Event{Kind: relaynet.EventClose, Code: code, Reason: reason}
	close(c.events)
	return err
}

// IsAlive returns true if the connection is still active
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *Conn) allow() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// markClosed is used when the peer goes away first.
func (c *Conn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = relaynet.CloseAbnormal
		close(c.sendCh)
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.markClosed()
		c.cancel()
		c.conn.Close()
		close(c.events)
	}()

	c.conn.SetReadLimit(c.opts.ReadLimit)
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	c.events <- relaynet.Event{Kind: relaynet.EventOpen}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			for _, ev := range c.terminalEvents(err) {
				c.events <- ev
			}
			return
		}

		c.extendReadDeadline()

		if !c.allow() {
			c.logger.Warn().Msg("flood limit exceeded")
			_ = c.Close(relaynet.ClosePolicyViolation, relaynet.ErrFloodLimit)
			continue
		}
		if !c.IsAlive() {
			continue
		}

		c.events <- relaynet.Event{Kind: relaynet.EventMessage, Data: data}
	}
}

func (c *Conn) terminalEvents(err error) []relaynet.Event {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return []relaynet.Event{{Kind: relaynet.EventClose, Code: ce.Code, Reason: ce.Text}}
	}

	c.mu.RLock()
	closing, code, reason := c.closed, c.closeCode, c.closeReason
	c.mu.RUnlock()
	if closing {
		return []relaynet.Event{{Kind: relaynet.EventClose, Code: code, Reason: reason}}
	}

	c.logger.Debug().Err(err).Msg("connection lost")
	return []relaynet.Event{
		{Kind: relaynet.EventError, Err: err},
		{Kind: relaynet.EventClose, Code: relaynet.CloseAbnormal},
	}
}

func (c *Conn) extendReadDeadline() {
	if c.opts.PongWait <= 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
}

// writePump pumps messages from the send queue to the websocket connection
func (c *Conn) writePump() {
	var tick <-chan time.Time
	if c.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.opts.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case message, ok := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				c.writeClose()
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.conn.Close()
				return
			}

		case <-tick:
			// Send ping to keep connection alive
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) writeClose() {
	c.mu.RLock()
	code, reason := c.closeCode, c.closeReason
	c.mu.RUnlock()

	if code != relaynet.CloseAbnormal {
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	}

	// give the peer a moment to answer before dropping the socket
	grace := time.NewTimer(c.opts.CloseGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
		c.conn.Close()
	case <-c.ctx.Done():
	}
}
