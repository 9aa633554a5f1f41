// Package netconn is the synchronous transport: gobwas/ws framing directly
// on a hijacked net.Conn, one write at a time under a mutex.
package netconn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/protocol"
)

var (
	ErrConnectionClosed = errors.New(relaynet.ErrConnectionClosed)
	ErrAlreadyAccepted  = errors.New(relaynet.ErrAlreadyAccepted)
)

type Options struct {
	WriteWait  time.Duration
	CloseGrace time.Duration
	ReadLimit  int64
	Logger     zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		WriteWait:  10 * time.Second,
		CloseGrace: time.Second,
		ReadLimit:  protocol.MaxPayloadSize,
		Logger:     zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.WriteWait <= 0 {
		o.WriteWait = def.WriteWait
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = def.CloseGrace
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	return o
}

// Conn is a synchronous relaynet.Transport. Send returns after the frame
// has been written to the socket.
type Conn struct {
	conn   net.Conn
	opts   Options
	logger zerolog.Logger
	events chan relaynet.Event
	done   chan struct{}

	wmu sync.Mutex

	mu          sync.Mutex
	accepted    bool
	closed      bool
	closeCode   int
	closeReason string
}

func NewConn(conn net.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "netconn").Str("remote_addr", conn.RemoteAddr().String()).Logger(),
		events: make(chan relaynet.Event, 16),
		done:   make(chan struct{}),
	}
}

func (c *Conn) Async() bool { return false }

func (c *Conn) Events() <-chan relaynet.Event {
	return c.events
}

// Done is closed when the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Accept(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accepted {
		return ErrAlreadyAccepted
	}
	if c.closed {
		return ErrConnectionClosed
	}
	c.accepted = true

	go c.readLoop()
	return nil
}

// Send writes data as a text frame. The write is bounded by WriteWait, or
// by ctx's deadline when that comes first. A failed write leaves the frame
// stream unusable, so the connection is dropped.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrConnectionClosed
	}

	deadline := time.Now().Add(c.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(deadline)
	err := wsutil.WriteServerText(c.conn, data)
	c.wmu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Msg("write failed, disconnecting peer")
		c.drop(relaynet.CloseAbnormal, relaynet.ErrConnectionBroken)
	}
	return err
}

// drop closes the socket without a close handshake. The read loop then
// reports code and reason in its final EventClose.
func (c *Conn) drop(code int, reason string) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

// Close writes a close frame and waits up to CloseGrace for the peer's
// reply before dropping the socket.
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
	c.mu.Unlock()

	err := c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason)))
	if !accepted {
		err = c.conn.Close()
		c.events <- relaynet.Event{Kind: relaynet.EventClose, Code: code, Reason: reason}
		close(c.events)
		close(c.done)
		return err
	}

	go func() {
		select {
		case <-c.done:
		case <-time.After(c.opts.CloseGrace):
			c.conn.Close()
		}
	}()
	return err
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) writeFrame(f ws.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return ws.WriteFrame(c.conn, f)
}

func (c *Conn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.conn.Close()
		close(c.events)
		close(c.done)
	}()

	c.events <- relaynet.Event{Kind: relaynet.EventOpen}

	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   c.opts.ReadLimit,
		OnIntermediate: c.handleControl,
	}

	for {
		h, err := rd.NextFrame()
		if err != nil {
			c.readFailed(err)
			return
		}

		if h.OpCode.IsControl() {
			if err := c.handleControl(h, rd); err != nil {
				c.readFailed(err)
				return
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, c.opts.ReadLimit+1))
		if err != nil {
			c.readFailed(err)
			return
		}
		if int64(len(data)) > c.opts.ReadLimit {
			c.tooBig()
			return
		}
		if c.isClosed() {
			continue
		}
		c.events <- relaynet.Event{Kind: relaynet.EventMessage, Data: data}
	}
}

// handleControl answers ping and close frames, including those interleaved
// with a fragmented message. Writes go through writeFrame so they never
// interleave with Send. A close frame ends the read loop with
// wsutil.ClosedError.
func (c *Conn) handleControl(h ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	switch h.OpCode {
	case ws.OpPing:
		_ = c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		if code == 0 {
			code = ws.StatusNoStatusRcvd
		}
		c.replyClose(code)
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

func (c *Conn) readFailed(err error) {
	var closed wsutil.ClosedError
	switch {
	case errors.As(err, &closed):
		c.events <- relaynet.Event{Kind: relaynet.EventClose, Code: int(closed.Code), Reason: closed.Reason}
	case errors.Is(err, wsutil.ErrFrameTooLarge):
		c.tooBig()
	default:
		c.emitTerminal(err)
	}
}

func (c *Conn) tooBig() {
	_ = c.Close(int(ws.StatusMessageTooBig), "message too big")
	c.emitTerminal(nil)
}

// replyClose echoes the peer's close frame unless we already sent ours.
func (c *Conn) replyClose(code ws.StatusCode) {
	c.mu.Lock()
	sent := c.closed
	c.closed = true
	c.mu.Unlock()

	if !sent {
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, "")))
	}
}

func (c *Conn) emitTerminal(err error) {
	c.mu.Lock()
	closing, code, reason := c.closed, c.closeCode, c.closeReason
	c.mu.Unlock()

	if closing {
		c.events <- relaynet.Event{Kind: relaynet.EventClose, Code: code, Reason: reason}
		return
	}

	c.logger.Debug().Err(err).Msg("connection lost")
	c.events <- relaynet.Event{Kind: relaynet.EventError, Err: err}
	c.events <- relaynet.Event{Kind: relaynet.EventClose, Code: relaynet.CloseAbnormal}
}
