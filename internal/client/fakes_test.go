package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/protocol"
)

type fakeTransport struct {
	url    string
	events chan relaynet.Event
	sent   chan []byte
	// lingering transports keep delivering events after Close, like a
	// socket whose buffered frames are still being read.
	lingering bool

	mu        sync.Mutex
	closed    bool
	closeCode int
	finished  sync.Once
}

func newFakeTransport(url string) *fakeTransport {
	return &fakeTransport{
		url:    url,
		events: make(chan relaynet.Event, 16),
		sent:   make(chan []byte, 64),
	}
}

func (f *fakeTransport) Accept(ctx context.Context) error { return nil }
func (f *fakeTransport) Async() bool                      { return true }
func (f *fakeTransport) Events() <-chan relaynet.Event    { return f.events }

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return errors.New("closed")
	}
	select {
	case f.sent <- data:
	default:
	}
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.closeCode = code
	lingering := f.lingering
	f.mu.Unlock()

	if lingering {
		return nil
	}
	f.finished.Do(func() {
		f.events <- relaynet.Event{Kind: relaynet.EventClose, Code: code, Reason: reason}
		close(f.events)
	})
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) emit(ev relaynet.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed || f.lingering {
		f.events <- ev
	}
}

func (f *fakeTransport) open() { f.emit(relaynet.Event{Kind: relaynet.EventOpen}) }

func (f *fakeTransport) message(t *testing.T, typ string, data any) {
	t.Helper()
	raw, err := protocol.Encode(protocol.MustMessage(typ, data))
	require.NoError(t, err)
	f.emit(relaynet.Event{Kind: relaynet.EventMessage, Data: raw})
}

// peerClose simulates the server ending the connection.
func (f *fakeTransport) peerClose(code int) {
	f.mu.Lock()
	if f.closed && !f.lingering {
		f.mu.Unlock()
		return
	}
	if !f.closed {
		f.closed = true
		f.closeCode = code
	}
	f.mu.Unlock()

	f.finished.Do(func() {
		f.events <- relaynet.Event{Kind: relaynet.EventClose, Code: code}
		close(f.events)
	})
}

type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeTransport
	fail      error
	lingering bool
	dials     chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (relaynet.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	t := newFakeTransport(url)
	t.lingering = d.lingering
	d.conns = append(d.conns, t)
	d.dials <- t
	return t, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case c := <-d.dials:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// stateLog records every state the machine reports.
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func staticResolver(url string) Resolver {
	return func(ctx context.Context) (string, error) { return url, nil }
}

func newTestMachine(t *testing.T, cfg Config) (*Machine, *fakeDialer) {
	t.Helper()

	dialer := newFakeDialer()
	cfg.Dialer = dialer
	if cfg.Resolve == nil {
		cfg.Resolve = staticResolver("ws://localhost/api/room/test/websocket")
	}
	m := New(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m, dialer
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state = %s, want %s", m.State(), want)
}

func nextSent(t *testing.T, c *fakeTransport) protocol.Message {
	t.Helper()
	select {
	case raw := <-c.sent:
		msg, ok := protocol.Decode(raw)
		require.True(t, ok, "undecodable frame %s", raw)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return protocol.Message{}
	}
}
