package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/protocol"
)

var errSendFailed = errors.New("send failed")

type fakeTransport struct {
	async  bool
	events chan relaynet.Event
	sent   chan []byte

	mu          sync.Mutex
	accepted    bool
	closed      bool
	closeCode   int
	closeReason string
	failSends   bool
	closeOnce   sync.Once
}

func newFakeTransport(async bool) *fakeTransport {
	return &fakeTransport{
		async:  async,
		events: make(chan relaynet.Event, 16),
		sent:   make(chan []byte, 64),
	}
}

func (f *fakeTransport) Accept(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accepted {
		return errors.New("already accepted")
	}
	f.accepted = true
	return nil
}

func (f *fakeTransport) Events() <-chan relaynet.Event { return f.events }

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	fail := f.failSends || f.closed
	f.mu.Unlock()
	if fail {
		return errSendFailed
	}
	f.sent <- data
	return nil
}

// Close behaves like a real transport: it ends with a close event and a
// closed events channel.
func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	f.mu.Unlock()

	f.finish(relaynet.Event{Kind: relaynet.EventClose, Code: code, Reason: reason})
	return nil
}

func (f *fakeTransport) Async() bool { return f.async }

// receive simulates an inbound frame.
func (f *fakeTransport) receive(raw string) {
	f.events <- relaynet.Event{Kind: relaynet.EventMessage, Data: []byte(raw)}
}

// finish emits the final events and closes the channel.
func (f *fakeTransport) finish(evs ...relaynet.Event) {
	f.closeOnce.Do(func() {
		for _, ev := range evs {
			f.events <- ev
		}
		close(f.events)
	})
}

func (f *fakeTransport) closeState() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeReason
}

type fakePlatform struct {
	async bool
	next  atomic.Int64
}

func (p *fakePlatform) Convert(t *fakeTransport) (relaynet.Transport, error) {
	if t == nil {
		return nil, errors.New("nil transport")
	}
	return t, nil
}

func (p *fakePlatform) NewUniqueID() string {
	return fmt.Sprintf("s%d", p.next.Add(1))
}

func (p *fakePlatform) Async() bool { return p.async }

func newTestBroker(t *testing.T, async bool, events *Events) *Broker[*fakeTransport] {
	t.Helper()

	b := New(Config[*fakeTransport]{
		Platform: &fakePlatform{async: async},
		Events:   events,
	})
	require.NoError(t, b.Configure(Options{Context: "room-1"}))
	return b
}

func register(t *testing.T, b *Broker[*fakeTransport], opts RegisterOptions) (*Session, *fakeTransport) {
	t.Helper()

	ft := newFakeTransport(b.platform.Async())
	s, err := b.Register(context.Background(), ft, opts)
	require.NoError(t, err)
	return s, ft
}

func nextMessage(t *testing.T, ft *fakeTransport) protocol.Message {
	t.Helper()

	select {
	case raw := <-ft.sent:
		msg, ok := protocol.Decode(raw)
		require.True(t, ok, "broker sent a malformed frame: %s", raw)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return protocol.Message{}
	}
}

func assertSilent(t *testing.T, ft *fakeTransport) {
	t.Helper()

	select {
	case raw := <-ft.sent:
		t.Fatalf("unexpected message: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}
