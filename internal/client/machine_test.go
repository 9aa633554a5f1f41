package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/protocol"
)

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateConnecting, "connecting"},
		{StateOpen, "open"},
		{StateUnavailable, "unavailable"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestMachineRequiresResolver(t *testing.T) {
	t.Parallel()

	m := New(Config{Dialer: newFakeDialer()})
	defer m.Close()

	assert.ErrorIs(t, m.Connect(context.Background()), ErrNoResolver)
	assert.ErrorIs(t, m.Reconnect(context.Background()), ErrNoResolver)
	assert.Equal(t, StateClosed, m.State())
}

func TestMachineLifecycle(t *testing.T) {
	t.Parallel()

	var log stateLog
	m, dialer := newTestMachine(t, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		PongTimeout:       time.Second,
		OnChange:          log.record,
	})

	require.NoError(t, m.Connect(context.Background()))
	conn := dialer.next(t)
	assert.Equal(t, "ws://localhost/api/room/test/websocket", conn.url)
	assert.Equal(t, StateConnecting, m.State())

	// already connecting
	require.NoError(t, m.Connect(context.Background()))

	conn.open()
	waitState(t, m, StateOpen)

	ping := nextSent(t, conn)
	assert.Equal(t, protocol.TypePing, ping.Type)
	conn.message(t, protocol.TypePong, nil)

	conn.peerClose(relaynet.CloseGoingAway)
	waitState(t, m, StateClosed)

	time.Sleep(60 * time.Millisecond)
	for len(conn.sent) > 0 {
		<-conn.sent
	}
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, conn.sent, "heartbeat kept running after close")

	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosed}, log.snapshot())
}

func TestMachineDeliversMessages(t *testing.T) {
	t.Parallel()

	events := NewEvents()
	require.NoError(t, events.Expect("chat", nil))

	received := make(chan protocol.Message, 8)
	m, dialer := newTestMachine(t, Config{
		Events:    events,
		OnMessage: func(msg protocol.Message) { received <- msg },
	})

	require.NoError(t, m.Connect(context.Background()))
	conn := dialer.next(t)
	conn.open()
	waitState(t, m, StateOpen)

	conn.message(t, "unknown", map[string]any{"a": 1})
	conn.message(t, "chat", map[string]any{"text": "hi"})
	conn.message(t, protocol.TypeExit, protocol.ExitData{SessionID: "s1"})

	first := <-received
	assert.Equal(t, "chat", first.Type)
	assert.JSONEq(t, `{}`, string(first.Data))

	second := <-received
	assert.Equal(t, protocol.TypeExit, second.Type)
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(second.Data))
}

func TestMachineSend(t *testing.T) {
	t.Parallel()

	m, dialer := newTestMachine(t, Config{})
	ctx := context.Background()
	chat := protocol.MustMessage("chat", map[string]string{"text": "hi"})

	assert.ErrorIs(t, m.Send(ctx, chat), ErrNotOpen)

	require.NoError(t, m.Connect(ctx))
	conn := dialer.next(t)
	assert.ErrorIs(t, m.Send(ctx, chat), ErrNotOpen, "connecting is not open")

	conn.open()
	waitState(t, m, StateOpen)
	require.NoError(t, m.Send(ctx, chat))

	got := nextSent(t, conn)
	assert.Equal(t, "chat", got.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Data))
}

func TestMachineDisconnect(t *testing.T) {
	t.Parallel()

	var log stateLog
	m, dialer := newTestMachine(t, Config{OnChange: log.record})

	require.NoError(t, m.Disconnect(), "disconnect while closed")

	require.NoError(t, m.Connect(context.Background()))
	conn := dialer.next(t)
	conn.open()
	waitState(t, m, StateOpen)

	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateClosed, m.State())
	assert.True(t, conn.isClosed())
	assert.Equal(t, relaynet.CloseNormal, conn.closeCode)

	require.NoError(t, m.Disconnect())
	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosed}, log.snapshot())
}

func TestMachineReconnect(t *testing.T) {
	t.Parallel()

	var log stateLog
	received := make(chan protocol.Message, 8)
	m, dialer := newTestMachine(t, Config{
		OnChange:  log.record,
		OnMessage: func(msg protocol.Message) { received <- msg },
	})
	ctx := context.Background()

	require.NoError(t, m.Reconnect(ctx), "reconnect without a connection")
	assert.Equal(t, StateClosed, m.State())

	require.NoError(t, m.Connect(ctx))
	first := dialer.next(t)
	first.open()
	waitState(t, m, StateOpen)

	require.NoError(t, m.Reconnect(ctx))
	second := dialer.next(t)
	assert.True(t, first.isClosed())
	assert.Equal(t, StateConnecting, m.State())

	second.open()
	waitState(t, m, StateOpen)

	second.message(t, "chat", map[string]string{"from": "second"})
	msg := <-received
	assert.JSONEq(t, `{"from":"second"}`, string(msg.Data))

	assert.Equal(t, []State{
		StateConnecting, StateOpen,
		StateUnavailable, StateConnecting, StateOpen,
	}, log.snapshot())
}

func TestMachineIgnoresStaleTransportAfterReconnect(t *testing.T) {
	t.Parallel()

	var log stateLog
	received := make(chan protocol.Message, 8)
	m, dialer := newTestMachine(t, Config{
		OnChange:  log.record,
		OnMessage: func(msg protocol.Message) { received <- msg },
	})
	dialer.lingering = true
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	first := dialer.next(t)
	first.open()
	waitState(t, m, StateOpen)

	dialer.mu.Lock()
	dialer.lingering = false
	dialer.mu.Unlock()

	require.NoError(t, m.Reconnect(ctx))
	second := dialer.next(t)
	require.True(t, first.isClosed())

	first.message(t, "chat", map[string]string{"from": "first"})
	first.open()
	first.peerClose(relaynet.CloseGoingAway)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnecting, m.State(), "stale events changed the state")

	second.open()
	waitState(t, m, StateOpen)
	second.message(t, "chat", map[string]string{"from": "second"})

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"from":"second"}`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("message from the new transport not delivered")
	}
	select {
	case msg := <-received:
		t.Fatalf("unexpected delivery: %s", msg.Data)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, []State{
		StateConnecting, StateOpen,
		StateUnavailable, StateConnecting, StateOpen,
	}, log.snapshot())
}

func TestMachinePongTimeoutReconnects(t *testing.T) {
	t.Parallel()

	var log stateLog
	m, dialer := newTestMachine(t, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		PongTimeout:       20 * time.Millisecond,
		OnChange:          log.record,
	})

	require.NoError(t, m.Connect(context.Background()))
	first := dialer.next(t)
	first.open()

	second := dialer.next(t)
	assert.True(t, first.isClosed())
	waitState(t, m, StateConnecting)
	assert.NotSame(t, first, second)

	states := log.snapshot()
	require.GreaterOrEqual(t, len(states), 4)
	assert.Equal(t, []State{StateConnecting, StateOpen, StateUnavailable, StateConnecting}, states[:4])
}

func TestMachineInboundTrafficKeepsConnection(t *testing.T) {
	t.Parallel()

	m, dialer := newTestMachine(t, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		PongTimeout:       40 * time.Millisecond,
	})

	require.NoError(t, m.Connect(context.Background()))
	conn := dialer.next(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-conn.sent:
				conn.message(t, protocol.TypePong, nil)
			case <-stop:
				return
			}
		}
	}()

	conn.open()
	waitState(t, m, StateOpen)
	time.Sleep(200 * time.Millisecond)

	close(stop)
	wg.Wait()

	assert.Equal(t, StateOpen, m.State())
	assert.Empty(t, dialer.dials, "unexpected reconnect")
}

func TestMachineResolveError(t *testing.T) {
	t.Parallel()

	errResolve := errors.New("resolve failed")
	m, dialer := newTestMachine(t, Config{
		Resolve: func(ctx context.Context) (string, error) { return "", errResolve },
	})

	assert.ErrorIs(t, m.Connect(context.Background()), errResolve)
	assert.Equal(t, StateClosed, m.State())
	assert.Empty(t, dialer.dials)
}

func TestMachineDialError(t *testing.T) {
	t.Parallel()

	m, dialer := newTestMachine(t, Config{})
	errDial := errors.New("dial failed")
	dialer.fail = errDial

	assert.ErrorIs(t, m.Connect(context.Background()), errDial)
	assert.Equal(t, StateClosed, m.State())
}

func TestMachineConnectSupersededByDisconnect(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	m, dialer := newTestMachine(t, Config{
		Resolve: func(ctx context.Context) (string, error) {
			<-release
			return "ws://localhost/x", nil
		},
	})

	errs := make(chan error, 1)
	go func() { errs <- m.Connect(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Disconnect())
	close(release)

	assert.ErrorIs(t, <-errs, ErrSuperseded)
	assert.Equal(t, StateClosed, m.State())
	assert.Empty(t, dialer.dials)
}

func TestMachineClose(t *testing.T) {
	t.Parallel()

	m, dialer := newTestMachine(t, Config{})

	require.NoError(t, m.Connect(context.Background()))
	conn := dialer.next(t)
	conn.open()
	waitState(t, m, StateOpen)

	require.NoError(t, m.Close())
	assert.True(t, conn.isClosed())
	assert.NoError(t, m.Close())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, m.Send(context.Background(), protocol.MustMessage("chat", nil)), ErrClosed)
}
