package broker

import (
	"context"
	"sync/atomic"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/protocol"
)

// Session is one connected peer. quit flips to true exactly once, when the
// session is torn down.
type Session struct {
	id        string
	transport relaynet.Transport
	quit      atomic.Bool
}

func newSession(id string, t relaynet.Transport) *Session {
	return &Session{id: id, transport: t}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Transport() relaynet.Transport { return s.transport }

// Quit reports whether the session has been torn down.
func (s *Session) Quit() bool { return s.quit.Load() }

// Send delivers msg to this session only.
func (s *Session) Send(ctx context.Context, msg protocol.Message) error {
	return relaynet.SendMessage(ctx, s.transport, msg)
}

// Close closes the underlying transport. Teardown follows from the
// resulting close event.
func (s *Session) Close(code int, reason string) error {
	return s.transport.Close(code, reason)
}

func exitMessage(sessionID string) protocol.Message {
	return protocol.MustMessage(protocol.TypeExit, protocol.ExitData{SessionID: sessionID})
}
