package relaynet

import (
	"context"

	"github.com/luciancaetano/relaynet/internal/protocol"
)

// Message is the wire envelope exchanged with peers: {"type": ..., "data": {...}}.
type Message = protocol.Message

// EventKind identifies what a transport observed.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single transport notification.
//
// Data is set for EventMessage, Code and Reason for EventClose, Err for
// EventError.
type Event struct {
	Kind   EventKind
	Data   []byte
	Code   int
	Reason string
	Err    error
}

// Transport is a duplex, message-oriented connection to one peer.
//
// Implementations deliver every lifecycle notification on the channel
// returned by Events and close that channel once the connection is gone.
// A peer closing the connection is never reported as an error from Send or
// Close; it surfaces as an EventClose (possibly preceded by EventError).
//
// Example usage:
//
//	t, err := platform.Convert(conn)
//	if err != nil {
//	    return err
//	}
//	if err := t.Accept(ctx); err != nil {
//	    return err
//	}
//	for ev := range t.Events() {
//	    if ev.Kind == relaynet.EventMessage {
//	        _ = t.Send(ctx, ev.Data)
//	    }
//	}
type Transport interface {
	// Accept starts the transport. ctx only bounds the accept step itself;
	// the connection outlives it. Calling Accept twice returns an error.
	Accept(ctx context.Context) error

	// Events returns the notification channel. It is closed after the final
	// EventClose.
	Events() <-chan Event

	// Send writes one text frame. Async transports enqueue and return;
	// sync transports return once the frame has been written.
	Send(ctx context.Context, data []byte) error

	// Close initiates a close handshake with the given close code and
	// reason. Closing an already closed transport is a no-op.
	Close(code int, reason string) error

	// Async reports whether Send is asynchronous for this transport type.
	Async() bool
}

// Platform adapts a runtime's native connection type to a Transport and
// mints session identifiers.
type Platform[N any] interface {
	Convert(native N) (Transport, error)
	NewUniqueID() string
	Async() bool
}
