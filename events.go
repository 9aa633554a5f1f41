package relaynet

import "github.com/luciancaetano/relaynet/internal/protocol"

// Reserved system events. Application events may not start with "$".
const (
	ReservedPrefix = protocol.ReservedPrefix

	TypeError = protocol.TypeError
	TypeExit  = protocol.TypeExit
	TypePing  = protocol.TypePing
	TypePong  = protocol.TypePong
)

// WebSocket close codes used by relaynet.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// Standard error messages
const (
	// Protocol errors
	ErrInvalidInput = "Invalid input"
	ErrUnexpected   = "Unexpected error"
	ErrRateLimited  = "Your IP is being rate-limited. Please try again later."

	// Connection errors
	ErrConnectionClosed = "connection is closed"
	ErrConnectionBroken = "WebSocket broken"
	ErrSendQueueFull    = "send queue full"
	ErrFloodLimit       = "Rate limit exceeded"
	ErrFailedToEncode   = "failed to encode message"
	ErrAlreadyAccepted  = "transport already accepted"
)
