package client

// State is the client's view of its connection.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}
