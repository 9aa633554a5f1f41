package broker

import (
	"errors"

	"github.com/luciancaetano/relaynet"
)

var (
	ErrReservedEvent     = errors.New("event names starting with \"$\" are reserved")
	ErrDuplicateEvent    = errors.New("event already registered")
	ErrEmptyEventName    = errors.New("event name is empty")
	ErrNoResolver        = errors.New("event has no resolver")
	ErrAlreadyConfigured = errors.New("broker already configured")
	ErrNotConfigured     = errors.New("broker not configured")
	ErrNoPlatform        = errors.New("broker has no platform")
	ErrClosed            = errors.New("broker closed")

	errUnexpected = errors.New(relaynet.ErrUnexpected)
)

// panicError turns a recovered value into the error reported to the peer.
// Values that are not errors become the generic "Unexpected error".
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errUnexpected
}
