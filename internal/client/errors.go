package client

import "errors"

var (
	ErrNoResolver      = errors.New("client: no resolver configured")
	ErrClosed          = errors.New("client: machine closed")
	ErrNotOpen         = errors.New("client: connection not open")
	ErrSuperseded      = errors.New("client: connection attempt superseded")
	ErrReservedEvent   = errors.New("client: event names starting with \"$\" are reserved")
	ErrDuplicateEvent  = errors.New("client: event already registered")
	ErrRoomUnavailable = errors.New("could not connect to room")
	ErrRoomNameTooLong = errors.New("room name too long")
	ErrEmptyRoomName   = errors.New("room name is empty")
)
