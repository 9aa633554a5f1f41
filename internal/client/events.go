package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/luciancaetano/relaynet/internal/jsoncodec"
	"github.com/luciancaetano/relaynet/internal/protocol"
)

var emptyData = json.RawMessage(`{}`)

// Events lists the server events a client accepts. System events are
// always accepted; anything else not listed is dropped.
type Events struct {
	mu         sync.RWMutex
	validators map[string]func(json.RawMessage) error
}

func NewEvents() *Events {
	return &Events{validators: make(map[string]func(json.RawMessage) error)}
}

// Expect accepts event name. A nil validate accepts any data but hands the
// application an empty object.
func (e *Events) Expect(name string, validate func(json.RawMessage) error) error {
	if protocol.IsReserved(name) {
		return fmt.Errorf("%w: %q", ErrReservedEvent, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.validators[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateEvent, name)
	}
	e.validators[name] = validate
	return nil
}

// Merge adds all of other's events. Nothing is added if a name collides.
func (e *Events) Merge(other *Events) error {
	if other == e {
		return nil
	}

	other.mu.RLock()
	incoming := make(map[string]func(json.RawMessage) error, len(other.validators))
	for name, v := range other.validators {
		incoming[name] = v
	}
	other.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range incoming {
		if _, ok := e.validators[name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateEvent, name)
		}
	}
	for name, v := range incoming {
		e.validators[name] = v
	}
	return nil
}

// Parse decodes a frame and filters it against the registry.
func (e *Events) Parse(raw []byte) (protocol.Message, bool) {
	msg, ok := protocol.Decode(raw)
	if !ok {
		return protocol.Message{}, false
	}
	if e == nil || protocol.IsReserved(msg.Type) {
		return msg, true
	}

	e.mu.RLock()
	validate, known := e.validators[msg.Type]
	e.mu.RUnlock()

	if !known {
		return protocol.Message{}, false
	}
	if validate == nil {
		msg.Data = emptyData
		return msg, true
	}
	if err := validate(msg.Data); err != nil {
		return protocol.Message{}, false
	}
	return msg, true
}

// JSON returns a validator that requires data to decode into T and pass
// T's Validate method when it has one.
func JSON[T any]() func(json.RawMessage) error {
	return func(raw json.RawMessage) error {
		var v T
		if err := jsoncodec.Unmarshal(raw, &v); err != nil {
			return err
		}
		if val, ok := any(&v).(interface{ Validate() error }); ok {
			return val.Validate()
		}
		return nil
	}
}
