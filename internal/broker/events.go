package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/luciancaetano/relaynet/internal/jsoncodec"
	"github.com/luciancaetano/relaynet/internal/protocol"
)

// Validator turns the raw data object of a message into typed input. An
// error rejects the message with "Invalid input".
type Validator[T any] func(data json.RawMessage) (T, error)

// Resolver handles a validated message.
type Resolver[T any] func(ctx context.Context, data T, h Helpers) error

// Event describes one named application event. Input is optional; without
// it the resolver receives the zero value of T.
type Event[T any] struct {
	Input   Validator[T]
	Resolve Resolver[T]
}

type handler struct {
	validate func(json.RawMessage) (any, error)
	resolve  func(context.Context, any, Helpers) error
}

// Events is a registry of named event handlers.
type Events struct {
	mu       sync.RWMutex
	handlers map[string]handler
}

func NewEvents() *Events {
	return &Events{handlers: make(map[string]handler)}
}

// Handle registers ev under name.
func Handle[T any](e *Events, name string, ev Event[T]) error {
	if name == "" {
		return ErrEmptyEventName
	}
	if protocol.IsReserved(name) {
		return fmt.Errorf("%w: %q", ErrReservedEvent, name)
	}
	if ev.Resolve == nil {
		return fmt.Errorf("%w: %q", ErrNoResolver, name)
	}

	h := handler{
		resolve: func(ctx context.Context, input any, helpers Helpers) error {
			data, _ := input.(T)
			return ev.Resolve(ctx, data, helpers)
		},
	}
	if ev.Input != nil {
		h.validate = func(raw json.RawMessage) (any, error) {
			return ev.Input(raw)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateEvent, name)
	}
	e.handlers[name] = h
	return nil
}

// MustHandle is Handle for setup code; it panics on error.
func MustHandle[T any](e *Events, name string, ev Event[T]) {
	if err := Handle(e, name, ev); err != nil {
		panic(err)
	}
}

// Merge adds every event of other. Nothing is added if any name collides.
func (e *Events) Merge(other *Events) error {
	if other == e {
		return nil
	}

	other.mu.RLock()
	incoming := make(map[string]handler, len(other.handlers))
	for name, h := range other.handlers {
		incoming[name] = h
	}
	other.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range incoming {
		if _, ok := e.handlers[name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateEvent, name)
		}
	}
	for name, h := range incoming {
		e.handlers[name] = h
	}
	return nil
}

// Names returns the registered event names in order.
func (e *Events) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Events) lookup(name string) (handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

type validatable interface {
	Validate() error
}

// JSONInput decodes data into T and runs T's Validate method when it has one.
func JSONInput[T any]() Validator[T] {
	return func(raw json.RawMessage) (T, error) {
		var v T
		if err := jsoncodec.Unmarshal(raw, &v); err != nil {
			return v, err
		}
		if val, ok := any(&v).(validatable); ok {
			if err := val.Validate(); err != nil {
				return v, err
			}
		}
		return v, nil
	}
}
