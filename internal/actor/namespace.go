// Package actor hosts addressable single-instance objects. Each namespace
// maps ids to lazily created instances and hands out stubs that route HTTP
// requests to them. Evicting an instance disconnects every stub it issued.
package actor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrStubDisconnected = errors.New("actor: stub disconnected")
	ErrInvalidID        = errors.New("actor: invalid id")
)

// Idler is implemented by instances that can report whether they are safe
// to evict. Instances that are not idle survive a sweep.
type Idler interface {
	Idle() bool
}

type Namespace[T http.Handler] struct {
	name    string
	factory func(ID) T
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	instances map[ID]*instance[T]
}

type instance[T http.Handler] struct {
	id       ID
	obj      T
	mu       sync.Mutex
	gone     chan struct{}
	lastUsed atomic.Int64
}

func NewNamespace[T http.Handler](name string, factory func(ID) T, logger zerolog.Logger) *Namespace[T] {
	return &Namespace[T]{
		name:      name,
		factory:   factory,
		logger:    logger.With().Str("component", "actor").Str("namespace", name).Logger(),
		now:       time.Now,
		instances: make(map[ID]*instance[T]),
	}
}

func (n *Namespace[T]) Name() string { return n.name }

// NewUniqueID mints a fresh random id.
func (n *Namespace[T]) NewUniqueID() ID {
	return newULID()
}

// IDFromName derives a stable id from name. The same name always maps to
// the same instance within this namespace.
func (n *Namespace[T]) IDFromName(name string) ID {
	return hashName(n.name, name)
}

// IDFromString parses a canonical id.
func (n *Namespace[T]) IDFromString(s string) (ID, error) {
	if !IsValidID(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(strings.ToLower(s)), nil
}

// Get returns a stub for id, creating the instance if needed.
func (n *Namespace[T]) Get(id ID) *Stub[T] {
	n.mu.Lock()
	inst, ok := n.instances[id]
	if !ok {
		inst = &instance[T]{id: id, obj: n.factory(id), gone: make(chan struct{})}
		n.instances[id] = inst
		n.logger.Debug().Str("id", id.String()).Msg("instance created")
	}
	n.mu.Unlock()

	inst.touch(n.now())
	return &Stub[T]{ns: n, inst: inst}
}

// Object returns the instance behind id, creating it if needed.
func (n *Namespace[T]) Object(id ID) T {
	return n.Get(id).inst.obj
}

// Evict drops the instance. Outstanding stubs fail with ErrStubDisconnected.
func (n *Namespace[T]) Evict(id ID) bool {
	n.mu.Lock()
	inst, ok := n.instances[id]
	if ok {
		delete(n.instances, id)
	}
	n.mu.Unlock()

	if ok {
		close(inst.gone)
		n.logger.Debug().Str("id", id.String()).Msg("instance evicted")
	}
	return ok
}

// Sweep evicts instances unused for at least maxIdle that are idle.
func (n *Namespace[T]) Sweep(maxIdle time.Duration) int {
	cutoff := n.now().Add(-maxIdle).UnixNano()

	var stale []ID
	n.mu.Lock()
	for id, inst := range n.instances {
		if inst.lastUsed.Load() > cutoff {
			continue
		}
		if idler, ok := any(inst.obj).(Idler); ok && !idler.Idle() {
			continue
		}
		stale = append(stale, id)
	}
	n.mu.Unlock()

	evicted := 0
	for _, id := range stale {
		if n.Evict(id) {
			evicted++
		}
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (n *Namespace[T]) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := n.Sweep(maxIdle); evicted > 0 {
				n.logger.Info().Int("evicted", evicted).Int("remaining", n.Len()).Msg("swept idle instances")
			}
		}
	}
}

// Range calls fn for each live instance until fn returns false.
func (n *Namespace[T]) Range(fn func(ID, T) bool) {
	n.mu.Lock()
	snapshot := make([]*instance[T], 0, len(n.instances))
	for _, inst := range n.instances {
		snapshot = append(snapshot, inst)
	}
	n.mu.Unlock()

	for _, inst := range snapshot {
		if !fn(inst.id, inst.obj) {
			return
		}
	}
}

func (n *Namespace[T]) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.instances)
}

func (i *instance[T]) touch(now time.Time) {
	i.lastUsed.Store(now.UnixNano())
}

// Stub routes requests to one instance. It stays bound to that instance;
// after eviction it is permanently disconnected and callers must fetch a
// new stub from the namespace.
type Stub[T http.Handler] struct {
	ns   *Namespace[T]
	inst *instance[T]
}

func (s *Stub[T]) ID() ID { return s.inst.id }

func (s *Stub[T]) Connected() bool {
	select {
	case <-s.inst.gone:
		return false
	default:
		return true
	}
}

// Do delivers req to the instance and returns its response. Calls through
// stubs of the same instance are serialized.
func (s *Stub[T]) Do(req *http.Request) (*http.Response, error) {
	if !s.Connected() {
		return nil, ErrStubDisconnected
	}
	s.inst.touch(s.ns.now())

	s.inst.mu.Lock()
	defer s.inst.mu.Unlock()

	rec := httptest.NewRecorder()
	s.inst.obj.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// ServeHTTP forwards a live request, including upgrades, to the instance.
func (s *Stub[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.Connected() {
		http.Error(w, ErrStubDisconnected.Error(), http.StatusServiceUnavailable)
		return
	}
	s.inst.touch(s.ns.now())
	s.inst.obj.ServeHTTP(w, r)
}
