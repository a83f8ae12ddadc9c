package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/coedit/hub/internal/metrics"
	"github.com/coedit/hub/internal/pubsub"
)

// ErrRegistryClosed is returned by Acquire during shutdown.
var ErrRegistryClosed = errors.New("hub registry is shutting down")

// Deps bundles the services actors draw on. Guests and Archiver may be nil.
type Deps struct {
	Store    Store
	Members  Members
	Guests   GuestTracker
	Archiver Archiver
	PubSub   pubsub.PubSub
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Registry maps room keys to live actors. It holds no room state itself; it
// only serializes actor creation and tracks liveness for shutdown.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Actor
	closed bool

	deps Deps
	opts Options
}

// NewRegistry wires a registry. Store, Members, and PubSub are required.
func NewRegistry(deps Deps, opts Options) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Registry{
		rooms: make(map[string]*Actor),
		deps:  deps,
		opts:  opts.withDefaults(),
	}
}

// Acquire returns the live actor for a room, spawning one if needed. A
// terminated actor still lingering in the map is replaced, so a room can be
// rejoined immediately after its idle teardown.
func (r *Registry) Acquire(roomKey string) (*Actor, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if a, ok := r.rooms[roomKey]; ok && !a.terminated() {
		r.mu.Unlock()
		return a, nil
	}
	a := newActor(roomKey, r)
	r.rooms[roomKey] = a
	r.mu.Unlock()

	a.start(r.deps.PubSub)
	return a, nil
}

// Lookup returns the live actor for a room, or nil.
func (r *Registry) Lookup(roomKey string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.rooms[roomKey]; ok && !a.terminated() {
		return a
	}
	return nil
}

// release removes an actor from the map if it is still the registered
// instance. A replacement spawned after termination is left alone.
func (r *Registry) release(roomKey string, a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.rooms[roomKey]; ok && current == a {
		delete(r.rooms, roomKey)
	}
}

// Shutdown stops every live actor and waits for their final saves, bounded by
// ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	actors := make([]*Actor, 0, len(r.rooms))
	for _, a := range r.rooms {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	for _, a := range actors {
		select {
		case <-a.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func decodeEvent(msg *pubsub.Message, v any) error {
	if len(msg.Payload) == 0 {
		return errors.New("empty event payload")
	}
	return json.Unmarshal(msg.Payload, v)
}
