// Package hub hosts the per-room actors. Each live room is owned by exactly
// one Actor whose command loop is the sole mutator of the room's document,
// session set, presence, and timers. The Registry maps room keys to live
// actors and serializes their creation.
package hub

import (
	"context"
	"time"

	"github.com/coedit/hub/internal/domain"
	"github.com/coedit/hub/internal/protocol"
)

// Store is the slice of the document store an actor persists through.
type Store interface {
	LoadRoom(ctx context.Context, roomKey string) (*domain.Room, []byte, string, error)
	SaveRoom(ctx context.Context, roomKey string, blob []byte, fallbackText, language string, reason domain.SaveReason, at time.Time) error
}

// Members is the advisory online bookkeeping an actor maintains.
type Members interface {
	Upsert(ctx context.Context, roomKey, principalID string, role domain.Role) error
	MarkOnline(ctx context.Context, roomKey, principalID string, online bool) error
	MarkAllOffline(ctx context.Context, roomKey string) error
}

// GuestTracker records live guest occupancy; nil disables tracking.
type GuestTracker interface {
	Touch(ctx context.Context, roomKey, principalID string) error
	Drop(ctx context.Context, roomKey, principalID string) error
}

// Archiver receives final snapshots; nil disables archiving.
type Archiver interface {
	Put(ctx context.Context, roomKey string, blob []byte) error
}

// Peer is what the actor knows about an attached session. Enqueue must never
// block: the actor's loop cannot wait on a slow client.
type Peer interface {
	// SessionID is unique per connection, not per principal.
	SessionID() string
	Principal() domain.Principal
	Role() domain.Role

	// Enqueue appends a frame to the peer's outbox. Transient frames
	// (cursor, typing) are dropped internally under pressure and always
	// succeed. A false return means a non-evictable frame did not fit; the
	// actor then closes the peer with Backpressure.
	Enqueue(frame *protocol.Frame) bool

	// Kick enqueues a final error frame and closes the transport.
	// Idempotent.
	Kick(kind domain.ErrorKind, detail string)
}

// Options carries the actor timing knobs.
type Options struct {
	DebouncePeriod  time.Duration
	MaxStaleness    time.Duration
	IdleGracePeriod time.Duration
	TypingTTL       time.Duration
	SaveRetryBudget int
	SaveBackoff     time.Duration
	SaveBackoffCap  time.Duration

	// GuestRefreshInterval is how often attached guests are re-touched in
	// the guest registry. Must stay well inside the registry's record TTL.
	GuestRefreshInterval time.Duration

	// CommandBuffer sizes the actor's inbound channel.
	CommandBuffer int
}

// DefaultOptions returns the reference timing values.
func DefaultOptions() Options {
	return Options{
		DebouncePeriod:  time.Second,
		MaxStaleness:    30 * time.Second,
		IdleGracePeriod: 5 * time.Minute,
		TypingTTL:       3 * time.Second,
		SaveRetryBudget: 5,
		SaveBackoff:     500 * time.Millisecond,
		SaveBackoffCap:  30 * time.Second,

		GuestRefreshInterval: 30 * time.Second,

		CommandBuffer: 256,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.DebouncePeriod <= 0 {
		o.DebouncePeriod = def.DebouncePeriod
	}
	if o.MaxStaleness <= 0 {
		o.MaxStaleness = def.MaxStaleness
	}
	if o.IdleGracePeriod <= 0 {
		o.IdleGracePeriod = def.IdleGracePeriod
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = def.TypingTTL
	}
	if o.SaveRetryBudget <= 0 {
		o.SaveRetryBudget = def.SaveRetryBudget
	}
	if o.SaveBackoff <= 0 {
		o.SaveBackoff = def.SaveBackoff
	}
	if o.SaveBackoffCap <= 0 {
		o.SaveBackoffCap = def.SaveBackoffCap
	}
	if o.GuestRefreshInterval <= 0 {
		o.GuestRefreshInterval = def.GuestRefreshInterval
	}
	if o.CommandBuffer <= 0 {
		o.CommandBuffer = def.CommandBuffer
	}
	return o
}
