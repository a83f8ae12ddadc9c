// Package presence keeps short-lived records of guest principals per room in
// Redis. Guests have no member rows, so this registry is what makes their
// occupancy visible to admission checks on every node.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultGuestTTL bounds how long a guest record survives without a refresh.
// Room actors re-touch attached guests well inside this window, so a live
// guest never expires; a crashed node's records age out on their own.
const DefaultGuestTTL = 90 * time.Second

// GuestRegistry tracks live guests per room in Redis sorted sets keyed by
// expiry time.
type GuestRegistry struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewGuestRegistry connects to Redis and returns a registry.
func NewGuestRegistry(url string) (*GuestRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &GuestRegistry{
		client: client,
		ttl:    DefaultGuestTTL,
		logger: slog.Default().With("component", "guest-registry"),
	}, nil
}

// NewGuestRegistryWithClient wraps an existing client; used by tests.
func NewGuestRegistryWithClient(client *redis.Client, ttl time.Duration) *GuestRegistry {
	return &GuestRegistry{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "guest-registry"),
	}
}

func guestKey(roomKey string) string {
	return "guests:" + roomKey
}

// Touch records or refreshes a guest's presence in a room.
func (g *GuestRegistry) Touch(ctx context.Context, roomKey, principalID string) error {
	expiry := float64(time.Now().Add(g.ttl).UnixMilli())
	pipe := g.client.Pipeline()
	pipe.ZAdd(ctx, guestKey(roomKey), redis.Z{Score: expiry, Member: principalID})
	// The set itself outlives its newest record by one TTL at most.
	pipe.Expire(ctx, guestKey(roomKey), 2*g.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch guest %s in %s: %w", principalID, roomKey, err)
	}
	return nil
}

// Drop removes a guest's record on detach.
func (g *GuestRegistry) Drop(ctx context.Context, roomKey, principalID string) error {
	if err := g.client.ZRem(ctx, guestKey(roomKey), principalID).Err(); err != nil {
		return fmt.Errorf("drop guest %s from %s: %w", principalID, roomKey, err)
	}
	return nil
}

// CountGuests returns the number of unexpired guest records for a room.
func (g *GuestRegistry) CountGuests(ctx context.Context, roomKey string) (int, error) {
	now := time.Now().UnixMilli()
	key := guestKey(roomKey)

	// Sweep expired records before counting.
	if err := g.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now, 10)).Err(); err != nil {
		return 0, fmt.Errorf("sweep guests of %s: %w", roomKey, err)
	}
	count, err := g.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count guests of %s: %w", roomKey, err)
	}
	return int(count), nil
}

// Close releases the Redis connection.
func (g *GuestRegistry) Close() error {
	return g.client.Close()
}
