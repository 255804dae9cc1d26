// Package cache is the shared ephemeral key/value store used for CSRF tokens,
// rate limit counters and the settings read-through cache.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is the set of cache primitives the security and settings components use.
// Connectivity failures are reported wrapped in domain.ErrStoreUnavailable.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// GetDel atomically returns and removes the key.
	GetDel(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	// TTL returns the time left before key expires, zero when it has none.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// IncrWindow increments a counter, starting its expiry window on the first hit,
	// and returns the new count with the time left in the window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	// DeleteByPrefix removes every key that starts with prefix without blocking
	// the store, and returns how many keys were deleted.
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
