// Package store provides the persistence abstraction used by the
// protection core. Redis is the only production backend; an in-memory
// implementation satisfies tests and the fail-open degraded mode.
package store

import (
	"context"
	"time"
)

// Store is the minimal key-value contract the protection components
// depend on. A nil value result with a nil error means key not found.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// SetNX sets the value only if the key does not exist.
	// Returns true if the value was set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// GetWithTTL retrieves a value along with its remaining TTL.
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error)

	// Increment atomically adds delta to a counter, applying ttl on
	// first write. Returns the new value.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Stats holds basic store statistics.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}
