package idempotency

import (
	"context"
	"time"
)

// Store is the key-value boundary the Coordinator runs on. It is the single
// source of truth for lock and cache state; the only synchronization
// primitive required is Acquire's atomic set-if-not-exists.
//
// Implementations must be safe for concurrent use and must expire entries
// at the supplied TTL so a crashed lease holder can never wedge a key.
type Store interface {
	// Acquire atomically sets key to value with the given expiry, only if
	// the key does not already exist. Returns true if the caller now owns
	// the key.
	Acquire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Read returns the current value for key, or ErrNotFound when absent.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write unconditionally overwrites key with expiry. Used only to
	// transition an owned lease to its completed record.
	Write(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Remove unconditionally deletes key. Used only to release a lease
	// after the caller has re-validated ownership.
	Remove(ctx context.Context, key string) error
}
