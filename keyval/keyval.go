// Package keyval provides the ephemeral keyed store client used by the lock
// manager and the attempt governor. The store is the single source of truth
// shared across backend instances; every mutation is a single atomic round
// trip, because any read-modify-write pair across two calls reopens the race
// this subsystem exists to close.
package keyval

import (
	"context"
	"time"
)

// Store is the minimal contract against the shared ephemeral store.
//
// Implementations must make each call a single atomic operation on the
// backing store.
type Store interface {
	// SetIfAbsent stores value under key with the given TTL only if the
	// key does not exist. It returns true when the value was written.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if its current value equals
	// expected. It returns true when the key was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// Increment adds one to the integer stored at key, creating it at 1
	// if absent, and refreshes the TTL. It returns the new value.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the value stored at key. The boolean reports presence.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes key unconditionally. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error
}
