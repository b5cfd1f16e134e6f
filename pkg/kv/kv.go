// Package kv abstracts the small set of key-value primitives the decision
// core needs: string get/set with TTL, atomic counters, bounded list append
// and atomic list drain. Backed by Redis in production and by an in-process
// store in tests and single-node deployments.
package kv

import (
	"context"
	"time"
)

// Store is the key-value contract. All operations are safe for concurrent
// use. Implementations must make BoundedRPush and DrainList atomic: a
// bounded append either observes the length and appends in one step or
// rejects, and a drain returns the list contents while removing the key so
// that exactly one caller wins.
type Store interface {
	// Get returns the value at key. The second return is false when the key
	// does not exist or has expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// IncrBy atomically adds delta to the integer at key, creating it at
	// zero if absent, and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets the TTL on an existing key. No-op when the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// BoundedRPush appends value to the list at key only while the list
	// holds fewer than max elements, refreshing the TTL on success. Returns
	// true when the value was appended, false when the list was full.
	BoundedRPush(ctx context.Context, key, value string, max int64, ttl time.Duration) (bool, error)

	// ListLen returns the length of the list at key (0 when absent).
	ListLen(ctx context.Context, key string) (int64, error)

	// DrainList atomically returns the list contents and deletes the key.
	// A second concurrent drain of the same key returns an empty slice.
	DrainList(ctx context.Context, key string) ([]string, error)

	// ScanKeys returns all keys matching a glob-style pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}
