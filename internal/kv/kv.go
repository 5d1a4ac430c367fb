// Package kv defines the key-value store port used by the response cache, the
// user-profile store, and the sliding-window rate limiter, together with two
// adapters: a Redis-backed production store and an in-memory store for tests.
//
// The store is an availability-degradable dependency. Callers must treat
// ErrUnavailable (and any other error) as a signal to degrade, never as a
// request failure: the limiter fails open, the cache is skipped, and profile
// reads return an empty profile.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// ErrUnavailable is returned when the store cannot be reached. Consumers
// degrade on it rather than failing the request.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is the key-value port of the serving pipeline.
//
// SlidingWindowAdmit is the one composite operation: it atomically evicts
// window-expired members from a sorted set, adds the new member scored by
// now, refreshes the set TTL, and returns the resulting cardinality. Keeping
// it on the port lets the Redis adapter run it as a single pipeline while the
// memory adapter runs it under one lock.
type Store interface {
	// Get returns the value at key, or ErrNotFound when absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// SetWithTTL stores value at key with the given time to live.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Scan returns a batch of at most count keys matching the glob pattern,
	// starting at cursor. A returned cursor of 0 means iteration is complete.
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) (keys []string, next uint64, err error)

	// Expire sets the time to live of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ZCard returns the cardinality of the sorted set at key (0 when absent).
	ZCard(ctx context.Context, key string) (int64, error)

	// SlidingWindowAdmit records one event under key at time now and returns
	// the number of events inside (now-window, now] including the new one.
	SlidingWindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, error)

	// Available reports whether the store believes it can serve requests.
	// It is a fast local check, not a network probe.
	Available() bool
}
