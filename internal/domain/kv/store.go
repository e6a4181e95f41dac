// Package kv defines the durable key/value primitive that the rest of the
// agent treats as opaque infrastructure (spec.md describes it only in terms
// of the operations it exposes: strings, sorted sets, lists, and atomic
// conditional writes). Two implementations live under
// internal/adapter/outbound/kv: an in-process map for tests and single-node
// deployments, and a modernc.org/sqlite-backed store for durability across
// restarts.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the full set of primitives the agent's components need from the
// durable backing store. Every method is safe for concurrent use.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key, with an optional ttl (zero means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value at key only if key does not already hold an
	// unexpired value, returning true if the write happened. This is the
	// atomic primitive behind replay protection and idempotent execution.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// RPush appends value to the list at key, creating it if absent.
	RPush(ctx context.Context, key, value string) error
	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int, error)
	// BRPopLPush atomically pops the rightmost element of src and pushes it
	// onto the left of dst, returning the moved value. It blocks (polling)
	// until an element is available or ctx is done, in which case it
	// returns ("", ctx.Err()). This is the claim primitive used to move
	// work from a queue into an inflight list without ever losing an item
	// between the pop and the push.
	BRPopLPush(ctx context.Context, src, dst string, pollInterval time.Duration) (string, error)
	// LRem removes the first occurrence of value from the list at key.
	LRem(ctx context.Context, key, value string) error
	// LRange returns up to count elements of the list at key starting at
	// offset, in list order. count <= 0 means "all".
	LRange(ctx context.Context, key string, offset, count int) ([]string, error)

	// ZAdd adds member to the sorted set at key with the given score
	// (typically a unix timestamp), overwriting any existing score for
	// that member.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZCard returns the number of members in the sorted set at key.
	ZCard(ctx context.Context, key string) (int, error)
	// ZRemRangeByScore removes all members with score in [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// Close releases any resources held by the store.
	Close() error
}
