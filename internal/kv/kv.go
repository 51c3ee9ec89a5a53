package kv

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key does not exist or has expired.
var ErrKeyNotFound = errors.New("key not found")

// ErrBackendNotSupported is returned by Open for DSN schemes without a
// compiled-in backend.
var ErrBackendNotSupported = errors.New("kv backend not supported")

// NoExpiry is returned by TTL for keys that exist without an expiry.
const NoExpiry = time.Duration(-1)

// Member is a sorted-set entry. Scores are non-negative; callers use
// millisecond timestamps.
type Member struct {
	Member string
	Score  int64
}

// Store is the key-value collaborator behind rate-limit counters,
// response caches, and resumable sync checkpoints. Implementations must
// make each operation atomic with respect to concurrent callers.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// DelPrefix removes every plain key with the given prefix and
	// reports how many were deleted. Sorted sets are not affected.
	DelPrefix(ctx context.Context, prefix string) (int, error)
	// Incr atomically increments the integer stored at key, creating it
	// at 1. An existing expiry is preserved.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the expiry of an existing key. Returns ErrKeyNotFound
	// if the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining lifetime of key, NoExpiry when the key
	// has none, or ErrKeyNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// ZAdd adds member with the given score to the sorted set at key,
	// updating the score if the member already exists.
	ZAdd(ctx context.Context, key string, score int64, member string) error
	// ZRangeByScore returns members with min <= score <= max, ordered by
	// score then member.
	ZRangeByScore(ctx context.Context, key string, min, max int64) ([]Member, error)
	// ZRemRangeByScore removes members with min <= score <= max and
	// reports how many were removed.
	ZRemRangeByScore(ctx context.Context, key string, min, max int64) (int, error)
	Close() error
}
