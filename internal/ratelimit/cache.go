package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/pipesync/internal/kv"
)

// cachePrefix namespaces cached responses inside the shared KV store.
const cachePrefix = "respcache:"

// ResponseCache is a read-through cache for successful GET responses.
// Store failures degrade to cache misses rather than failing the request.
type ResponseCache struct {
	store      kv.Store
	defaultTTL time.Duration
}

// NewResponseCache returns a cache that falls back to defaultTTL when a
// caller does not specify one.
func NewResponseCache(store kv.Store, defaultTTL time.Duration) *ResponseCache {
	return &ResponseCache{store: store, defaultTTL: defaultTTL}
}

// Get returns the cached payload for key, or false on a miss.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.store.Get(ctx, cachePrefix+key)
	if err != nil {
		if !errors.Is(err, kv.ErrKeyNotFound) {
			slog.Warn("response cache read failed",
				"component", "ratelimit",
				"key", key,
				"error", err)
		}
		return nil, false
	}
	return value, true
}

// Set stores a payload under key. A ttl <= 0 uses the default TTL.
func (c *ResponseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.store.Set(ctx, cachePrefix+key, value, ttl); err != nil {
		slog.Warn("response cache write failed",
			"component", "ratelimit",
			"key", key,
			"error", err)
	}
}

// Invalidate removes every cached entry under keyPrefix and reports how
// many were dropped. Mutations call this for the resource they touched.
func (c *ResponseCache) Invalidate(ctx context.Context, keyPrefix string) int {
	deleted, err := c.store.DelPrefix(ctx, cachePrefix+keyPrefix)
	if err != nil {
		slog.Warn("response cache invalidation failed",
			"component", "ratelimit",
			"prefix", keyPrefix,
			"error", err)
		return 0
	}
	return deleted
}
