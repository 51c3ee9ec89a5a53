package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/kv"
)

// counterPrefix namespaces limiter state inside the shared KV store so it
// cannot collide with cached responses or checkpoints.
const counterPrefix = "rl:"

// Strategy names a windowing algorithm.
type Strategy string

const (
	StrategyFixed   Strategy = "fixed"
	StrategySliding Strategy = "sliding"
)

// Decision is the outcome of a single admission check. RetryAfter is only
// meaningful when Allowed is false and reports how long until the window
// frees a slot.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects requests under a per-key budget. Keys combine
// client and workspace so tenants never share a window.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// New builds a limiter for the named strategy. Both strategies draw from
// the same KV store, so switching strategy in config does not require
// clearing state.
func New(strategy Strategy, store kv.Store, clk clock.Clock, maxRequests int, window time.Duration) (Limiter, error) {
	if maxRequests <= 0 {
		return nil, fmt.Errorf("rate limit: max requests must be positive, got %d", maxRequests)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limit: window must be positive, got %v", window)
	}
	switch strategy {
	case StrategyFixed, "":
		return NewFixedWindow(store, maxRequests, window), nil
	case StrategySliding:
		return NewSlidingWindow(store, clk, maxRequests, window), nil
	default:
		return nil, fmt.Errorf("rate limit: unknown strategy %q", strategy)
	}
}

// FixedWindow admits up to max requests per window. The counter key
// expires when the window that started at the first request ends, so a
// burst straddling the boundary can briefly admit up to 2x max.
type FixedWindow struct {
	store  kv.Store
	max    int
	window time.Duration
}

// NewFixedWindow returns a fixed-window limiter.
func NewFixedWindow(store kv.Store, maxRequests int, window time.Duration) *FixedWindow {
	return &FixedWindow{store: store, max: maxRequests, window: window}
}

// Allow increments the window counter and admits while it stays within
// budget. The expiry is set only when the counter is created, which is
// what anchors the window to the first request.
func (l *FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	k := counterPrefix + key

	count, err := l.store.Incr(ctx, k)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := l.store.Expire(ctx, k, l.window); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	if count <= int64(l.max) {
		return Decision{Allowed: true, Remaining: l.max - int(count)}, nil
	}

	retry := l.window
	if ttl, err := l.store.TTL(ctx, k); err == nil && ttl > 0 {
		retry = ttl
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

// SlidingWindow admits up to max requests in any trailing window. Each
// attempt is recorded in a per-key sorted set scored by timestamp; denied
// attempts still occupy a slot until they age out of the window.
type SlidingWindow struct {
	store  kv.Store
	clk    clock.Clock
	max    int
	window time.Duration
	seq    atomic.Uint64
}

// NewSlidingWindow returns a sliding-window limiter.
func NewSlidingWindow(store kv.Store, clk clock.Clock, maxRequests int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{store: store, clk: clk, max: maxRequests, window: window}
}

// Allow records the attempt, prunes entries older than the window, and
// admits while the trailing count stays within budget.
func (l *SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	k := counterPrefix + key
	now := l.clk.Now()
	nowMs := now.UnixMilli()
	cutoff := nowMs - l.window.Milliseconds()

	if _, err := l.store.ZRemRangeByScore(ctx, k, 0, cutoff); err != nil {
		return Decision{}, fmt.Errorf("rate limit prune: %w", err)
	}

	// The sequence suffix keeps members unique when two attempts land on
	// the same tick.
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(l.seq.Add(1), 10)
	if err := l.store.ZAdd(ctx, k, nowMs, member); err != nil {
		return Decision{}, fmt.Errorf("rate limit record: %w", err)
	}

	members, err := l.store.ZRangeByScore(ctx, k, cutoff+1, nowMs)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit count: %w", err)
	}

	count := len(members)
	if count <= l.max {
		return Decision{Allowed: true, Remaining: l.max - count}, nil
	}

	retry := l.window
	if len(members) > 0 {
		until := time.Duration(members[0].Score+l.window.Milliseconds()-nowMs) * time.Millisecond
		if until > 0 {
			retry = until
		}
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

var (
	_ Limiter = (*FixedWindow)(nil)
	_ Limiter = (*SlidingWindow)(nil)
)
