package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/pipesync/internal/clock"
)

func newTestMemory() (*Memory, *clock.Fake) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	return NewMemory(fake), fake
}

func TestMemory_SetGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory()

	if err := store.Set(ctx, "greeting", []byte("hello"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, err := store.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
}

func TestMemory_GetMissingKey(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory()

	_, err := store.Get(ctx, "absent")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestMemory()

	if err := store.Set(ctx, "session", []byte("abc"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	// Just before expiry the key is still readable
	fake.Advance(59 * time.Second)
	if _, err := store.Get(ctx, "session"); err != nil {
		t.Fatalf("key expired too early: %v", err)
	}
	ttl, err := store.TTL(ctx, "session")
	if err != nil {
		t.Fatalf("ttl failed: %v", err)
	}
	if ttl != time.Second {
		t.Errorf("expected 1s remaining, got %v", ttl)
	}

	// At expiry the key is gone
	fake.Advance(time.Second)
	if _, err := store.Get(ctx, "session"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after expiry, got %v", err)
	}
}

func TestMemory_TTLWithoutExpiry(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory()

	if err := store.Set(ctx, "pinned", []byte("x"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	ttl, err := store.TTL(ctx, "pinned")
	if err != nil {
		t.Fatalf("ttl failed: %v", err)
	}
	if ttl != NoExpiry {
		t.Errorf("expected NoExpiry, got %v", ttl)
	}
}

func TestMemory_IncrCreatesAndCounts(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory()

	for want := int64(1); want <= 3; want++ {
		n, err := store.Incr(ctx, "counter")
		if err != nil {
			t.Fatalf("incr failed: %v", err)
		}
		if n != want {
			t.Errorf("expected %d, got %d", want, n)
		}
	}
}

func TestMemory_IncrPreservesExpiry(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestMemory()

	if _, err := store.Incr(ctx, "window"); err != nil {
		t.Fatalf("incr failed: %v", err)
	}
	if err := store.Expire(ctx, "window", 10*time.Second); err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if _, err := store.Incr(ctx, "window"); err != nil {
		t.Fatalf("second incr failed: %v", err)
	}

	// After the window elapses the counter restarts at 1
	fake.Advance(10 * time.Second)
	n, err := store.Incr(ctx, "window")
	if err != nil {
		t.Fatalf("incr after expiry failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected counter reset to 1, got %d", n)
	}
}

func TestMemory_IncrNonInteger(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory()

	if err := store.Set(ctx, "blob", []byte("not a number"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := store.Incr(ctx, "blob"); err == nil {
		t.Fatal("expected error incrementing non-integer value")
	}
}

func TestMemory_ExpireMissingKey(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory()

	if err := store.Expire(ctx, "absent", time.Minute); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestMemory_DelPrefix(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory()

	keys := []string{"cache:persons:a", "cache:persons:b", "cache:deals:a", "other"}
	for _, k := range keys {
		if err := store.Set(ctx, k, []byte("v"), 0); err != nil {
			t.Fatalf("set %s failed: %v", k, err)
		}
	}

	deleted, err := store.DelPrefix(ctx, "cache:persons:")
	if err != nil {
		t.Fatalf("del prefix failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deletions, got %d", deleted)
	}
	if _, err := store.Get(ctx, "cache:deals:a"); err != nil {
		t.Errorf("unrelated key was deleted: %v", err)
	}
	if _, err := store.Get(ctx, "other"); err != nil {
		t.Errorf("unrelated key was deleted: %v", err)
	}
}

func TestMemory_SortedSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory()

	for i, score := range []int64{300, 100, 200} {
		if err := store.ZAdd(ctx, "hits", score, string(rune('a'+i))); err != nil {
			t.Fatalf("zadd failed: %v", err)
		}
	}

	members, err := store.ZRangeByScore(ctx, "hits", 0, 1000)
	if err != nil {
		t.Fatalf("zrange failed: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	// Ordered by score
	if members[0].Score != 100 || members[2].Score != 300 {
		t.Errorf("members not score-ordered: %+v", members)
	}

	// Range bounds are inclusive
	mid, err := store.ZRangeByScore(ctx, "hits", 100, 200)
	if err != nil {
		t.Fatalf("zrange failed: %v", err)
	}
	if len(mid) != 2 {
		t.Errorf("expected 2 members in [100,200], got %d", len(mid))
	}
}

func TestMemory_ZAddUpdatesScore(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory()

	if err := store.ZAdd(ctx, "set", 10, "m"); err != nil {
		t.Fatalf("zadd failed: %v", err)
	}
	if err := store.ZAdd(ctx, "set", 50, "m"); err != nil {
		t.Fatalf("zadd update failed: %v", err)
	}

	members, err := store.ZRangeByScore(ctx, "set", 0, 100)
	if err != nil {
		t.Fatalf("zrange failed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected single member after score update, got %d", len(members))
	}
	if members[0].Score != 50 {
		t.Errorf("expected updated score 50, got %d", members[0].Score)
	}
}

func TestMemory_ZRemRangeByScore(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemory()

	for i := int64(1); i <= 5; i++ {
		if err := store.ZAdd(ctx, "window", i*100, string(rune('a'+i))); err != nil {
			t.Fatalf("zadd failed: %v", err)
		}
	}

	removed, err := store.ZRemRangeByScore(ctx, "window", 0, 300)
	if err != nil {
		t.Fatalf("zrem failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}

	rest, err := store.ZRangeByScore(ctx, "window", 0, 1000)
	if err != nil {
		t.Fatalf("zrange failed: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("expected 2 remaining, got %d", len(rest))
	}
}
