package kv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/pipesync/internal/clock"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Store. Expiry is evaluated lazily against the
// injected clock, so tests can advance a fake clock instead of sleeping.
type Memory struct {
	mu    sync.Mutex
	clk   clock.Clock
	items map[string]*memoryEntry
	zsets map[string]map[string]int64
}

// NewMemory returns an empty in-process store.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clk:   clk,
		items: make(map[string]*memoryEntry),
		zsets: make(map[string]map[string]int64),
	}
}

// live returns the entry for key if it exists and has not expired.
// Caller holds mu.
func (m *Memory) live(key string) (*memoryEntry, bool) {
	e, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.clk.Now().Before(e.expiresAt) {
		delete(m.items, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &memoryEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = m.clk.Now().Add(ttl)
	}
	m.items[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.items, key)
		delete(m.zsets, key)
	}
	return nil
}

func (m *Memory) DelPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			delete(m.items, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		e = &memoryEntry{}
		m.items[key] = e
	}

	n := int64(0)
	if len(e.value) > 0 {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %q: value is not an integer", key)
		}
		n = parsed
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return ErrKeyNotFound
	}
	if ttl <= 0 {
		e.expiresAt = time.Time{}
		return nil
	}
	e.expiresAt = m.clk.Now().Add(ttl)
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return 0, ErrKeyNotFound
	}
	if e.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return e.expiresAt.Sub(m.clk.Now()), nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score int64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]int64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max int64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.zsets[key]
	var out []Member
	for member, score := range set {
		if score >= min && score <= max {
			out = append(out, Member{Member: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out, nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.zsets[key]
	removed := 0
	for member, score := range set {
		if score >= min && score <= max {
			delete(set, member)
			removed++
		}
	}
	if len(set) == 0 {
		delete(m.zsets, key)
	}
	return removed, nil
}

func (m *Memory) Close() error {
	return nil
}

var _ Store = (*Memory)(nil)
