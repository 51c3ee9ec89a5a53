package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Time only moves when
// Advance or Set is called, so sleeps, backoff delays, and rate-limit
// windows resolve deterministically.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	tickers []*fakeTicker
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan struct{}
}

type fakeTicker struct {
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

// NewFake returns a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set jumps the clock to t, waking any sleeper whose deadline has passed.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.fire()
	f.mu.Unlock()
}

// Advance moves the clock forward by d, waking sleepers and delivering
// any ticks that became due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.fire()
	f.mu.Unlock()
}

// fire wakes expired waiters and delivers due ticks. Caller holds mu.
func (f *Fake) fire() {
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			close(w.ch)
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining

	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(f.now) {
			select {
			case t.ch <- t.next:
			default:
				// Ticker semantics: drop ticks nobody is reading.
			}
			t.next = t.next.Add(t.interval)
		}
	}
}

// Sleep blocks until the clock is advanced past the deadline or the
// context is cancelled.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	f.mu.Lock()
	w := &fakeWaiter{deadline: f.now.Add(d), ch: make(chan struct{})}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ticker returns a channel that receives a tick each time Advance crosses
// an interval boundary.
func (f *Fake) Ticker(d time.Duration) (<-chan time.Time, func()) {
	f.mu.Lock()
	t := &fakeTicker{interval: d, next: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()

	stop := func() {
		f.mu.Lock()
		t.stopped = true
		f.mu.Unlock()
	}
	return t.ch, stop
}

// Sleepers reports how many goroutines are currently blocked in Sleep.
// Tests use it to wait for a sleeper to register before advancing.
func (f *Fake) Sleepers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// BlockUntilSleepers polls until at least n goroutines are blocked in
// Sleep, or the timeout elapses.
func (f *Fake) BlockUntilSleepers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.Sleepers() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return f.Sleepers() >= n
}
