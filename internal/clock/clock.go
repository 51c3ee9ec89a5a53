package clock

import (
	"context"
	"time"
)

// Clock abstracts wall-clock access for components that back off, window,
// or schedule. Production code uses System; tests drive a Fake so that
// retry delays and rate-limit windows are deterministic.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is cancelled, returning ctx.Err()
	// in the cancelled case.
	Sleep(ctx context.Context, d time.Duration) error
	// Ticker returns a channel delivering ticks every d and a stop
	// function that releases the ticker's resources.
	Ticker(d time.Duration) (<-chan time.Time, func())
}

// System is the real clock backed by the time package.
type System struct{}

// NewSystem returns a Clock backed by real time.
func NewSystem() *System {
	return &System{}
}

// Now returns the current wall-clock time.
func (*System) Now() time.Time {
	return time.Now()
}

// Sleep waits for d unless the context is cancelled first.
func (*System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ticker returns a real time.Ticker channel and its stop function.
func (*System) Ticker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
