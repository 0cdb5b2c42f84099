// Package clock abstracts wall time and sleeping so that polling loops can be
// driven deterministically in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by timers, polling loops and node metadata.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// System is a Clock backed by the time package.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// Sleep waits for d using a timer.
func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Manual is a Clock that only advances when slept on or explicitly moved.
// Sleep never blocks; it advances the clock by d.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	slept  time.Duration
	sleeps int
	// OnSleep, if set, is called after each Sleep with the running count.
	OnSleep func(n int)
}

// NewManual creates a Manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now returns the clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Sleep advances the clock by d unless ctx is already done.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.slept += d
	m.sleeps++
	n := m.sleeps
	fn := m.OnSleep
	m.mu.Unlock()

	if fn != nil {
		fn(n)
	}
	return ctx.Err()
}

// Slept returns the total duration and number of Sleep calls.
func (m *Manual) Slept() (time.Duration, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slept, m.sleeps
}
