// Package clock is the single source of time for the scheduler.
// Production code uses Real; tests drive a Fake forward explicitly.
package clock

import (
	"sync"
	"time"
)

// Clock provides wall time, a monotonic reading, and timers.
type Clock interface {
	// Now returns the current wall-clock time in UTC.
	Now() time.Time
	// Monotonic returns elapsed time since the clock was created. It is
	// unaffected by wall-clock jumps and is used to measure durations.
	Monotonic() time.Duration
	// After fires once d has elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// Real is backed by the system clock.
type Real struct {
	start time.Time
}

// New returns a Real clock.
func New() *Real {
	return &Real{start: time.Now()}
}

func (r *Real) Now() time.Time { return time.Now().UTC() }

func (r *Real) Monotonic() time.Duration { return time.Since(r.start) }

func (r *Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	elapsed time.Duration
	waiters []waiter
}

type waiter struct {
	deadline time.Duration
	ch       chan time.Time
}

// NewFake returns a Fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Monotonic() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elapsed
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, waiter{deadline: f.elapsed + d, ch: ch})
	return ch
}

// Advance moves the clock forward and fires any timers that came due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	f.elapsed += d

	pending := f.waiters[:0]
	for _, w := range f.waiters {
		if w.deadline <= f.elapsed {
			w.ch <- f.now
			continue
		}
		pending = append(pending, w)
	}
	f.waiters = pending
}

// Waiters returns the number of After channels that have not fired yet.
// Tests use it to know a loop is parked before advancing.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// Set jumps the wall clock to t without moving the monotonic reading,
// the way an NTP correction would.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// Millis converts t to unix milliseconds, the store's timestamp unit.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds back to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
