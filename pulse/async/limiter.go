package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/clock"
)

// limiterWindow is the sliding window MaxPerMinute is counted over.
const limiterWindow = time.Minute

// ErrRateLimited is returned by Limiter.Allow when the window is full.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter caps calls per sliding one-minute window. Limits are per process;
// N processes running the same handler admit up to N times the limit.
type Limiter struct {
	maxPerMinute int
	clock        clock.Clock
	mu           sync.Mutex
	calls        []time.Time
}

// NewLimiter creates a limiter reading time from clk.
func NewLimiter(maxPerMinute int, clk clock.Clock) *Limiter {
	return &Limiter{
		maxPerMinute: maxPerMinute,
		clock:        clk,
		calls:        make([]time.Time, 0, maxPerMinute),
	}
}

// Allow records a call, or fails with ErrRateLimited when the window is full.
func (l *Limiter) Allow() error {
	if wait := l.reserve(); wait > 0 {
		l.mu.Lock()
		n := len(l.calls)
		l.mu.Unlock()
		err := errors.Wrapf(ErrRateLimited, "%d calls per minute", l.maxPerMinute)
		err = errors.WithDetail(err, fmt.Sprintf("Current calls in window: %d", n))
		err = errors.WithDetail(err, fmt.Sprintf("Next slot in: %s", wait))
		return err
	}
	return nil
}

// Wait blocks until a call is admitted or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		wait := l.reserve()
		if wait == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}

// reserve records a call and returns 0 when there is room, or how long
// until the oldest call leaves the window.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.expire(now)
	if len(l.calls) < l.maxPerMinute {
		l.calls = append(l.calls, now)
		return 0
	}
	wait := l.calls[0].Add(limiterWindow).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// expire drops calls outside the window. Must be called with mu held.
func (l *Limiter) expire(now time.Time) {
	cutoff := now.Add(-limiterWindow)
	expired := 0
	for _, t := range l.calls {
		if t.After(cutoff) {
			break
		}
		expired++
	}
	l.calls = l.calls[expired:]
}

// Stats returns the calls in the current window and the room left.
func (l *Limiter) Stats() (inWindow, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.expire(l.clock.Now())
	inWindow = len(l.calls)
	remaining = max(l.maxPerMinute-inWindow, 0)
	return inWindow, remaining
}

// limiterSet holds one limiter per rate-limited handler.
type limiterSet struct {
	clock clock.Clock
	mu    sync.Mutex
	byKey map[string]*Limiter
}

func newLimiterSet(clk clock.Clock) *limiterSet {
	return &limiterSet{clock: clk, byKey: make(map[string]*Limiter)}
}

// forHandler returns the handler's limiter, or nil when it is unlimited.
func (s *limiterSet) forHandler(d *Descriptor) *Limiter {
	if d.MaxPerMinute <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byKey[d.Name]
	if !ok {
		l = NewLimiter(d.MaxPerMinute, s.clock)
		s.byKey[d.Name] = l
	}
	return l
}
