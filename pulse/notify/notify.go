// Package notify carries dispatcher wake-ups. A wake is only a hint that a
// queue may have runnable work; losing one costs at most one poll interval,
// so every implementation may drop messages.
package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Notifier publishes and delivers queue wake-ups.
type Notifier interface {
	// Publish announces that queue may have runnable work.
	Publish(ctx context.Context, queue string) error
	// Listen calls fn for every wake until ctx ends.
	Listen(ctx context.Context, fn func(queue string)) error
	Close() error
}

// Local delivers wakes to listeners in the same process.
type Local struct {
	mu        sync.Mutex
	listeners map[int]chan string
	next      int
	closed    bool
}

// NewLocal creates an in-process notifier.
func NewLocal() *Local {
	return &Local{listeners: make(map[int]chan string)}
}

func (l *Local) Publish(_ context.Context, queue string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.listeners {
		select {
		case ch <- queue:
		default:
		}
	}
	return nil
}

func (l *Local) Listen(ctx context.Context, fn func(queue string)) error {
	ch := make(chan string, 16)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	id := l.next
	l.next++
	l.listeners[id] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case q, ok := <-ch:
			if !ok {
				return nil
			}
			fn(q)
		}
	}
}

// Close ends every Listen call.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for id, ch := range l.listeners {
		close(ch)
		delete(l.listeners, id)
	}
	return nil
}

// Limited drops publishes beyond perSecond so a burst of submissions does
// not flood the transport.
type Limited struct {
	Notifier
	limiter *rate.Limiter
}

// WithRateLimit wraps n. A non-positive rate returns n unchanged.
func WithRateLimit(n Notifier, perSecond float64, burst int) Notifier {
	if perSecond <= 0 {
		return n
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{Notifier: n, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Publish(ctx context.Context, queue string) error {
	if !l.limiter.Allow() {
		return nil
	}
	return l.Notifier.Publish(ctx, queue)
}
