package async

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// MaxRetryDelay caps the exponential part of the backoff.
const MaxRetryDelay = time.Hour

// RetryPolicy computes the delay before the next attempt:
// min(base * 2^(k-1), 1h) scaled by a jitter factor in [0.8, 1.2).
type RetryPolicy struct {
	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetryPolicy returns a policy seeded from seed. Tests pin the seed.
func NewRetryPolicy(seed int64) *RetryPolicy {
	return &RetryPolicy{rand: rand.New(rand.NewSource(seed))}
}

// Next decides what follows failed attempt k (1-based).
// It returns ok=false when the job should be marked Failed.
func (p *RetryPolicy) Next(attempt int, base time.Duration, maxRetries int, kind ErrorKind) (time.Duration, bool) {
	if !IsRetryableKind(kind) || attempt > maxRetries {
		return 0, false
	}
	return p.Backoff(attempt, base), true
}

// Backoff returns the jittered delay for attempt k.
func (p *RetryPolicy) Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(MaxRetryDelay)
	if attempt <= 32 {
		delay = math.Min(float64(base)*math.Pow(2, float64(attempt-1)), float64(MaxRetryDelay))
	}
	return time.Duration(delay * p.jitter())
}

func (p *RetryPolicy) jitter() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return 0.8 + 0.4*p.rand.Float64()
}
