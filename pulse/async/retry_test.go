package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyBackoff(t *testing.T) {
	p := NewRetryPolicy(7)
	base := 10 * time.Second

	for attempt := 1; attempt <= 12; attempt++ {
		nominal := min(base*time.Duration(1<<(attempt-1)), MaxRetryDelay)
		lo := time.Duration(float64(nominal) * 0.8)
		hi := time.Duration(float64(nominal) * 1.2)

		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt, base)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			assert.Less(t, d, hi, "attempt %d", attempt)
		}
	}

	huge := p.Backoff(1000, base)
	assert.LessOrEqual(t, huge, time.Duration(float64(MaxRetryDelay)*1.2), "overflowing exponents stay capped")
}

func TestRetryPolicyDeterministicWithSeed(t *testing.T) {
	a, b := NewRetryPolicy(99), NewRetryPolicy(99)
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, a.Backoff(attempt, time.Second), b.Backoff(attempt, time.Second))
	}
}

func TestRetryPolicyNext(t *testing.T) {
	p := NewRetryPolicy(1)

	_, ok := p.Next(1, time.Second, 3, KindRetryable)
	assert.True(t, ok)
	_, ok = p.Next(3, time.Second, 3, KindTimeout)
	assert.True(t, ok, "the last allowed retry")
	_, ok = p.Next(4, time.Second, 3, KindRetryable)
	assert.False(t, ok, "retries exhausted")
	_, ok = p.Next(1, time.Second, 3, KindNonRetryable)
	assert.False(t, ok)
	_, ok = p.Next(1, time.Second, 0, KindLeaseLost)
	assert.False(t, ok, "max_retries 0 never retries")
}
