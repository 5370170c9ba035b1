package async

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/clock"
)

var limiterEpoch = time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC)

func TestLimiterAtLimit(t *testing.T) {
	clk := clock.NewFake(limiterEpoch)
	l := NewLimiter(10, clk)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow(), "call %d", i+1)
		clk.Advance(time.Second)
	}
	err := l.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	inWindow, remaining := l.Stats()
	assert.Equal(t, 10, inWindow)
	assert.Equal(t, 0, remaining)
}

func TestLimiterSlidingWindow(t *testing.T) {
	clk := clock.NewFake(limiterEpoch)
	l := NewLimiter(3, clk)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow())
		clk.Advance(10 * time.Second)
	}
	// Calls at 0s, 10s, 20s; now 30s.
	assert.Error(t, l.Allow())

	clk.Advance(30 * time.Second)
	// The 0s call is exactly one window old and no longer counts.
	assert.NoError(t, l.Allow())
	assert.Error(t, l.Allow())

	clk.Advance(10 * time.Second)
	assert.NoError(t, l.Allow(), "the 10s call expired")

	inWindow, remaining := l.Stats()
	assert.Equal(t, 3, inWindow)
	assert.Equal(t, 0, remaining)
}

func TestLimiterWaitReleasesWhenWindowSlides(t *testing.T) {
	clk := clock.NewFake(limiterEpoch)
	l := NewLimiter(1, clk)
	require.NoError(t, l.Allow())

	done := make(chan error, 1)
	go func() { done <- l.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned while the window was full")
	case <-time.After(20 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		clk.Advance(time.Minute)
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := NewLimiter(1, clock.NewFake(limiterEpoch))
	require.NoError(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}

func TestLimiterConcurrentAllow(t *testing.T) {
	l := NewLimiter(50, clock.NewFake(limiterEpoch))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow() == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, admitted)
}

func TestRuntimeRateLimitedHandlerTimesOut(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{})
	reg := NewRegistry()
	calls := 0
	reg.Register(Descriptor{
		Name:           "metered",
		MaxPerMinute:   1,
		DefaultTimeout: 30 * time.Millisecond,
		Func: func(ctx context.Context, jc *JobContext) (json.RawMessage, error) {
			calls++
			return nil, nil
		},
	})
	rt := newTestRuntime(s, reg)

	out, report := rt.Execute(context.Background(), detachedClaim("metered"))
	require.True(t, report)
	require.NoError(t, out.Err)

	// The fake clock never advances, so the second start waits out its timeout.
	out, report = rt.Execute(context.Background(), detachedClaim("metered"))
	require.True(t, report)
	assert.Equal(t, KindTimeout, out.Kind)
	assert.Equal(t, 1, calls)
}
