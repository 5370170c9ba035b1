package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// listen starts n.Listen and returns a channel of received queues once the
// listener is registered.
func listen(t *testing.T, n Notifier, ready func() bool) (<-chan string, context.CancelFunc) {
	t.Helper()
	got := make(chan string, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Listen(ctx, func(q string) { got <- q })
	}()
	require.Eventually(t, ready, 5*time.Second, 10*time.Millisecond)
	return got, func() {
		cancel()
		<-done
	}
}

func localReady(l *Local, want int) func() bool {
	return func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.listeners) == want
	}
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case q := <-ch:
		return q
	case <-time.After(5 * time.Second):
		t.Fatal("no wake received")
		return ""
	}
}

func TestLocalFanOut(t *testing.T) {
	l := NewLocal()
	a, stopA := listen(t, l, localReady(l, 1))
	defer stopA()
	b, stopB := listen(t, l, localReady(l, 2))
	defer stopB()

	require.NoError(t, l.Publish(context.Background(), "reports"))
	assert.Equal(t, "reports", receive(t, a))
	assert.Equal(t, "reports", receive(t, b))
}

func TestLocalListenerRemovedOnCancel(t *testing.T) {
	l := NewLocal()
	_, stop := listen(t, l, localReady(l, 1))
	stop()
	assert.True(t, localReady(l, 0)())
	require.NoError(t, l.Publish(context.Background(), "q"))
}

func TestLocalClose(t *testing.T) {
	l := NewLocal()
	_, stop := listen(t, l, localReady(l, 1))
	require.NoError(t, l.Close())
	stop()

	assert.NoError(t, l.Listen(context.Background(), func(string) {}), "listen after close returns at once")
	assert.NoError(t, l.Close())
}

func TestRateLimitDropsBurst(t *testing.T) {
	l := NewLocal()
	got, stop := listen(t, l, localReady(l, 1))
	defer stop()

	n := WithRateLimit(l, 0.001, 2)
	for i := 0; i < 5; i++ {
		require.NoError(t, n.Publish(context.Background(), "q"))
	}
	receive(t, got)
	receive(t, got)
	select {
	case <-got:
		t.Fatal("publishes past the burst should be dropped")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Same(t, l, WithRateLimit(l, 0, 0))
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("PULSED_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PULSED_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	r := NewRedis(client, "pulsed:test:"+t.Name(), zap.NewNop().Sugar())
	require.NoError(t, r.Ping(context.Background()))

	subscribed := func() bool {
		n, err := client.PubSubNumSub(context.Background(), r.channel).Result()
		return err == nil && n[r.channel] > 0
	}
	got, stop := listen(t, r, subscribed)
	defer stop()

	require.NoError(t, r.Publish(context.Background(), "reports"))
	assert.Equal(t, "reports", receive(t, got))
}
