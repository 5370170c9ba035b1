package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsed/errors"
)

func TestQueueLifecycle(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	q, err := s.CreateQueue(ctx, QueueSpec{Name: "media", Description: "transcodes"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConcurrentJobs, q.MaxConcurrentJobs)
	assert.Equal(t, QueueActive, q.Status)

	_, err = s.CreateQueue(ctx, QueueSpec{Name: "media"})
	assert.True(t, errors.Is(err, errors.ErrConflict))

	q, err = s.UpdateQueue(ctx, QueueSpec{Name: "media", Description: "video", MaxConcurrentJobs: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, q.MaxConcurrentJobs)
	assert.Equal(t, "video", q.Description)

	_, err = s.UpdateQueue(ctx, QueueSpec{Name: "media", MaxConcurrentJobs: 0})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = s.UpdateQueue(ctx, QueueSpec{Name: "nowhere", MaxConcurrentJobs: 1})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = s.SetQueueStatus(ctx, "media", "sleeping")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	q, err = s.SetQueueStatus(ctx, "media", QueuePaused)
	require.NoError(t, err)
	assert.Equal(t, QueuePaused, q.Status)

	_, err = s.CreateQueue(ctx, QueueSpec{Name: "alpha", MaxConcurrentJobs: 1})
	require.NoError(t, err)
	all, err := s.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)

	_, err = s.GetQueue(ctx, "nowhere")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestQueueAverages(t *testing.T) {
	s, clk := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	submit(t, s, SubmitRequest{})
	clk.Advance(2 * time.Second)
	c := claimOne(t, s, DefaultQueue)
	assert.Equal(t, 2*time.Second, c.Wait)

	_, err := s.Complete(ctx, Outcome{JobID: c.Job.ID, ExecutionID: c.ExecutionID, WorkerID: c.WorkerID, Duration: 500 * time.Millisecond})
	require.NoError(t, err)

	q, err := s.GetQueue(ctx, DefaultQueue)
	require.NoError(t, err)
	assert.InDelta(t, 2000, q.AvgWaitMS, 0.001, "first sample seeds the average")
	assert.InDelta(t, 500, q.AvgProcessMS, 0.001)
	assert.Zero(t, q.CurrentJobs)

	submit(t, s, SubmitRequest{})
	c = claimOne(t, s, DefaultQueue)
	fail(t, s, c, NonRetryable(errors.New("nope")))

	q, err = s.GetQueue(ctx, DefaultQueue)
	require.NoError(t, err)
	assert.InDelta(t, 2000*0.9, q.AvgWaitMS, 0.001)
	assert.InDelta(t, 500*0.9+10*0.1, q.AvgProcessMS, 0.001)
	assert.EqualValues(t, 1, q.TotalProcessed)
	assert.EqualValues(t, 1, q.TotalFailed)
}

func TestResourceLockSerializesJobs(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	first := submit(t, s, SubmitRequest{ResourceKey: "account:42"})
	second := submit(t, s, SubmitRequest{ResourceKey: "account:42"})
	other := submit(t, s, SubmitRequest{ResourceKey: "account:7"})

	claims := claimAll(t, s, DefaultQueue, 10)
	var got []string
	for _, c := range claims {
		got = append(got, c.Job.ID)
	}
	assert.ElementsMatch(t, []string{first.ID, other.ID}, got, "one holder per key")

	locks, err := s.ListLocks(ctx)
	require.NoError(t, err)
	assert.Len(t, locks, 2)

	assert.Empty(t, claimAll(t, s, DefaultQueue, 10), "the second job waits for the key")

	for _, c := range claims {
		if c.Job.ID == first.ID {
			complete(t, s, c)
		}
	}
	c := claimOne(t, s, DefaultQueue)
	assert.Equal(t, second.ID, c.Job.ID)
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	s, clk := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	submit(t, s, SubmitRequest{ResourceKey: "nightly", TimeoutSeconds: 10})
	claimOne(t, s, DefaultQueue)

	clk.Advance(2 * time.Minute)
	n, err := s.ReleaseExpiredLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second := submit(t, s, SubmitRequest{ResourceKey: "nightly"})
	c := claimOne(t, s, DefaultQueue)
	assert.Equal(t, second.ID, c.Job.ID)
}

func TestWorkerRegistry(t *testing.T) {
	s, _ := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	id := NewWorkerID()
	w, err := s.RegisterWorker(ctx, id, "default,mail")
	require.NoError(t, err)
	assert.Equal(t, WorkerIdle, w.Status)
	assert.Equal(t, "default,mail", w.QueueName)
	assert.Positive(t, w.PID)

	assert.True(t, errors.Is(s.Heartbeat(ctx, "ghost", 0, 0), errors.ErrNotFound))

	require.NoError(t, s.StopWorker(ctx, id))
	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, WorkerStopped, workers[0].Status)

	w, err = s.RegisterWorker(ctx, id, "default")
	require.NoError(t, err)
	assert.Equal(t, WorkerIdle, w.Status, "re-registering revives the row")
}
