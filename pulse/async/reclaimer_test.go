package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
)

type recordingObserver struct {
	mu        sync.Mutex
	submitted []string
	finished  []ExecutionStatus
}

func (o *recordingObserver) Submitted(queue string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, queue)
}

func (o *recordingObserver) Finished(_ string, status ExecutionStatus, _, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, status)
}

func (o *recordingObserver) statuses() []ExecutionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ExecutionStatus(nil), o.finished...)
}

// S3: a worker dies mid-job. Once its lease passes the job is failed with
// LeaseLost, retried by another worker, and the dead worker's late report
// changes nothing.
func TestReclaimExpiredLease(t *testing.T) {
	s, clk := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	job := submit(t, s, SubmitRequest{TimeoutSeconds: 10, ResourceKey: "printer"})
	dead := claimOne(t, s, DefaultQueue)
	require.Equal(t, time.Minute, dead.Lease)

	obs := &recordingObserver{}
	woken := 0
	r := NewReclaimer(s, time.Second, time.Minute, obs, func() { woken++ }, zap.NewNop().Sugar())

	t.Log("Lease still valid: nothing to reclaim")
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(61 * time.Second)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, woken)
	assert.Equal(t, []ExecutionStatus{ExecutionFailed}, obs.statuses())

	reclaimed := getJobT(t, s, job.ID)
	assert.Equal(t, JobStatusScheduled, reclaimed.Status)
	assert.Equal(t, 1, reclaimed.RetryCount)
	assert.Empty(t, reclaimed.LockedBy)

	locks, err := s.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks, "reclaiming releases the resource lock")

	execs, _, err := s.ListExecutions(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, KindLeaseLost, execs[0].ErrorKind)

	t.Log("Another worker picks the job up after backoff")
	clk.Advance(2 * time.Minute)
	claims, err := s.Claim(ctx, DefaultQueue, "worker-b", 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, 2, claims[0].ExecutionNumber)

	late := complete(t, s, dead)
	assert.False(t, late.Applied, "the dead worker no longer owns the job")

	res := complete(t, s, claims[0])
	assert.True(t, res.Applied)
	assert.Equal(t, JobStatusCompleted, res.Job.Status)
}

func TestReclaimLosesToRenewal(t *testing.T) {
	s, clk := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	submit(t, s, SubmitRequest{TimeoutSeconds: 10})
	c := claimOne(t, s, DefaultQueue)

	clk.Advance(50 * time.Second)
	_, err := s.RenewLease(ctx, c.Job.ID, c.WorkerID, c.Lease)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	reclaimed, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "renewed lease is still valid")
	assert.True(t, complete(t, s, c).Applied)
}

func TestRenewLeaseAfterLoss(t *testing.T) {
	s, clk := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	submit(t, s, SubmitRequest{TimeoutSeconds: 10})
	c := claimOne(t, s, DefaultQueue)

	clk.Advance(2 * time.Minute)
	_, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)

	_, err = s.RenewLease(ctx, c.Job.ID, c.WorkerID, c.Lease)
	assert.True(t, errors.Is(err, ErrLeaseLost))
}

func TestReclaimerMarksSilentWorkers(t *testing.T) {
	s, clk := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	_, err := s.RegisterWorker(ctx, "quiet", "")
	require.NoError(t, err)
	_, err = s.RegisterWorker(ctx, "chatty", "default")
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, "chatty", 2, 12.5))

	r := NewReclaimer(s, 0, 30*time.Second, nil, nil, zap.NewNop().Sugar())
	_, err = r.Sweep(ctx)
	require.NoError(t, err)

	quiet, err := s.GetWorker(ctx, "quiet")
	require.NoError(t, err)
	assert.Equal(t, WorkerCrashed, quiet.Status)

	chatty, err := s.GetWorker(ctx, "chatty")
	require.NoError(t, err)
	assert.Equal(t, WorkerBusy, chatty.Status)
	assert.InDelta(t, 12.5, chatty.MemoryUsedPercent, 0.001)
	assert.True(t, chatty.IsLive(clk.Now(), 30*time.Second))
}
