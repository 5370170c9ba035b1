package async

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pulsedtest "github.com/teranos/pulsed/internal/testing"
	"github.com/teranos/pulsed/pulse/clock"
)

// epoch is the fake clock start used across the package tests.
var epoch = time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC)

const testWorker = "worker-a"

// newTestStore returns a store on a fresh in-memory database driven by a
// fake clock and a pinned retry seed.
func newTestStore(t *testing.T, cfg StoreConfig) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	if cfg.Clock == nil {
		cfg.Clock = clk
	}
	if cfg.Policy == nil {
		cfg.Policy = NewRetryPolicy(42)
	}
	return NewStore(pulsedtest.CreateTestDB(t), cfg, zap.NewNop().Sugar()), clk
}

func submit(t *testing.T, s *Store, req SubmitRequest) *Job {
	t.Helper()
	if req.Handler == "" {
		req.Handler = "test.noop"
	}
	job, err := s.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func claimAll(t *testing.T, s *Store, queue string, limit int) []*ClaimedJob {
	t.Helper()
	claims, err := s.Claim(context.Background(), queue, testWorker, limit)
	require.NoError(t, err)
	return claims
}

func claimOne(t *testing.T, s *Store, queue string) *ClaimedJob {
	t.Helper()
	claims := claimAll(t, s, queue, 1)
	require.Len(t, claims, 1, "expected one claimable job in %s", queue)
	return claims[0]
}

func complete(t *testing.T, s *Store, c *ClaimedJob) *FinishResult {
	t.Helper()
	res, err := s.Complete(context.Background(), Outcome{
		JobID:       c.Job.ID,
		ExecutionID: c.ExecutionID,
		WorkerID:    c.WorkerID,
		Result:      json.RawMessage(`{"ok":true}`),
		Duration:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	return res
}

func fail(t *testing.T, s *Store, c *ClaimedJob, err error) *FinishResult {
	t.Helper()
	res, ferr := s.Fail(context.Background(), Outcome{
		JobID:       c.Job.ID,
		ExecutionID: c.ExecutionID,
		WorkerID:    c.WorkerID,
		Err:         err,
		Duration:    10 * time.Millisecond,
	})
	require.NoError(t, ferr)
	return res
}

func getJobT(t *testing.T, s *Store, id string) *Job {
	t.Helper()
	job, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

