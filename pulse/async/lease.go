package async

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/clock"
)

// maxRenewFailures is how many renewals in a row may fail before a worker
// gives the job up as lost.
const maxRenewFailures = 3

// RenewLease pushes expires_at of a job this worker owns to now+lease and
// reports whether an operator has asked the job to stop. ErrLeaseLost means
// the worker no longer owns the job.
func (s *Store) RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration) (bool, error) {
	var cancelRequested bool
	err := s.WithTx(ctx, "renew lease", func(tx *sqlx.Tx) error {
		expires := clock.Millis(s.now().Add(lease))
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE jobs SET expires_at = ?
			WHERE id = ? AND status = 'running' AND locked_by = ?`),
			expires, jobID, workerID)
		if err != nil {
			return errors.Wrap(err, "failed to renew lease")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(ErrLeaseLost, "job %s is not owned by %s", jobID, workerID)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE job_locks SET expires_at = ? WHERE job_id = ?`), expires, jobID); err != nil {
			return errors.Wrap(err, "failed to renew resource lock")
		}
		var flag int
		if err := tx.GetContext(ctx, &flag, tx.Rebind(`SELECT cancel_requested FROM jobs WHERE id = ?`), jobID); err != nil {
			return errors.Wrap(err, "failed to read cancel flag")
		}
		cancelRequested = flag != 0
		return nil
	})
	return cancelRequested, err
}

// renewer keeps one claimed job's lease alive while its handler runs.
type renewer struct {
	store  *Store
	claim  *ClaimedJob
	jc     *JobContext
	cancel context.CancelFunc
	logger *zap.SugaredLogger

	lost atomic.Bool
}

func newRenewer(store *Store, claim *ClaimedJob, jc *JobContext, cancel context.CancelFunc, log *zap.SugaredLogger) *renewer {
	r := &renewer{store: store, claim: claim, jc: jc, cancel: cancel, logger: log}
	jc.renew = r.renewOnce
	return r
}

// renewOnce extends the lease a single time and applies what it learns.
func (r *renewer) renewOnce(ctx context.Context) error {
	cancelRequested, err := r.store.RenewLease(ctx, r.claim.Job.ID, r.claim.WorkerID, r.claim.Lease)
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			r.markLost()
		}
		return err
	}
	if cancelRequested && !r.jc.cancelRequested.Swap(true) {
		r.logger.Infow("Cancel requested, stopping handler", logger.FieldJobID, r.claim.Job.ID)
		r.cancel()
	}
	return nil
}

// run renews every half lease until ctx ends. A failed renewal is retried
// with a short backoff so the whole run of failures fits inside the lease;
// maxRenewFailures in a row count as losing it.
func (r *renewer) run(ctx context.Context) {
	interval := r.claim.Lease / 2
	maxRetry := max(interval/maxRenewFailures, time.Millisecond)
	clk := r.store.Clock()
	wait := interval
	retry := storeRetryBackoff
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(wait):
		}
		err := r.renewOnce(ctx)
		switch {
		case err == nil:
			failures = 0
			wait, retry = interval, storeRetryBackoff
		case r.lost.Load():
			return
		case ctx.Err() != nil:
			return
		default:
			failures++
			r.logger.Warnw("Lease renewal failed",
				logger.FieldJobID, r.claim.Job.ID,
				"failures", failures,
				logger.FieldError, err,
			)
			if failures >= maxRenewFailures {
				r.markLost()
				return
			}
			wait = min(retry, maxRetry)
			retry *= 2
		}
	}
}

func (r *renewer) markLost() {
	if r.lost.Swap(true) {
		return
	}
	r.logger.Warnw("Lease lost, abandoning handler",
		logger.FieldJobID, r.claim.Job.ID,
		logger.FieldWorkerID, r.claim.WorkerID,
	)
	r.cancel()
}
