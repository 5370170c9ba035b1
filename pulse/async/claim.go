package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/clock"
)

// claimLockSlack widens the candidate scan so jobs blocked on a held
// resource key do not starve the batch.
const claimLockSlack = 32

// ClaimedJob is a job this worker now owns until its lease expires.
type ClaimedJob struct {
	Job             *Job
	ExecutionID     string
	ExecutionNumber int
	WorkerID        string
	Lease           time.Duration
	// Wait is how long the job was due before it was claimed.
	Wait time.Duration
}

// Claim atomically moves up to limit due jobs of queue to Running for
// workerID, in (priority desc, next_run_at asc, id asc) order.
//
// The queue row is written first, so concurrent claims on the same queue
// serialize on it (a row lock on Postgres, the write lock on SQLite) and the
// admission count below is exact. Claims never exceed
// max_concurrent_jobs minus the jobs already running in the queue; paused
// and stopped queues claim nothing.
func (s *Store) Claim(ctx context.Context, queue, workerID string, limit int) ([]*ClaimedJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []*ClaimedJob
	err := s.WithTx(ctx, "claim", func(tx *sqlx.Tx) error {
		claimed = claimed[:0]
		now := s.now()
		nowMS := clock.Millis(now)

		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE job_queues SET updated_at = ? WHERE name = ?`), nowMS, queue)
		if err != nil {
			return errors.Wrap(err, "failed to lock queue")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		var q struct {
			Status string `db:"status"`
			Max    int    `db:"max_concurrent_jobs"`
		}
		if err := tx.GetContext(ctx, &q, tx.Rebind(`SELECT status, max_concurrent_jobs FROM job_queues WHERE name = ?`), queue); err != nil {
			return errors.Wrap(err, "failed to read queue")
		}
		if QueueStatus(q.Status) != QueueActive {
			return nil
		}

		var running int
		if err := tx.GetContext(ctx, &running, tx.Rebind(`SELECT COUNT(*) FROM jobs WHERE queue = ? AND status = 'running'`), queue); err != nil {
			return errors.Wrap(err, "failed to count running jobs")
		}
		capacity := min(limit, q.Max-running)
		if capacity <= 0 {
			return nil
		}

		var candidates []struct {
			ID             string         `db:"id"`
			ResourceKey    sql.NullString `db:"resource_key"`
			TimeoutSeconds int            `db:"timeout_seconds"`
			NextRunAt      int64          `db:"next_run_at"`
		}
		err = tx.SelectContext(ctx, &candidates, tx.Rebind(`
			SELECT id, resource_key, timeout_seconds, next_run_at
			FROM jobs j
			WHERE queue = ?
			  AND status IN ('pending', 'scheduled')
			  AND next_run_at <= ?
			  AND NOT EXISTS (
				SELECT 1 FROM job_dependencies d
				WHERE d.job_id = j.id AND d.satisfied = 0
			  )
			ORDER BY priority DESC, next_run_at ASC, id ASC
			LIMIT ?`), queue, nowMS, capacity+claimLockSlack)
		if err != nil {
			return errors.Wrap(err, "failed to select claimable jobs")
		}

		for _, c := range candidates {
			if len(claimed) >= capacity {
				break
			}
			lease := LeaseFor(time.Duration(c.TimeoutSeconds) * time.Second)
			expires := now.Add(lease)

			if c.ResourceKey.Valid && c.ResourceKey.String != "" {
				ok, err := acquireLock(ctx, tx, c.ResourceKey.String, c.ID, workerID, now, expires)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
			}

			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE jobs
				SET status = 'running', locked_by = ?, locked_at = ?, expires_at = ?,
					run_count = run_count + 1, updated_at = ?
				WHERE id = ? AND status IN ('pending', 'scheduled')`),
				workerID, nowMS, clock.Millis(expires), nowMS, c.ID)
			if err != nil {
				return errors.Wrapf(err, "failed to claim job %s", c.ID)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				if c.ResourceKey.Valid {
					if err := releaseLocks(ctx, tx, c.ID); err != nil {
						return err
					}
				}
				continue
			}

			job, err := getJob(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			execID, number, err := startExecution(ctx, tx, job, workerID, now)
			if err != nil {
				return err
			}
			wait := max(now.Sub(clock.FromMillis(c.NextRunAt)), 0)
			if err := recordQueueWait(ctx, tx, queue, wait); err != nil {
				return err
			}
			claimed = append(claimed, &ClaimedJob{
				Job:             job,
				ExecutionID:     execID,
				ExecutionNumber: number,
				WorkerID:        workerID,
				Lease:           lease,
				Wait:            wait,
			})
		}

		if len(claimed) == 0 {
			return nil
		}
		return refreshQueueGauge(ctx, tx, queue, now)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// startExecution records attempt run_count of job as Running.
func startExecution(ctx context.Context, tx *sqlx.Tx, job *Job, workerID string, now time.Time) (string, int, error) {
	var last struct {
		ID     string `db:"id"`
		Number int    `db:"execution_number"`
	}
	err := tx.GetContext(ctx, &last, tx.Rebind(`
		SELECT id, execution_number FROM job_executions
		WHERE job_id = ? ORDER BY execution_number DESC LIMIT 1`), job.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", 0, errors.Wrap(err, "failed to read last execution")
	}

	// A retry links back to the attempt it repeats; a fresh occurrence of
	// a recurring job does not.
	var retryOf sql.NullString
	if job.RetryCount > 0 && last.ID != "" {
		retryOf = sql.NullString{String: last.ID, Valid: true}
	}

	id := NewID()
	number := last.Number + 1
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO job_executions (id, job_id, execution_number, started_at, status, retry_of, retry_number, worker_id)
		VALUES (?, ?, ?, ?, 'running', ?, ?, ?)`),
		id, job.ID, number, clock.Millis(now), retryOf, job.RetryCount, workerID)
	if err != nil {
		return "", 0, errors.Wrapf(err, "failed to record execution %d of job %s", number, job.ID)
	}
	return id, number, nil
}

// LeaseFor derives a lease from a handler timeout: max(60s, 2*timeout),
// capped at one hour.
func LeaseFor(timeout time.Duration) time.Duration {
	const (
		minLease = time.Minute
		maxLease = time.Hour
	)
	return min(max(minLease, 2*timeout), maxLease)
}
