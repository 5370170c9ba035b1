package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/calendar"
	"github.com/teranos/pulsed/pulse/clock"
)

// Outcome reports how one execution ended.
type Outcome struct {
	JobID       string
	ExecutionID string
	WorkerID    string
	Result      []byte
	// Err is nil for a successful execution.
	Err  error
	Kind ErrorKind
	// Stack overrides the trace derived from Err.
	Stack    string
	Duration time.Duration

	// onlyIfExpired makes the outcome apply only while the job's lease has
	// passed; lease reclamation uses it to lose races with a renewal.
	onlyIfExpired bool
}

// FinishResult describes what an outcome did to its job.
type FinishResult struct {
	// Applied is false when the execution was already finished or the
	// worker no longer owned the job; nothing was written.
	Applied   bool
	Job       *Job
	Execution ExecutionStatus
	// RetryIn is set when the job was rescheduled after a failure.
	RetryIn time.Duration
}

// Complete records a successful execution. Reporting the same execution
// twice is a no-op.
func (s *Store) Complete(ctx context.Context, o Outcome) (*FinishResult, error) {
	o.Err = nil
	o.Kind = ""
	return s.finish(ctx, "complete", o)
}

// Fail records a failed execution and applies the retry policy.
func (s *Store) Fail(ctx context.Context, o Outcome) (*FinishResult, error) {
	if o.Err == nil {
		o.Err = errors.New("execution failed")
	}
	if o.Kind == "" {
		o.Kind = DefaultClassify(o.Err)
	}
	return s.finish(ctx, "fail", o)
}

func (s *Store) finish(ctx context.Context, op string, o Outcome) (*FinishResult, error) {
	var result *FinishResult
	err := s.WithTx(ctx, op, func(tx *sqlx.Tx) error {
		result = &FinishResult{}
		now := s.now()

		job, err := getJob(ctx, tx, o.JobID)
		if err != nil {
			return err
		}
		if job.Status != JobStatusRunning || job.LockedBy != o.WorkerID {
			return nil
		}
		if o.onlyIfExpired && (job.ExpiresAt == nil || !job.ExpiresAt.Before(now)) {
			return nil
		}

		var exec struct {
			StartedAt int64 `db:"started_at"`
		}
		err = tx.GetContext(ctx, &exec, tx.Rebind(`
			SELECT started_at FROM job_executions
			WHERE id = ? AND job_id = ? AND status = 'running'`), o.ExecutionID, o.JobID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read execution")
		}
		duration := o.Duration
		if duration <= 0 {
			duration = now.Sub(clock.FromMillis(exec.StartedAt))
		}

		next := s.nextState(job, o, now)
		result.Execution = next.execution
		result.RetryIn = next.retryIn

		// The execution row is the ownership token: whoever flips it out of
		// running first owns this outcome.
		var resultText, errMsg, errStack, errKind sql.NullString
		if len(o.Result) > 0 {
			resultText = sql.NullString{String: string(o.Result), Valid: true}
		}
		if o.Err != nil {
			errMsg = nullString(o.Err.Error())
			stack := o.Stack
			if stack == "" {
				stack = errorStack(o.Err)
			}
			errStack = nullString(stack)
			errKind = nullString(string(o.Kind))
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE job_executions
			SET status = ?, completed_at = ?, duration_ms = ?, result = ?,
				error_message = ?, error_stack = ?, error_kind = ?
			WHERE id = ? AND status = 'running'`),
			string(next.execution), clock.Millis(now), duration.Milliseconds(), resultText,
			errMsg, errStack, errKind, o.ExecutionID)
		if err != nil {
			return errors.Wrapf(err, "failed to finish execution %s", o.ExecutionID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		avg := float64(duration.Milliseconds())
		if job.AvgDurationMS != nil && job.RunCount > 1 {
			avg = (*job.AvgDurationMS*float64(job.RunCount-1) + avg) / float64(job.RunCount)
		}

		var completedAt sql.NullInt64
		if next.status.IsTerminal() {
			completedAt = sql.NullInt64{Int64: clock.Millis(now), Valid: true}
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE jobs
			SET status = ?, next_run_at = ?, retry_count = ?,
				success_count = ?, failure_count = ?, consecutive_failures = ?,
				last_error = ?, last_duration_ms = ?, avg_duration_ms = ?,
				cancel_reason = ?, cancel_requested = 0,
				locked_by = NULL, locked_at = NULL, expires_at = NULL,
				completed_at = ?, updated_at = ?
			WHERE id = ?`),
			string(next.status), clock.Millis(next.nextRunAt), next.retryCount,
			next.successCount, next.failureCount, next.consecutive,
			nullString(next.lastError), duration.Milliseconds(), avg,
			nullString(next.cancelReason),
			completedAt, clock.Millis(now), job.ID)
		if err != nil {
			return errors.Wrapf(err, "failed to update job %s", job.ID)
		}

		if err := releaseLocks(ctx, tx, job.ID); err != nil {
			return err
		}
		succeeded := next.execution == ExecutionCompleted
		if err := recordQueueOutcome(ctx, tx, job.Queue, !succeeded, duration, now); err != nil {
			return err
		}
		if err := recordWorkerOutcome(ctx, tx, o.WorkerID, succeeded); err != nil {
			return err
		}

		job, err = getJob(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			if err := s.onTerminal(ctx, tx, job, now); err != nil {
				return err
			}
		}

		result.Applied = true
		result.Job = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Applied {
		s.logOutcome(result, o)
	}
	return result, nil
}

// jobState is the row a finished execution leaves behind.
type jobState struct {
	status       JobStatus
	execution    ExecutionStatus
	nextRunAt    time.Time
	retryCount   int
	retryIn      time.Duration
	successCount int
	failureCount int
	consecutive  int
	lastError    string
	cancelReason string
}

func (s *Store) nextState(job *Job, o Outcome, now time.Time) jobState {
	st := jobState{
		status:       job.Status,
		nextRunAt:    job.NextRunAt,
		retryCount:   job.RetryCount,
		successCount: job.SuccessCount,
		failureCount: job.FailureCount,
		consecutive:  job.ConsecutiveFailures,
		lastError:    job.LastError,
	}

	if job.CancelRequested || o.Kind == KindCancelled {
		reason := job.CancelReason
		if reason == "" {
			reason = "cancelled"
		}
		st.status = JobStatusCancelled
		st.execution = ExecutionCancelled
		st.cancelReason = reason
		st.lastError = reason
		return st
	}

	if o.Err == nil {
		st.execution = ExecutionCompleted
		st.successCount++
		st.consecutive = 0
		st.lastError = ""
		st.status = JobStatusCompleted
		if at, ok := s.nextOccurrence(job, now); ok {
			st.status = JobStatusScheduled
			st.retryCount = 0
			st.nextRunAt = at
		}
		return st
	}

	st.execution = executionStatusFor(o.Kind)
	st.failureCount++
	st.consecutive++
	st.lastError = o.Err.Error()

	if job.IsRecurring() && s.breaker > 0 && st.consecutive >= s.breaker {
		st.status = JobStatusPaused
		return st
	}

	if delay, ok := s.policy.Next(job.RetryCount+1, time.Duration(job.RetryDelaySeconds)*time.Second, job.MaxRetries, o.Kind); ok {
		st.status = JobStatusScheduled
		st.retryCount = job.RetryCount + 1
		st.retryIn = delay
		st.nextRunAt = now.Add(delay)
		return st
	}

	st.status = JobStatusFailed
	if at, ok := s.nextOccurrence(job, now); ok {
		st.status = JobStatusScheduled
		st.retryCount = 0
		st.nextRunAt = at
	}
	return st
}

// nextOccurrence returns the following fire of a recurring job, or false
// when it has none.
func (s *Store) nextOccurrence(job *Job, now time.Time) (time.Time, bool) {
	desc, ok := job.Recurrence()
	if !ok {
		return time.Time{}, false
	}
	at, err := calendar.Next(desc, now)
	if err != nil {
		if !calendar.IsUnbounded(err) {
			s.logger.Warnw("Recurring job has no usable calendar",
				logger.FieldJobID, job.ID,
				logger.FieldError, err,
			)
		}
		return time.Time{}, false
	}
	return at, true
}

func (s *Store) logOutcome(r *FinishResult, o Outcome) {
	fields := []interface{}{
		logger.FieldJobID, r.Job.ID,
		logger.FieldExecutionID, o.ExecutionID,
		logger.FieldQueue, r.Job.Queue,
		logger.FieldStatus, r.Job.Status,
	}
	switch {
	case r.Execution == ExecutionCompleted:
		s.logger.Debugw("Execution completed", fields...)
	case r.RetryIn > 0:
		s.logger.Infow("Execution failed, retry scheduled",
			append(fields, logger.FieldErrorKind, o.Kind, logger.FieldRetryIn, r.RetryIn, logger.FieldError, o.Err)...)
	default:
		s.logger.Warnw("Execution ended",
			append(fields, logger.FieldErrorKind, o.Kind, logger.FieldError, o.Err)...)
	}
}

// ReclaimExpired fails every Running job whose lease has passed with a
// synthetic LeaseLost error, releasing it to the retry policy. Each job is
// reclaimed in its own transaction.
func (s *Store) ReclaimExpired(ctx context.Context) ([]*FinishResult, error) {
	var stale []struct {
		ID       string         `db:"id"`
		LockedBy sql.NullString `db:"locked_by"`
	}
	err := s.db.SelectContext(ctx, &stale, s.db.Rebind(`
		SELECT id, locked_by FROM jobs
		WHERE status = 'running' AND expires_at < ?
		ORDER BY expires_at`), clock.Millis(s.now()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to find expired leases")
	}

	var reclaimed []*FinishResult
	for _, j := range stale {
		var execID string
		err := s.db.GetContext(ctx, &execID, s.db.Rebind(`
			SELECT id FROM job_executions
			WHERE job_id = ? AND status = 'running'
			ORDER BY execution_number DESC LIMIT 1`), j.ID)
		if errors.Is(err, sql.ErrNoRows) {
			if err := s.requeueOrphan(ctx, j.ID); err != nil {
				return reclaimed, err
			}
			continue
		}
		if err != nil {
			return reclaimed, errors.Wrap(err, "failed to find running execution")
		}

		res, err := s.finish(ctx, "reclaim", Outcome{
			JobID:         j.ID,
			ExecutionID:   execID,
			WorkerID:      j.LockedBy.String,
			Err:           ErrLeaseLost,
			Kind:          KindLeaseLost,
			onlyIfExpired: true,
		})
		if err != nil {
			return reclaimed, err
		}
		if res.Applied {
			reclaimed = append(reclaimed, res)
		}
	}
	return reclaimed, nil
}

// requeueOrphan puts back a Running job that has no execution record.
func (s *Store) requeueOrphan(ctx context.Context, id string) error {
	return s.WithTx(ctx, "requeue orphan", func(tx *sqlx.Tx) error {
		now := clock.Millis(s.now())
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE jobs
			SET status = 'scheduled', next_run_at = ?, locked_by = NULL, locked_at = NULL,
				expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'running' AND expires_at < ?`),
			now, now, id, now)
		if err != nil {
			return errors.Wrapf(err, "failed to requeue job %s", id)
		}
		return releaseLocks(ctx, tx, id)
	})
}
