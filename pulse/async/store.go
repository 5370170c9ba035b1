package async

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/db"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/clock"
)

const (
	// storeRetryAttempts bounds how often a transaction is retried on a
	// transient store error before it surfaces as ErrStoreUnavailable.
	storeRetryAttempts = 3
	storeRetryBackoff  = 50 * time.Millisecond

	// MaxListLimit caps one page of a list query.
	MaxListLimit = 1000
)

// StoreConfig tunes a Store.
type StoreConfig struct {
	Clock  clock.Clock
	Policy *RetryPolicy
	// CircuitBreakerThreshold pauses a recurring job after this many
	// consecutive failed executions. Zero disables the breaker.
	CircuitBreakerThreshold int
}

// Store handles persistence of jobs, executions, dependencies, locks,
// queues and workers. Every mutation runs in one short transaction.
type Store struct {
	db      *sqlx.DB
	clock   clock.Clock
	policy  *RetryPolicy
	breaker int
	logger  *zap.SugaredLogger
}

// NewStore creates a job store on an opened, migrated database.
func NewStore(conn *sqlx.DB, cfg StoreConfig, log *zap.SugaredLogger) *Store {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Policy == nil {
		cfg.Policy = NewRetryPolicy(time.Now().UnixNano())
	}
	if log == nil {
		log = logger.Logger
	}
	return &Store{
		db:      conn,
		clock:   cfg.Clock,
		policy:  cfg.Policy,
		breaker: cfg.CircuitBreakerThreshold,
		logger:  log.Named("store"),
	}
}

// DB exposes the underlying handle for packages that share the schema.
func (s *Store) DB() *sqlx.DB { return s.db }

// Clock returns the store's time source.
func (s *Store) Clock() clock.Clock { return s.clock }

func (s *Store) now() time.Time {
	return s.clock.Now().Truncate(time.Millisecond)
}

// WithTx runs fn in a transaction, retrying the whole transaction on
// transient store errors. Persistent unavailability is marked with
// ErrStoreUnavailable.
func (s *Store) WithTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	backoff := storeRetryBackoff
	for attempt := 1; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil || !db.IsTransient(err) {
			return err
		}
		if attempt >= storeRetryAttempts {
			return errors.Mark(errors.Wrapf(err, "%s failed after %d attempts", op, attempt), ErrStoreUnavailable)
		}
		s.logger.Debugw("Transient store error, retrying",
			"op", op,
			"attempt", attempt,
			logger.FieldError, err,
		)
		select {
		case <-ctx.Done():
			return errors.Mark(errors.Wrap(ctx.Err(), op), ErrStoreUnavailable)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// IsStoreUnavailable reports whether err is a transient store failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || db.IsTransient(err)
}

// Submit validates and persists a job. Submitting an existing id is a no-op
// that returns the stored job.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	var job *Job
	err := s.WithTx(ctx, "submit", func(tx *sqlx.Tx) error {
		var err error
		job, _, err = s.SubmitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// SubmitTx inserts a job inside the caller's transaction. inserted is false
// when a uniqueness key (id, schedule fire, bulk index) already existed; job
// is then the stored row when it can be found by id, or nil.
func (s *Store) SubmitTx(ctx context.Context, tx *sqlx.Tx, req SubmitRequest) (job *Job, inserted bool, err error) {
	now := s.now()
	job, err = newJob(req, now)
	if err != nil {
		return nil, false, err
	}

	status, err := ensureQueue(ctx, tx, job.Queue, now)
	if err != nil {
		return nil, false, err
	}
	if status == QueueStopped {
		return nil, false, errors.Wrapf(errors.ErrConflict, "queue %s is stopped", job.Queue)
	}

	inserted, err = insertJob(ctx, tx, job)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := getJob(ctx, tx, job.ID)
		if errors.Is(err, errors.ErrNotFound) {
			return nil, false, nil
		}
		return existing, false, err
	}

	for _, dep := range req.DependsOn {
		if err := s.addDependency(ctx, tx, job, dep, now); err != nil {
			return nil, false, err
		}
	}
	if job.Status == JobStatusCancelled {
		if err := s.onTerminal(ctx, tx, job, now); err != nil {
			return nil, false, err
		}
	}
	return job, true, nil
}

func insertJob(ctx context.Context, tx *sqlx.Tx, job *Job) (bool, error) {
	query := tx.Rebind(`
		INSERT INTO jobs (
			id, name, handler, payload, queue, priority, kind,
			cron_expression, interval_seconds, timezone,
			scheduled_at, next_run_at, status,
			max_retries, retry_delay_seconds, timeout_seconds,
			tags, created_by, resource_key,
			schedule_id, fire_at, bulk_id, bulk_index, template_id, rerun_of,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)

	var interval sql.NullInt64
	if job.IntervalSeconds > 0 {
		interval = sql.NullInt64{Int64: job.IntervalSeconds, Valid: true}
	}
	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}

	res, err := tx.ExecContext(ctx, query,
		job.ID, job.Name, job.Handler, payload, job.Queue, int(job.Priority), string(job.Kind),
		nullString(job.CronExpression), interval, job.Timezone,
		nullMillis(job.ScheduledAt), clock.Millis(job.NextRunAt), string(job.Status),
		job.MaxRetries, job.RetryDelaySeconds, job.TimeoutSeconds,
		encodeTags(job.Tags), job.CreatedBy, nullString(job.ResourceKey),
		nullString(job.ScheduleID), nullMillis(job.FireAt), nullString(job.BulkID), nullInt(job.BulkIndex),
		nullString(job.TemplateID), nullString(job.RerunOf),
		clock.Millis(job.CreatedAt), clock.Millis(job.UpdatedAt),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to insert job %s", job.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q sqlx.ExtContext, id string) (*Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return row.toJob(), nil
}

// ListFilter selects jobs for ListJobs. Empty fields match everything.
type ListFilter struct {
	Queue      string
	Status     JobStatus
	Tag        string
	Handler    string
	ScheduleID string
	BulkID     string
	Limit      int
	Offset     int
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (f ListFilter) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.Queue != "" {
		add("queue = ?", f.Queue)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Tag != "" {
		add(`tags LIKE ? ESCAPE '\'`, "%,"+likeEscaper.Replace(f.Tag)+",%")
	}
	if f.Handler != "" {
		add("handler = ?", f.Handler)
	}
	if f.ScheduleID != "" {
		add("schedule_id = ?", f.ScheduleID)
	}
	if f.BulkID != "" {
		add("bulk_id = ?", f.BulkID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListJobs returns one page of jobs, newest first, and the total match count.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]*Job, int, error) {
	where, args := f.where()

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM jobs`+where), args...); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count jobs")
	}

	limit := f.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = 100
	}
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, append(args, limit, f.Offset)...); err != nil {
		return nil, 0, errors.Wrap(err, "failed to list jobs")
	}
	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toJob())
	}
	return jobs, total, nil
}

// ListExecutions returns one page of a job's executions in attempt order.
func (s *Store) ListExecutions(ctx context.Context, jobID string, limit, offset int) ([]*Execution, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM job_executions WHERE job_id = ?`), jobID); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count executions")
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = 100
	}

	var rows []executionRow
	query := s.db.Rebind(`SELECT ` + executionColumns + ` FROM job_executions WHERE job_id = ? ORDER BY execution_number ASC LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &rows, query, jobID, limit, offset); err != nil {
		return nil, 0, errors.Wrap(err, "failed to list executions")
	}
	execs := make([]*Execution, 0, len(rows))
	for i := range rows {
		execs = append(execs, rows[i].toExecution())
	}
	return execs, total, nil
}

// GetExecution retrieves one execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+executionColumns+` FROM job_executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return row.toExecution(), nil
}

// JobStats counts jobs by status.
func (s *Store) JobStats(ctx context.Context) (map[JobStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	stats := make(map[JobStatus]int, len(rows))
	for _, r := range rows {
		stats[JobStatus(r.Status)] = r.Count
	}
	return stats, nil
}

// Cancel stops a job. Pending, Scheduled and Paused jobs become Cancelled
// at once; a Running job gets a cancel request its worker picks up on the
// next lease renewal. Returns the job as it stands after the call.
func (s *Store) Cancel(ctx context.Context, id, reason string) (*Job, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	var job *Job
	err := s.WithTx(ctx, "cancel", func(tx *sqlx.Tx) error {
		var err error
		job, err = getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()

		switch {
		case job.Status.IsTerminal():
			return errors.Wrapf(errors.ErrConflict, "job %s is already %s", id, job.Status)

		case job.Status == JobStatusRunning:
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE jobs SET cancel_requested = 1, cancel_reason = ?, updated_at = ?
				WHERE id = ? AND status = 'running'`),
				reason, clock.Millis(now), id)
			if err != nil {
				return errors.Wrap(err, "failed to request cancellation")
			}
			job.CancelRequested = true
			job.CancelReason = reason
			return nil
		}

		if _, err := cancelJob(ctx, tx, id, reason, now); err != nil {
			return err
		}
		job.Status = JobStatusCancelled
		job.CancelReason = reason
		job.LastError = reason
		job.CompletedAt = &now
		return s.onTerminal(ctx, tx, job, now)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// cancelJob moves a not-yet-running job to Cancelled. It reports false
// when the job was no longer waiting.
func cancelJob(ctx context.Context, tx *sqlx.Tx, id, reason string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE jobs SET status = 'cancelled', cancel_reason = ?, last_error = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'scheduled', 'paused')`),
		reason, reason, clock.Millis(now), clock.Millis(now), id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to cancel job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// CancelBulkTx cancels the still-Pending jobs of a bulk request inside the
// caller's transaction and returns how many it cancelled. Jobs that were
// claimed, retried or finished are left alone.
func (s *Store) CancelBulkTx(ctx context.Context, tx *sqlx.Tx, bulkID, reason string) (int, error) {
	var ids []string
	err := tx.SelectContext(ctx, &ids, tx.Rebind(`
		SELECT id FROM jobs WHERE bulk_id = ? AND status = 'pending' ORDER BY bulk_index`), bulkID)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list pending jobs of bulk request %s", bulkID)
	}

	now := s.now()
	cancelled := 0
	for _, id := range ids {
		ok, err := cancelJob(ctx, tx, id, reason, now)
		if err != nil {
			return cancelled, err
		}
		if !ok {
			continue
		}
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return cancelled, err
		}
		if err := s.onTerminal(ctx, tx, job, now); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// Retry resets a Failed or Cancelled job in place so it runs again now.
func (s *Store) Retry(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.WithTx(ctx, "retry", func(tx *sqlx.Tx) error {
		current, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != JobStatusFailed && current.Status != JobStatusCancelled && current.Status != JobStatusPaused {
			return errors.Wrapf(errors.ErrConflict, "job %s is %s; only failed, cancelled or paused jobs can be retried", id, current.Status)
		}
		if err := recheckDependencies(ctx, tx, id); err != nil {
			return err
		}
		now := s.now()
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE jobs SET status = 'pending', retry_count = 0, consecutive_failures = 0,
				next_run_at = ?, cancel_requested = 0, cancel_reason = NULL,
				completed_at = NULL, updated_at = ?
			WHERE id = ?`),
			clock.Millis(now), clock.Millis(now), id)
		if err != nil {
			return errors.Wrap(err, "failed to reset job")
		}
		job, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Rerun creates a new job from a finished one. The original is untouched.
func (s *Store) Rerun(ctx context.Context, id, createdBy string) (*Job, error) {
	var job *Job
	err := s.WithTx(ctx, "rerun", func(tx *sqlx.Tx) error {
		orig, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !orig.Status.IsTerminal() {
			return errors.Wrapf(errors.ErrConflict, "job %s is %s; only finished jobs can be rerun", id, orig.Status)
		}
		maxRetries := orig.MaxRetries
		if createdBy == "" {
			createdBy = orig.CreatedBy
		}
		job, _, err = s.SubmitTx(ctx, tx, SubmitRequest{
			Name:              orig.Name,
			Handler:           orig.Handler,
			Payload:           orig.Payload,
			Queue:             orig.Queue,
			Priority:          orig.Priority,
			MaxRetries:        &maxRetries,
			RetryDelaySeconds: orig.RetryDelaySeconds,
			TimeoutSeconds:    orig.TimeoutSeconds,
			Tags:              orig.Tags,
			CreatedBy:         createdBy,
			ResourceKey:       orig.ResourceKey,
			TemplateID:        orig.TemplateID,
			RerunOf:           orig.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// PurgeCompleted removes terminal jobs finished before olderThan ago,
// along with their executions and edges. Jobs that still gate a dependent
// are kept.
func (s *Store) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := clock.Millis(s.now().Add(-olderThan))
	var purged int
	err := s.WithTx(ctx, "purge", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM jobs
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND completed_at < ?
			  AND NOT EXISTS (
				SELECT 1 FROM job_dependencies d
				WHERE d.depends_on_job_id = jobs.id AND d.satisfied = 0
			  )`), cutoff)
		if err != nil {
			return errors.Wrap(err, "failed to purge jobs")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		purged = int(n)
		return nil
	})
	return purged, err
}

// NextDue returns the earliest future next_run_at among waiting jobs in
// queues, or nil when none are waiting. Jobs already due are left out: a
// scan that did not claim them was blocked by a queue cap, a pause, a lock
// or a dependency, and a wake or the next tick retries them.
func (s *Store) NextDue(ctx context.Context, queues []string) (*time.Time, error) {
	query := `SELECT MIN(next_run_at) FROM jobs WHERE status IN ('pending', 'scheduled') AND next_run_at > ?`
	args := []interface{}{clock.Millis(s.clock.Now())}
	if len(queues) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND queue IN (?)`, args[0], queues)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build next-due query")
		}
	}
	var next sql.NullInt64
	if err := s.db.GetContext(ctx, &next, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to find next due job")
	}
	return timePtr(next), nil
}
