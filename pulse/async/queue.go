package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/clock"
)

// QueueStatus gates dispatch for a queue.
type QueueStatus string

const (
	QueueActive QueueStatus = "active"
	// QueuePaused keeps accepting submissions but claims nothing.
	QueuePaused QueueStatus = "paused"
	// QueueStopped claims nothing and refuses submissions.
	QueueStopped QueueStatus = "stopped"
)

// DefaultMaxConcurrentJobs applies to queues created implicitly by a submit.
const DefaultMaxConcurrentJobs = 10

// emaAlpha weights the newest sample in the queue's moving averages.
const emaAlpha = 0.1

// Queue is a named lane with its own concurrency cap and counters.
type Queue struct {
	Name              string      `json:"name"`
	Description       string      `json:"description"`
	MaxConcurrentJobs int         `json:"max_concurrent_jobs"`
	Status            QueueStatus `json:"status"`
	CurrentJobs       int         `json:"current_jobs"`
	TotalProcessed    int64       `json:"total_processed"`
	TotalFailed       int64       `json:"total_failed"`
	AvgWaitMS         float64     `json:"avg_wait_ms"`
	AvgProcessMS      float64     `json:"avg_process_ms"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

type queueRow struct {
	Name              string  `db:"name"`
	Description       string  `db:"description"`
	MaxConcurrentJobs int     `db:"max_concurrent_jobs"`
	Status            string  `db:"status"`
	CurrentJobs       int     `db:"current_jobs"`
	TotalProcessed    int64   `db:"total_processed"`
	TotalFailed       int64   `db:"total_failed"`
	AvgWaitMS         float64 `db:"avg_wait_ms"`
	AvgProcessMS      float64 `db:"avg_process_ms"`
	CreatedAt         int64   `db:"created_at"`
	UpdatedAt         int64   `db:"updated_at"`
}

const queueColumns = `name, description, max_concurrent_jobs, status, current_jobs,
	total_processed, total_failed, avg_wait_ms, avg_process_ms, created_at, updated_at`

func (r queueRow) toQueue() *Queue {
	return &Queue{
		Name:              r.Name,
		Description:       r.Description,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		Status:            QueueStatus(r.Status),
		CurrentJobs:       r.CurrentJobs,
		TotalProcessed:    r.TotalProcessed,
		TotalFailed:       r.TotalFailed,
		AvgWaitMS:         r.AvgWaitMS,
		AvgProcessMS:      r.AvgProcessMS,
		CreatedAt:         clock.FromMillis(r.CreatedAt),
		UpdatedAt:         clock.FromMillis(r.UpdatedAt),
	}
}

// ensureQueue creates name with defaults if it does not exist yet and
// returns its status.
func ensureQueue(ctx context.Context, tx *sqlx.Tx, name string, now time.Time) (QueueStatus, error) {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO job_queues (name, max_concurrent_jobs, status, created_at, updated_at)
		VALUES (?, ?, 'active', ?, ?)
		ON CONFLICT (name) DO NOTHING`),
		name, DefaultMaxConcurrentJobs, clock.Millis(now), clock.Millis(now))
	if err != nil {
		return "", errors.Wrapf(err, "failed to ensure queue %s", name)
	}
	var status string
	if err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM job_queues WHERE name = ?`), name); err != nil {
		return "", errors.Wrapf(err, "failed to read queue %s", name)
	}
	return QueueStatus(status), nil
}

// refreshQueueGauge recomputes current_jobs from the running jobs.
func refreshQueueGauge(ctx context.Context, tx *sqlx.Tx, queue string, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE job_queues
		SET current_jobs = (SELECT COUNT(*) FROM jobs WHERE queue = ? AND status = 'running'),
			updated_at = ?
		WHERE name = ?`), queue, clock.Millis(now), queue)
	if err != nil {
		return errors.Wrapf(err, "failed to refresh queue %s", queue)
	}
	return nil
}

// recordQueueWait folds the claim wait of one job into avg_wait_ms.
func recordQueueWait(ctx context.Context, tx *sqlx.Tx, queue string, wait time.Duration) error {
	waitMS := float64(wait) / float64(time.Millisecond)
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE job_queues
		SET avg_wait_ms = CASE WHEN avg_wait_ms = 0 THEN ? ELSE avg_wait_ms * ? + ? END
		WHERE name = ?`),
		waitMS, 1-emaAlpha, emaAlpha*waitMS, queue)
	if err != nil {
		return errors.Wrapf(err, "failed to record wait on queue %s", queue)
	}
	return nil
}

// recordQueueOutcome folds one finished execution into the queue counters.
func recordQueueOutcome(ctx context.Context, tx *sqlx.Tx, queue string, failed bool, process time.Duration, now time.Time) error {
	counter := "total_processed"
	if failed {
		counter = "total_failed"
	}
	query := fmt.Sprintf(`
		UPDATE job_queues
		SET %s = %s + 1,
			avg_process_ms = CASE WHEN total_processed + total_failed = 0 THEN ? ELSE avg_process_ms * ? + ? END
		WHERE name = ?`, counter, counter)

	processMS := float64(process) / float64(time.Millisecond)
	_, err := tx.ExecContext(ctx, tx.Rebind(query), processMS, 1-emaAlpha, emaAlpha*processMS, queue)
	if err != nil {
		return errors.Wrapf(err, "failed to record outcome on queue %s", queue)
	}
	return refreshQueueGauge(ctx, tx, queue, now)
}

// QueueSpec describes a queue to create or update.
type QueueSpec struct {
	Name              string
	Description       string
	MaxConcurrentJobs int
}

func (q QueueSpec) validate() error {
	if strings.TrimSpace(q.Name) == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "queue name is required")
	}
	if q.MaxConcurrentJobs < 1 {
		return errors.Wrapf(errors.ErrInvalidRequest, "max_concurrent_jobs must be >= 1, got %d", q.MaxConcurrentJobs)
	}
	return nil
}

// CreateQueue adds an Active queue. Creating an existing name is a conflict.
func (s *Store) CreateQueue(ctx context.Context, spec QueueSpec) (*Queue, error) {
	if spec.MaxConcurrentJobs == 0 {
		spec.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	var q *Queue
	err := s.WithTx(ctx, "create queue", func(tx *sqlx.Tx) error {
		now := clock.Millis(s.now())
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO job_queues (name, description, max_concurrent_jobs, status, created_at, updated_at)
			VALUES (?, ?, ?, 'active', ?, ?)
			ON CONFLICT (name) DO NOTHING`),
			spec.Name, spec.Description, spec.MaxConcurrentJobs, now, now)
		if err != nil {
			return errors.Wrap(err, "failed to create queue")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(errors.ErrConflict, "queue %s already exists", spec.Name)
		}
		q, err = getQueue(ctx, tx, spec.Name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// UpdateQueue changes description and concurrency cap. Lowering the cap
// never preempts running jobs; it only throttles new claims.
func (s *Store) UpdateQueue(ctx context.Context, spec QueueSpec) (*Queue, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	var q *Queue
	err := s.WithTx(ctx, "update queue", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE job_queues SET description = ?, max_concurrent_jobs = ?, updated_at = ?
			WHERE name = ?`),
			spec.Description, spec.MaxConcurrentJobs, clock.Millis(s.now()), spec.Name)
		if err != nil {
			return errors.Wrap(err, "failed to update queue")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(errors.ErrNotFound, "queue %s", spec.Name)
		}
		q, err = getQueue(ctx, tx, spec.Name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// SetQueueStatus pauses, resumes or stops a queue.
func (s *Store) SetQueueStatus(ctx context.Context, name string, status QueueStatus) (*Queue, error) {
	switch status {
	case QueueActive, QueuePaused, QueueStopped:
	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown queue status %q", status)
	}
	var q *Queue
	err := s.WithTx(ctx, "set queue status", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE job_queues SET status = ?, updated_at = ? WHERE name = ?`),
			string(status), clock.Millis(s.now()), name)
		if err != nil {
			return errors.Wrap(err, "failed to set queue status")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(errors.ErrNotFound, "queue %s", name)
		}
		q, err = getQueue(ctx, tx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// GetQueue returns one queue with its counters.
func (s *Store) GetQueue(ctx context.Context, name string) (*Queue, error) {
	return getQueue(ctx, s.db, name)
}

func getQueue(ctx context.Context, q sqlx.ExtContext, name string) (*Queue, error) {
	var row queueRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+queueColumns+` FROM job_queues WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "queue %s", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue")
	}
	return row.toQueue(), nil
}

// ListQueues returns every queue ordered by name.
func (s *Store) ListQueues(ctx context.Context) ([]*Queue, error) {
	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+queueColumns+` FROM job_queues ORDER BY name`); err != nil {
		return nil, errors.Wrap(err, "failed to list queues")
	}
	queues := make([]*Queue, 0, len(rows))
	for _, r := range rows {
		queues = append(queues, r.toQueue())
	}
	return queues, nil
}

// QueueStats is a queue with its job counts by status.
type QueueStats struct {
	*Queue
	Jobs map[JobStatus]int `json:"jobs"`
}

// GetQueueStats returns the queue counters plus live job counts.
func (s *Store) GetQueueStats(ctx context.Context, name string) (*QueueStats, error) {
	q, err := s.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT status, COUNT(*) AS n FROM jobs WHERE queue = ? GROUP BY status`), name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count queue jobs")
	}
	stats := &QueueStats{Queue: q, Jobs: make(map[JobStatus]int, len(rows))}
	for _, r := range rows {
		stats.Jobs[JobStatus(r.Status)] = r.Count
	}
	return stats, nil
}

// ActiveQueueNames lists queues the dispatcher may claim from.
func (s *Store) ActiveQueueNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, `SELECT name FROM job_queues WHERE status = 'active' ORDER BY name`); err != nil {
		return nil, errors.Wrap(err, "failed to list active queues")
	}
	return names, nil
}
