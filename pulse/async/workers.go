package async

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/clock"
)

// WorkerStatus is the last state a worker reported.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStopped WorkerStatus = "stopped"
	// WorkerCrashed is set by the reclaimer when heartbeats stop.
	WorkerCrashed WorkerStatus = "crashed"
)

// Worker is one dispatcher process registered against the store.
type Worker struct {
	ID                string       `json:"worker_id"`
	QueueName         string       `json:"queue_name"`
	Hostname          string       `json:"hostname"`
	PID               int          `json:"pid"`
	Status            WorkerStatus `json:"status"`
	CurrentJobID      string       `json:"current_job_id,omitempty"`
	JobsProcessed     int64        `json:"jobs_processed"`
	JobsFailed        int64        `json:"jobs_failed"`
	MemoryUsedPercent float64      `json:"memory_used_percent"`
	StartedAt         time.Time    `json:"started_at"`
	LastHeartbeat     time.Time    `json:"last_heartbeat"`
}

// IsLive reports whether the worker heartbeated within ttl of now.
func (w *Worker) IsLive(now time.Time, ttl time.Duration) bool {
	return now.Sub(w.LastHeartbeat) < ttl
}

type workerRow struct {
	ID                string         `db:"worker_id"`
	QueueName         string         `db:"queue_name"`
	Hostname          string         `db:"hostname"`
	PID               int            `db:"pid"`
	Status            string         `db:"status"`
	CurrentJobID      sql.NullString `db:"current_job_id"`
	JobsProcessed     int64          `db:"jobs_processed"`
	JobsFailed        int64          `db:"jobs_failed"`
	MemoryUsedPercent float64        `db:"memory_used_percent"`
	StartedAt         int64          `db:"started_at"`
	LastHeartbeat     int64          `db:"last_heartbeat"`
}

const workerColumns = `worker_id, queue_name, hostname, pid, status, current_job_id,
	jobs_processed, jobs_failed, memory_used_percent, started_at, last_heartbeat`

func (r workerRow) toWorker() *Worker {
	return &Worker{
		ID:                r.ID,
		QueueName:         r.QueueName,
		Hostname:          r.Hostname,
		PID:               r.PID,
		Status:            WorkerStatus(r.Status),
		CurrentJobID:      r.CurrentJobID.String,
		JobsProcessed:     r.JobsProcessed,
		JobsFailed:        r.JobsFailed,
		MemoryUsedPercent: r.MemoryUsedPercent,
		StartedAt:         clock.FromMillis(r.StartedAt),
		LastHeartbeat:     clock.FromMillis(r.LastHeartbeat),
	}
}

// NewWorkerID builds a process-unique id: host, pid and a random nonce.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// RegisterWorker records a starting worker. queues is informational.
func (s *Store) RegisterWorker(ctx context.Context, id, queues string) (*Worker, error) {
	host, _ := os.Hostname()
	now := clock.Millis(s.now())
	err := s.WithTx(ctx, "register worker", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO job_workers (worker_id, queue_name, hostname, pid, status, started_at, last_heartbeat)
			VALUES (?, ?, ?, ?, 'idle', ?, ?)
			ON CONFLICT (worker_id) DO UPDATE SET
				status = 'idle', queue_name = excluded.queue_name, last_heartbeat = excluded.last_heartbeat`),
			id, queues, host, os.Getpid(), now, now)
		if err != nil {
			return errors.Wrap(err, "failed to register worker")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetWorker(ctx, id)
}

// Heartbeat refreshes a worker's liveness and load.
func (s *Store) Heartbeat(ctx context.Context, id string, running int, memPercent float64) error {
	status := WorkerIdle
	if running > 0 {
		status = WorkerBusy
	}
	return s.WithTx(ctx, "heartbeat", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE job_workers SET status = ?, memory_used_percent = ?, last_heartbeat = ?
			WHERE worker_id = ?`),
			string(status), memPercent, clock.Millis(s.now()), id)
		if err != nil {
			return errors.Wrap(err, "failed to heartbeat")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(errors.ErrNotFound, "worker %s", id)
		}
		return nil
	})
}

// StopWorker marks a worker as cleanly stopped.
func (s *Store) StopWorker(ctx context.Context, id string) error {
	return s.WithTx(ctx, "stop worker", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE job_workers SET status = 'stopped', current_job_id = NULL, last_heartbeat = ?
			WHERE worker_id = ?`), clock.Millis(s.now()), id)
		if err != nil {
			return errors.Wrap(err, "failed to stop worker")
		}
		return nil
	})
}

// MarkCrashedWorkers flags idle or busy workers that missed their heartbeat
// window.
func (s *Store) MarkCrashedWorkers(ctx context.Context, ttl time.Duration) (int, error) {
	var n int64
	err := s.WithTx(ctx, "mark crashed workers", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE job_workers SET status = 'crashed', current_job_id = NULL
			WHERE status IN ('idle', 'busy') AND last_heartbeat < ?`),
			clock.Millis(s.now().Add(-ttl)))
		if err != nil {
			return errors.Wrap(err, "failed to mark crashed workers")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// GetWorker returns one registered worker.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	var row workerRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+workerColumns+` FROM job_workers WHERE worker_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "worker %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get worker")
	}
	return row.toWorker(), nil
}

// ListWorkers returns registered workers, most recent heartbeat first.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	var rows []workerRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+workerColumns+` FROM job_workers ORDER BY last_heartbeat DESC`); err != nil {
		return nil, errors.Wrap(err, "failed to list workers")
	}
	workers := make([]*Worker, 0, len(rows))
	for _, r := range rows {
		workers = append(workers, r.toWorker())
	}
	return workers, nil
}

// recordWorkerOutcome bumps the worker counters for one finished execution.
// Reclaimed jobs may name a worker that never registered; that is not an error.
func recordWorkerOutcome(ctx context.Context, tx *sqlx.Tx, id string, succeeded bool) error {
	counter := "jobs_failed"
	if succeeded {
		counter = "jobs_processed"
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE job_workers SET `+counter+` = `+counter+` + 1 WHERE worker_id = ?`), id)
	if err != nil {
		return errors.Wrapf(err, "failed to count outcome for worker %s", id)
	}
	return nil
}
