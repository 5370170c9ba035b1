package async

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/clock"
)

// acquireLock takes resource key for jobID unless another job holds an
// unexpired lock on it. Re-acquiring a key the job already holds refreshes
// the lease.
func acquireLock(ctx context.Context, tx *sqlx.Tx, key, jobID, workerID string, now, expires time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO job_locks (id, resource_key, job_id, worker_id, locked_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_key) DO UPDATE SET
			job_id = excluded.job_id,
			worker_id = excluded.worker_id,
			locked_at = excluded.locked_at,
			expires_at = excluded.expires_at
		WHERE job_locks.expires_at <= ? OR job_locks.job_id = excluded.job_id`),
		NewID(), key, jobID, workerID, clock.Millis(now), clock.Millis(expires), clock.Millis(now))
	if err != nil {
		err = errors.Wrap(err, "failed to acquire resource lock")
		return false, errors.WithDetailf(err, "Resource key: %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// releaseLocks drops every lock held on behalf of jobID.
func releaseLocks(ctx context.Context, tx *sqlx.Tx, jobID string) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM job_locks WHERE job_id = ?`), jobID); err != nil {
		return errors.Wrapf(err, "failed to release locks of job %s", jobID)
	}
	return nil
}

// Lock is a held resource key.
type Lock struct {
	ResourceKey string    `json:"resource_key" db:"resource_key"`
	JobID       string    `json:"job_id" db:"job_id"`
	WorkerID    string    `json:"worker_id" db:"worker_id"`
	LockedAt    time.Time `json:"locked_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ListLocks returns every resource lock row, expired or not.
func (s *Store) ListLocks(ctx context.Context) ([]Lock, error) {
	var rows []struct {
		ResourceKey string `db:"resource_key"`
		JobID       string `db:"job_id"`
		WorkerID    string `db:"worker_id"`
		LockedAt    int64  `db:"locked_at"`
		ExpiresAt   int64  `db:"expires_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `SELECT resource_key, job_id, worker_id, locked_at, expires_at FROM job_locks ORDER BY resource_key`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list locks")
	}
	locks := make([]Lock, 0, len(rows))
	for _, r := range rows {
		locks = append(locks, Lock{
			ResourceKey: r.ResourceKey,
			JobID:       r.JobID,
			WorkerID:    r.WorkerID,
			LockedAt:    clock.FromMillis(r.LockedAt),
			ExpiresAt:   clock.FromMillis(r.ExpiresAt),
		})
	}
	return locks, nil
}

// ReleaseExpiredLocks deletes locks whose lease has passed.
func (s *Store) ReleaseExpiredLocks(ctx context.Context) (int, error) {
	var released int
	err := s.WithTx(ctx, "release expired locks", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM job_locks WHERE expires_at < ?`), clock.Millis(s.now()))
		if err != nil {
			return errors.Wrap(err, "failed to release expired locks")
		}
		n, _ := res.RowsAffected()
		released = int(n)
		return nil
	})
	return released, err
}
