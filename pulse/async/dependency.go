package async

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/clock"
)

// addDependency records an edge from job to dep.DependsOn. An edge whose
// prerequisite already finished is satisfied at once, or cancels job when
// the outcome can no longer match. The caller runs onTerminal for a job
// this leaves Cancelled.
func (s *Store) addDependency(ctx context.Context, tx *sqlx.Tx, job *Job, dep Dependency, now time.Time) error {
	if dep.Kind == "" {
		dep.Kind = OnSuccess
	}
	if !dep.Kind.valid() {
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown dependency kind %q", dep.Kind)
	}
	if dep.DependsOn == job.ID {
		return errors.Wrapf(errors.ErrInvalidRequest, "job %s cannot depend on itself", job.ID)
	}

	prereq, err := getJob(ctx, tx, dep.DependsOn)
	if errors.Is(err, errors.ErrNotFound) {
		return errors.Wrapf(errors.ErrInvalidRequest, "prerequisite %s does not exist", dep.DependsOn)
	}
	if err != nil {
		return err
	}

	cyclic, err := reaches(ctx, tx, prereq.ID, job.ID)
	if err != nil {
		return err
	}
	if cyclic {
		err := errors.Wrapf(errors.ErrInvalidRequest, "dependency %s -> %s would form a cycle", job.ID, prereq.ID)
		return errors.WithHint(err, "a job cannot transitively depend on itself")
	}

	satisfied := prereq.Status.IsTerminal() && dep.Kind.Matches(prereq.Status)
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO job_dependencies (id, job_id, depends_on_job_id, kind, satisfied, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, depends_on_job_id) DO UPDATE SET kind = excluded.kind, satisfied = excluded.satisfied`),
		NewID(), job.ID, prereq.ID, string(dep.Kind), boolInt(satisfied), clock.Millis(now))
	if err != nil {
		err = errors.Wrap(err, "failed to add dependency")
		return errors.WithDetailf(err, "Job ID: %s, prerequisite: %s", job.ID, prereq.ID)
	}

	if prereq.Status.IsTerminal() && !satisfied && !job.Status.IsTerminal() {
		ok, err := cancelJob(ctx, tx, job.ID, ErrPrerequisiteFailed.Error(), now)
		if err != nil {
			return err
		}
		if ok {
			job.Status = JobStatusCancelled
			job.CancelReason = ErrPrerequisiteFailed.Error()
			job.LastError = job.CancelReason
			job.CompletedAt = &now
		}
	}
	return nil
}

// reaches reports whether from transitively depends on target.
func reaches(ctx context.Context, tx *sqlx.Tx, from, target string) (bool, error) {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true, nil
		}
		var next []string
		if err := tx.SelectContext(ctx, &next, tx.Rebind(`SELECT depends_on_job_id FROM job_dependencies WHERE job_id = ?`), id); err != nil {
			return false, errors.Wrap(err, "failed to walk dependencies")
		}
		for _, n := range next {
			if !seen[n] {
				seen[n] = true
				stack = append(stack, n)
			}
		}
	}
	return false, nil
}

// AddDependency gates an existing waiting job on another job.
func (s *Store) AddDependency(ctx context.Context, jobID string, dep Dependency) (*Job, error) {
	var job *Job
	err := s.WithTx(ctx, "add dependency", func(tx *sqlx.Tx) error {
		var err error
		job, err = getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		switch job.Status {
		case JobStatusPending, JobStatusScheduled, JobStatusPaused:
		default:
			return errors.Wrapf(errors.ErrConflict, "job %s is %s; dependencies can only gate waiting jobs", jobID, job.Status)
		}
		now := s.now()
		if err := s.addDependency(ctx, tx, job, dep, now); err != nil {
			return err
		}
		if job.Status == JobStatusCancelled {
			return s.onTerminal(ctx, tx, job, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListDependencies returns the prerequisites of a job.
func (s *Store) ListDependencies(ctx context.Context, jobID string) ([]Dependency, error) {
	var rows []struct {
		ID        string `db:"id"`
		JobID     string `db:"job_id"`
		DependsOn string `db:"depends_on_job_id"`
		Kind      string `db:"kind"`
		Satisfied int    `db:"satisfied"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, job_id, depends_on_job_id, kind, satisfied
		FROM job_dependencies WHERE job_id = ? ORDER BY created_at, id`), jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dependencies")
	}
	deps := make([]Dependency, 0, len(rows))
	for _, r := range rows {
		deps = append(deps, Dependency{
			ID:        r.ID,
			JobID:     r.JobID,
			DependsOn: r.DependsOn,
			Kind:      DependencyKind(r.Kind),
			Satisfied: r.Satisfied != 0,
		})
	}
	return deps, nil
}

// onTerminal propagates a job reaching a terminal status: dependents are
// released or cancelled (cascading), the owning schedule records its last
// run, and the owning bulk request counts the outcome.
func (s *Store) onTerminal(ctx context.Context, tx *sqlx.Tx, job *Job, now time.Time) error {
	nowMS := clock.Millis(now)
	work := []*Job{job}
	for len(work) > 0 {
		j := work[0]
		work = work[1:]

		if j.ScheduleID != "" {
			_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE job_schedules SET last_run = ?, updated_at = ? WHERE id = ?`),
				nowMS, nowMS, j.ScheduleID)
			if err != nil {
				return errors.Wrapf(err, "failed to record last run of schedule %s", j.ScheduleID)
			}
		}
		if counter := bulkCounter(j.Status); j.BulkID != "" && counter != "" {
			_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE bulk_requests SET `+counter+` = `+counter+` + 1, updated_at = ? WHERE id = ?`),
				nowMS, j.BulkID)
			if err != nil {
				return errors.Wrapf(err, "failed to count outcome on bulk request %s", j.BulkID)
			}
		}

		var edges []struct {
			ID    string `db:"id"`
			JobID string `db:"job_id"`
			Kind  string `db:"kind"`
		}
		err := tx.SelectContext(ctx, &edges, tx.Rebind(`
			SELECT id, job_id, kind FROM job_dependencies
			WHERE depends_on_job_id = ? AND satisfied = 0`), j.ID)
		if err != nil {
			return errors.Wrap(err, "failed to load dependents")
		}

		for _, e := range edges {
			if DependencyKind(e.Kind).Matches(j.Status) {
				if err := satisfyEdge(ctx, tx, e.ID, e.JobID, nowMS); err != nil {
					return err
				}
				continue
			}
			ok, err := cancelJob(ctx, tx, e.JobID, ErrPrerequisiteFailed.Error(), now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			dependent, err := getJob(ctx, tx, e.JobID)
			if err != nil {
				return err
			}
			s.logger.Debugw("Cancelled dependent of finished job",
				logger.FieldJobID, dependent.ID,
				"prerequisite", j.ID,
				"prerequisite_status", j.Status,
			)
			work = append(work, dependent)
		}
	}
	return nil
}

// recheckDependencies re-evaluates the open edges of a job about to be
// retried. Edges whose prerequisite has since finished the right way are
// satisfied; a prerequisite that finished the wrong way refuses the retry,
// since the job could never become due again.
func recheckDependencies(ctx context.Context, tx *sqlx.Tx, jobID string) error {
	var edges []struct {
		ID        string `db:"id"`
		DependsOn string `db:"depends_on_job_id"`
		Kind      string `db:"kind"`
		Status    string `db:"status"`
	}
	err := tx.SelectContext(ctx, &edges, tx.Rebind(`
		SELECT d.id, d.depends_on_job_id, d.kind, j.status
		FROM job_dependencies d JOIN jobs j ON j.id = d.depends_on_job_id
		WHERE d.job_id = ? AND d.satisfied = 0`), jobID)
	if err != nil {
		return errors.Wrap(err, "failed to load dependencies")
	}
	for _, e := range edges {
		status := JobStatus(e.Status)
		if !status.IsTerminal() {
			continue
		}
		if !DependencyKind(e.Kind).Matches(status) {
			err := errors.Wrapf(errors.ErrConflict, "job %s depends on %s (%s), which is %s", jobID, e.DependsOn, e.Kind, status)
			return errors.WithHint(err, "retry the prerequisite first, or rerun this job without the dependency")
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE job_dependencies SET satisfied = 1 WHERE id = ?`), e.ID); err != nil {
			return errors.Wrap(err, "failed to satisfy dependency")
		}
	}
	return nil
}

// satisfyEdge marks one edge met and, once the dependent has no open edge
// left, makes it due.
func satisfyEdge(ctx context.Context, tx *sqlx.Tx, edgeID, jobID string, nowMS int64) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE job_dependencies SET satisfied = 1 WHERE id = ?`), edgeID); err != nil {
		return errors.Wrap(err, "failed to satisfy dependency")
	}
	var open int
	if err := tx.GetContext(ctx, &open, tx.Rebind(`SELECT COUNT(*) FROM job_dependencies WHERE job_id = ? AND satisfied = 0`), jobID); err != nil {
		return errors.Wrap(err, "failed to count open dependencies")
	}
	if open > 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE jobs
		SET next_run_at = CASE WHEN scheduled_at IS NOT NULL AND scheduled_at > ? THEN scheduled_at ELSE ? END,
			updated_at = ?
		WHERE id = ? AND status IN ('pending', 'scheduled') AND kind NOT IN ('cron', 'recurring')`),
		nowMS, nowMS, nowMS, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to release job %s", jobID)
	}
	return nil
}

// bulkCounter names the bulk_requests column a terminal status counts
// toward. Cancelled jobs count toward neither.
func bulkCounter(status JobStatus) string {
	switch status {
	case JobStatusCompleted:
		return "completed"
	case JobStatusFailed:
		return "failed"
	}
	return ""
}
