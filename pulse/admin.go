package pulse

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/bulk"
	"github.com/teranos/pulsed/pulse/schedule"
)

// Register adds a handler. Names must be unique.
func (s *Scheduler) Register(d async.Descriptor) {
	s.registry.Register(d)
}

// Submit validates and stores a job. A job without a timeout takes its
// handler's default. Resubmitting an existing ID returns the stored job.
func (s *Scheduler) Submit(ctx context.Context, req async.SubmitRequest) (*async.Job, error) {
	if req.TimeoutSeconds <= 0 {
		if d, ok := s.registry.Get(req.Handler); ok && d.DefaultTimeout > 0 {
			req.TimeoutSeconds = int(d.DefaultTimeout.Seconds())
		}
	}

	var (
		job      *async.Job
		inserted bool
	)
	err := s.store.WithTx(ctx, "submit", func(tx *sqlx.Tx) error {
		var err error
		job, inserted, err = s.store.SubmitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.Wrapf(errors.ErrConflict, "job for %s already exists under another key", req.Handler)
	}
	if inserted {
		s.metrics.Submitted(job.Queue)
		s.wake(ctx, job.Queue)
		s.logger.Debugw("Submitted job",
			logger.FieldJobID, job.ID,
			logger.FieldHandler, job.Handler,
			logger.FieldQueue, job.Queue,
		)
	}
	return job, nil
}

// SubmitFromTemplate submits a job from a stored template; set fields of
// overrides win.
func (s *Scheduler) SubmitFromTemplate(ctx context.Context, ref string, overrides async.SubmitRequest) (*async.Job, error) {
	job, err := s.schedules.SubmitFromTemplate(ctx, ref, overrides)
	if err != nil {
		return nil, err
	}
	s.emitted(job)
	return job, nil
}

// SubmitBulk stores a bulk request and wakes the expander.
func (s *Scheduler) SubmitBulk(ctx context.Context, spec bulk.Spec) (*bulk.Request, error) {
	req, err := s.bulks.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.expander.Wake()
	return req, nil
}

// CancelBulk stops a bulk request and cancels its jobs that have not started.
func (s *Scheduler) CancelBulk(ctx context.Context, id, reason string) (int, error) {
	return s.bulks.Cancel(ctx, id, reason)
}

// CreateSchedule stores a schedule and wakes the materializer.
func (s *Scheduler) CreateSchedule(ctx context.Context, spec schedule.ScheduleSpec) (*schedule.Schedule, error) {
	sched, err := s.schedules.CreateSchedule(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.materializer.Wake()
	return sched, nil
}

// EnableSchedule resumes a disabled schedule from now.
func (s *Scheduler) EnableSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	sched, err := s.schedules.EnableSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	s.materializer.Wake()
	return sched, nil
}

// DisableSchedule stops a schedule from emitting. Jobs already emitted stay.
func (s *Scheduler) DisableSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	return s.schedules.DisableSchedule(ctx, id)
}

// GetJob fetches one job.
func (s *Scheduler) GetJob(ctx context.Context, id string) (*async.Job, error) {
	return s.store.GetJob(ctx, id)
}

// ListJobs returns a page of jobs and the total match count.
func (s *Scheduler) ListJobs(ctx context.Context, f async.ListFilter) ([]*async.Job, int, error) {
	return s.store.ListJobs(ctx, f)
}

// ListExecutions returns a page of a job's attempts.
func (s *Scheduler) ListExecutions(ctx context.Context, jobID string, limit, offset int) ([]*async.Execution, int, error) {
	return s.store.ListExecutions(ctx, jobID, limit, offset)
}

// Cancel cancels a waiting job at once, or flags a running one so its
// handler context ends on the next lease renewal.
func (s *Scheduler) Cancel(ctx context.Context, id, reason string) (*async.Job, error) {
	job, err := s.store.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	s.wake(ctx, job.Queue)
	return job, nil
}

// Retry resets a failed, cancelled or paused job in place.
func (s *Scheduler) Retry(ctx context.Context, id string) (*async.Job, error) {
	job, err := s.store.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	s.wake(ctx, job.Queue)
	return job, nil
}

// Rerun submits a copy of a finished job that references the original.
func (s *Scheduler) Rerun(ctx context.Context, id, createdBy string) (*async.Job, error) {
	job, err := s.store.Rerun(ctx, id, createdBy)
	if err != nil {
		return nil, err
	}
	s.emitted(job)
	return job, nil
}

// PauseQueue stops claims from queue; submissions are still accepted.
func (s *Scheduler) PauseQueue(ctx context.Context, name string) (*async.Queue, error) {
	return s.setQueueStatus(ctx, name, async.QueuePaused)
}

// ResumeQueue reactivates a paused or stopped queue.
func (s *Scheduler) ResumeQueue(ctx context.Context, name string) (*async.Queue, error) {
	return s.setQueueStatus(ctx, name, async.QueueActive)
}

// StopQueue stops claims from queue and refuses new submissions to it.
func (s *Scheduler) StopQueue(ctx context.Context, name string) (*async.Queue, error) {
	return s.setQueueStatus(ctx, name, async.QueueStopped)
}

func (s *Scheduler) setQueueStatus(ctx context.Context, name string, status async.QueueStatus) (*async.Queue, error) {
	q, err := s.store.SetQueueStatus(ctx, name, status)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Queue status changed",
		logger.FieldQueue, name,
		logger.FieldStatus, status,
	)
	s.wake(ctx, name)
	return q, nil
}

// SyncQueues creates or updates queues from configuration. Queues absent
// from specs are left alone.
func (s *Scheduler) SyncQueues(ctx context.Context, specs []async.QueueSpec) error {
	for _, spec := range specs {
		if spec.MaxConcurrentJobs <= 0 {
			spec.MaxConcurrentJobs = async.DefaultMaxConcurrentJobs
		}
		_, err := s.store.UpdateQueue(ctx, spec)
		if errors.Is(err, errors.ErrNotFound) {
			_, err = s.store.CreateQueue(ctx, spec)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to sync queue %s", spec.Name)
		}
	}
	s.dispatcher.Wake()
	return nil
}
