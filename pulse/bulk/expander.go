package bulk

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/clock"
)

const (
	DefaultChunkSize      = 500
	DefaultExpandInterval = 5 * time.Second

	// requestBatch bounds the requests picked up in one pass.
	requestBatch = 32
)

// Expander turns Pending and Processing bulk requests into jobs.
type Expander struct {
	store    *Store
	chunk    int
	interval time.Duration
	onEmit   func([]*async.Job)
	wake     chan struct{}
	logger   *zap.SugaredLogger
}

// NewExpander creates an expander. onEmit, if set, receives each committed
// chunk of jobs.
func NewExpander(store *Store, chunkSize int, interval time.Duration, onEmit func([]*async.Job), log *zap.SugaredLogger) *Expander {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if interval <= 0 {
		interval = DefaultExpandInterval
	}
	if log == nil {
		log = logger.Logger
	}
	return &Expander{
		store:    store,
		chunk:    chunkSize,
		interval: interval,
		onEmit:   onEmit,
		wake:     make(chan struct{}, 1),
		logger:   log.Named("bulk"),
	}
}

// Wake asks for an expansion pass without waiting for the interval.
func (e *Expander) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run expands pending requests at start, on every interval and on Wake,
// until ctx ends. Interrupted requests resume on the next pass.
func (e *Expander) Run(ctx context.Context) error {
	logger.AddPulseOpenSymbol(e.logger).Infow("Bulk expander started",
		logger.FieldBatchSize, e.chunk,
		"interval", e.interval,
	)
	for {
		if _, err := e.ExpandPending(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warnw("Bulk expansion pass failed", logger.FieldError, err)
		}
		select {
		case <-ctx.Done():
			logger.AddPulseCloseSymbol(e.logger).Infow("Bulk expander stopped")
			return nil
		case <-e.store.clock.After(e.interval):
		case <-e.wake:
		}
	}
}

// ExpandPending expands every open request and returns the number of jobs
// created.
func (e *Expander) ExpandPending(ctx context.Context) (int, error) {
	ids, err := e.store.pendingIDs(ctx, requestBatch)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		n, err := e.Expand(ctx, id)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			e.logger.Errorw("Failed to expand bulk request",
				logger.FieldBulkID, id,
				logger.FieldError, err,
			)
		}
	}
	return total, nil
}

// Expand inserts the remaining jobs of one request chunk by chunk and
// returns how many it created.
func (e *Expander) Expand(ctx context.Context, id string) (int, error) {
	total := 0
	for {
		jobs, done, err := e.expandChunk(ctx, id)
		total += len(jobs)
		if err != nil {
			return total, err
		}
		if len(jobs) > 0 && e.onEmit != nil {
			e.onEmit(jobs)
		}
		if done {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// expandChunk inserts the next chunk and advances the created counter in
// one transaction. done is true once the request needs no more passes.
func (e *Expander) expandChunk(ctx context.Context, id string) (jobs []*async.Job, done bool, err error) {
	var final Status
	err = e.store.jobs.WithTx(ctx, "expand bulk chunk", func(tx *sqlx.Tx) error {
		jobs = jobs[:0]
		done = false
		final = ""

		req, err := getRequest(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			done = true
			return nil
		}
		if len(req.Payloads) != req.Total {
			done, final = true, StatusFailed
			return e.markFailed(ctx, tx, req, errors.Newf("stored %d payloads for a total of %d", len(req.Payloads), req.Total))
		}

		end := req.Created + e.chunk
		if end > req.Total {
			end = req.Total
		}
		for i := req.Created; i < end; i++ {
			job, inserted, err := e.store.jobs.SubmitTx(ctx, tx, req.jobRequest(i))
			if errors.Is(err, errors.ErrInvalidRequest) || errors.Is(err, errors.ErrConflict) {
				req.Created = i
				done, final = true, StatusFailed
				return e.markFailed(ctx, tx, req, err)
			}
			if err != nil {
				return err
			}
			if inserted {
				jobs = append(jobs, job)
			}
		}

		now := clock.Millis(e.store.now())
		status := StatusProcessing
		var completedAt interface{}
		if end == req.Total {
			status = StatusCompleted
			completedAt = now
			done, final = true, StatusCompleted
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE bulk_requests SET status = ?, created = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`),
			string(status), end, completedAt, now, id)
		if err != nil {
			return errors.Wrapf(err, "failed to advance bulk request %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if len(jobs) > 0 {
		e.logger.Debugw("Expanded bulk chunk",
			logger.FieldBulkID, id,
			logger.FieldCount, len(jobs),
		)
	}
	if final == StatusCompleted {
		e.logger.Infow("Bulk request expanded", logger.FieldBulkID, id)
	}
	return jobs, done, nil
}

// markFailed stops expansion of req. Jobs created so far stay.
func (e *Expander) markFailed(ctx context.Context, tx *sqlx.Tx, req *Request, cause error) error {
	e.logger.Warnw("Bulk request cannot be expanded",
		logger.FieldBulkID, req.ID,
		logger.FieldError, cause,
	)
	now := clock.Millis(e.store.now())
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE bulk_requests SET status = 'failed', created = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`),
		req.Created, now, now, req.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark bulk request %s failed", req.ID)
	}
	return nil
}
