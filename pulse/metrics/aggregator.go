// Package metrics rolls dispatch events up into hourly per-queue rows and
// mirrors them as OpenTelemetry instruments.
//
// Counts accumulate in memory and are flushed with an additive upsert, so
// several processes can share one job_metrics table. Totals are stored next
// to the averages; each flush recomputes the averages from the totals.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/clock"
)

const (
	// DefaultFlushInterval is how often buckets are written out.
	DefaultFlushInterval = time.Minute

	meterName = "github.com/teranos/pulsed/pulse"

	finalFlushTimeout = 5 * time.Second
)

type bucketKey struct {
	date  string
	hour  int
	queue string
}

type bucket struct {
	submitted int64
	completed int64
	failed    int64
	timedOut  int64
	waitMS    float64
	processMS float64
}

func (b *bucket) add(o *bucket) {
	b.submitted += o.submitted
	b.completed += o.completed
	b.failed += o.failed
	b.timedOut += o.timedOut
	b.waitMS += o.waitMS
	b.processMS += o.processMS
}

// Aggregator implements async.Observer.
type Aggregator struct {
	store    *async.Store
	clock    clock.Clock
	interval time.Duration
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	submitted  metric.Int64Counter
	executions metric.Int64Counter
	wait       metric.Float64Histogram
	process    metric.Float64Histogram
}

var _ async.Observer = (*Aggregator)(nil)

// NewAggregator creates an aggregator writing to the job store's database.
// A nil meter falls back to the global meter provider.
func NewAggregator(store *async.Store, interval time.Duration, meter metric.Meter, log *zap.SugaredLogger) *Aggregator {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	if log == nil {
		log = logger.Logger
	}
	a := &Aggregator{
		store:    store,
		clock:    store.Clock(),
		interval: interval,
		logger:   log.Named("metrics"),
		buckets:  make(map[bucketKey]*bucket),
	}

	var err error
	a.submitted, err = meter.Int64Counter("pulsed.job.submitted",
		metric.WithDescription("Jobs accepted by the store"),
		metric.WithUnit("{job}"),
	)
	_ = err // noop fallback
	a.executions, err = meter.Int64Counter("pulsed.job.executions",
		metric.WithDescription("Finished executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	_ = err
	a.wait, err = meter.Float64Histogram("pulsed.job.wait",
		metric.WithDescription("Time from due to claimed"),
		metric.WithUnit("s"),
	)
	_ = err
	a.process, err = meter.Float64Histogram("pulsed.job.duration",
		metric.WithDescription("Handler run time"),
		metric.WithUnit("s"),
	)
	_ = err
	return a
}

func (a *Aggregator) key(queue string) bucketKey {
	now := a.clock.Now().UTC()
	return bucketKey{date: now.Format(time.DateOnly), hour: now.Hour(), queue: queue}
}

func (a *Aggregator) bucketLocked(k bucketKey) *bucket {
	b, ok := a.buckets[k]
	if !ok {
		b = &bucket{}
		a.buckets[k] = b
	}
	return b
}

// Submitted counts a new job in the current hour.
func (a *Aggregator) Submitted(queue string) {
	k := a.key(queue)
	a.mu.Lock()
	a.bucketLocked(k).submitted++
	a.mu.Unlock()

	if a.submitted != nil {
		a.submitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("queue", queue)))
	}
}

// Finished counts one execution outcome. Cancelled and lost executions only
// reach the OpenTelemetry counter; the hourly row tracks completed, failed
// and timed out runs.
func (a *Aggregator) Finished(queue string, status async.ExecutionStatus, wait, process time.Duration) {
	k := a.key(queue)
	a.mu.Lock()
	b := a.bucketLocked(k)
	counted := true
	switch status {
	case async.ExecutionCompleted:
		b.completed++
	case async.ExecutionFailed:
		b.failed++
	case async.ExecutionTimeout:
		b.timedOut++
	default:
		counted = false
	}
	if counted {
		b.waitMS += float64(wait) / float64(time.Millisecond)
		b.processMS += float64(process) / float64(time.Millisecond)
	}
	a.mu.Unlock()

	ctx := context.Background()
	q := attribute.String("queue", queue)
	if a.executions != nil {
		a.executions.Add(ctx, 1, metric.WithAttributes(q, attribute.String("status", string(status))))
	}
	if !counted {
		return
	}
	if a.wait != nil {
		a.wait.Record(ctx, wait.Seconds(), metric.WithAttributes(q))
	}
	if a.process != nil {
		a.process.Record(ctx, process.Seconds(), metric.WithAttributes(q, attribute.String("status", string(status))))
	}
}

// Run flushes on every interval until ctx ends, then flushes once more.
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			defer cancel()
			if err := a.Flush(flushCtx); err != nil {
				a.logger.Warnw("Final metrics flush failed", logger.FieldError, err)
			}
			return nil
		case <-a.clock.After(a.interval):
			if err := a.Flush(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warnw("Metrics flush failed", logger.FieldError, err)
			}
		}
	}
}

// Flush writes the pending buckets. On failure they are kept for the next
// flush.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	pending := a.buckets
	a.buckets = make(map[bucketKey]*bucket)
	a.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	now := clock.Millis(a.clock.Now())
	err := a.store.WithTx(ctx, "flush metrics", func(tx *sqlx.Tx) error {
		for k, b := range pending {
			if err := upsert(ctx, tx, k, b, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		a.mu.Lock()
		for k, b := range pending {
			a.bucketLocked(k).add(b)
		}
		a.mu.Unlock()
		return err
	}

	a.logger.Debugw("Flushed job metrics", logger.FieldCount, len(pending))
	return nil
}

func upsert(ctx context.Context, tx *sqlx.Tx, k bucketKey, b *bucket, now int64) error {
	finished := b.completed + b.failed + b.timedOut
	var avgWait, avgProcess float64
	if finished > 0 {
		avgWait = b.waitMS / float64(finished)
		avgProcess = b.processMS / float64(finished)
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO job_metrics (
			date, hour, queue, submitted, completed, failed, timed_out,
			total_wait_ms, total_process_ms, avg_wait_ms, avg_process_ms, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (date, hour, queue) DO UPDATE SET
			submitted = job_metrics.submitted + excluded.submitted,
			completed = job_metrics.completed + excluded.completed,
			failed = job_metrics.failed + excluded.failed,
			timed_out = job_metrics.timed_out + excluded.timed_out,
			total_wait_ms = job_metrics.total_wait_ms + excluded.total_wait_ms,
			total_process_ms = job_metrics.total_process_ms + excluded.total_process_ms,
			avg_wait_ms = CASE
				WHEN job_metrics.completed + job_metrics.failed + job_metrics.timed_out
					+ excluded.completed + excluded.failed + excluded.timed_out = 0 THEN 0
				ELSE (job_metrics.total_wait_ms + excluded.total_wait_ms)
					/ (job_metrics.completed + job_metrics.failed + job_metrics.timed_out
						+ excluded.completed + excluded.failed + excluded.timed_out)
			END,
			avg_process_ms = CASE
				WHEN job_metrics.completed + job_metrics.failed + job_metrics.timed_out
					+ excluded.completed + excluded.failed + excluded.timed_out = 0 THEN 0
				ELSE (job_metrics.total_process_ms + excluded.total_process_ms)
					/ (job_metrics.completed + job_metrics.failed + job_metrics.timed_out
						+ excluded.completed + excluded.failed + excluded.timed_out)
			END,
			updated_at = excluded.updated_at`),
		k.date, k.hour, k.queue, b.submitted, b.completed, b.failed, b.timedOut,
		b.waitMS, b.processMS, avgWait, avgProcess, now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert metrics for %s %s:%02d", k.queue, k.date, k.hour)
	}
	return nil
}
