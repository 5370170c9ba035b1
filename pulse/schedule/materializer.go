package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/calendar"
	"github.com/teranos/pulsed/pulse/clock"
	"github.com/teranos/pulsed/sym"
)

const (
	DefaultMaterializeInterval = 60 * time.Second
	DefaultHorizon             = 5 * time.Minute

	// dueBatch bounds the schedules walked in one tick.
	dueBatch = 256
	// maxFiresPerSchedule bounds the jobs one schedule emits in one tick,
	// for sub-minute intervals against a long horizon.
	maxFiresPerSchedule = 100
)

// MaterializerConfig contains configuration for the materializer.
type MaterializerConfig struct {
	// Interval between walks (default: 60s)
	Interval time.Duration
	// Horizon is how far ahead fires are emitted as jobs (default: 5m)
	Horizon time.Duration
}

// Materializer walks enabled schedules and emits their fires within the
// horizon as jobs. Each schedule advances in its own transaction.
//
// A schedule whose stored next fire is in the past gets exactly that one
// fire emitted; later missed fires are skipped and the schedule is
// re-anchored from now.
type Materializer struct {
	store    *Store
	cfg      MaterializerConfig
	onEmit   func(*async.Job)
	metrics  func() async.SystemMetrics
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger
	wake     chan struct{}

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	jobsEmitted     int64
	lastActiveWork  int
}

// NewMaterializer creates a materializer. onEmit, if set, runs for every
// job emitted, after its transaction commits.
func NewMaterializer(store *Store, cfg MaterializerConfig, onEmit func(*async.Job), log *zap.SugaredLogger) *Materializer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMaterializeInterval
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if log == nil {
		log = logger.Logger
	}
	log = log.Named("materializer")
	return &Materializer{
		store:    store,
		cfg:      cfg,
		onEmit:   onEmit,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
		wake:     make(chan struct{}, 1),
	}
}

// Wake asks for a pass without waiting for the interval, typically after a
// schedule was created or enabled.
func (m *Materializer) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SetSystemMetrics attaches a worker/memory source for the tick status line.
func (m *Materializer) SetSystemMetrics(fn func() async.SystemMetrics) {
	m.metrics = fn
}

// Run materializes once at start, then every interval and on Wake, until
// ctx ends.
func (m *Materializer) Run(ctx context.Context) error {
	logger.AddPulseOpenSymbol(m.logger).Infow("Materializer started",
		"interval", m.cfg.Interval,
		"horizon", m.cfg.Horizon,
	)
	for {
		if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.pulseLog.Warnw("Materialize tick failed", logger.FieldError, err, "tick", m.ticks())
		}
		select {
		case <-ctx.Done():
			logger.AddPulseCloseSymbol(m.logger).Infow("Materializer stopped")
			return nil
		case <-m.store.clock.After(m.cfg.Interval):
		case <-m.wake:
		}
	}
}

// Tick runs one materialization pass and returns the number of jobs emitted.
func (m *Materializer) Tick(ctx context.Context) (int, error) {
	now := m.store.now()
	m.mu.Lock()
	m.lastTickAt = now
	m.ticksSinceStart++
	m.mu.Unlock()

	due, err := m.store.dueSchedules(ctx, now.Add(m.cfg.Horizon), dueBatch)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list due schedules")
	}

	emitted := 0
	for _, sched := range due {
		// Check for cancellation before each schedule
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		default:
		}

		jobs, err := m.materialize(ctx, sched.ID)
		if err != nil {
			m.pulseLog.Errorw("Failed to materialize schedule",
				logger.FieldScheduleID, sched.ID,
				"name", sched.Name,
				logger.FieldError, err,
			)
			continue
		}
		for _, job := range jobs {
			if m.onEmit != nil {
				m.onEmit(job)
			}
		}
		emitted += len(jobs)
	}

	m.mu.Lock()
	m.jobsEmitted += int64(emitted)
	m.mu.Unlock()

	m.logNextInfo(ctx, now)
	return emitted, nil
}

// materialize emits the fires of one schedule that fall within the horizon
// and advances next_scheduled_run, in one transaction.
func (m *Materializer) materialize(ctx context.Context, id string) ([]*async.Job, error) {
	var emitted []*async.Job
	err := m.store.jobs.WithTx(ctx, "materialize", func(tx *sqlx.Tx) error {
		emitted = emitted[:0]

		// Re-read inside the transaction; another process may have advanced it.
		sched, err := getSchedule(ctx, tx, id)
		if err != nil {
			return err
		}
		if !sched.Enabled || sched.NextScheduledRun == nil {
			return nil
		}
		desc, err := sched.Descriptor()
		if err != nil {
			return err
		}
		compiled, err := calendar.Compile(desc)
		if err != nil {
			return err
		}

		now := m.store.now()
		until := now.Add(m.cfg.Horizon)
		payload := m.resolvePayloadLastRun(sched)
		fire := *sched.NextScheduledRun

		for i := 0; !fire.After(until) && i < maxFiresPerSchedule; i++ {
			job, inserted, err := m.store.jobs.SubmitTx(ctx, tx, sched.submitRequest(payload, fire))
			switch {
			case errors.Is(err, errors.ErrConflict):
				m.pulseLog.Warnw("Skipping fire, queue is stopped",
					logger.FieldScheduleID, sched.ID,
					logger.FieldQueue, sched.Queue,
					"fire_at", fire,
				)
			case err != nil:
				return errors.Wrapf(err, "failed to emit fire %s", fire.Format(time.RFC3339))
			case inserted:
				emitted = append(emitted, job)
			}

			next, err := compiled.Next(fire)
			if err == nil && next.Before(now) {
				m.pulseLog.Infow("Skipping missed fires",
					logger.FieldScheduleID, sched.ID,
					"from", next,
					"until", now,
				)
				next, err = compiled.Next(now)
			}
			if calendar.IsUnbounded(err) {
				m.pulseLog.Infow("Schedule reached its end date",
					logger.FieldScheduleID, sched.ID,
					"name", sched.Name,
				)
				return setEnabled(ctx, tx, sched.ID, false, nil, now)
			}
			if err != nil {
				return err
			}
			fire = next
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE job_schedules SET next_scheduled_run = ?, updated_at = ? WHERE id = ?`),
			clock.Millis(fire), clock.Millis(now), sched.ID)
		if err != nil {
			return errors.Wrapf(err, "failed to advance schedule %s", sched.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, job := range emitted {
		m.pulseLog.Infow("Materialized scheduled job",
			logger.FieldScheduleID, id,
			logger.FieldJobID, job.ID,
			logger.FieldQueue, job.Queue,
			"fire_at", job.FireAt,
		)
	}
	return emitted, nil
}

// resolvePayloadLastRun replaces "since":"last_run" in the payload with the
// schedule's last run, so recurring jobs can process incrementally. With no
// last run the filter is dropped and the job processes everything.
func (m *Materializer) resolvePayloadLastRun(sched *Schedule) json.RawMessage {
	if len(sched.DefaultPayload) == 0 || !strings.Contains(string(sched.DefaultPayload), `"last_run"`) {
		return sched.DefaultPayload
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(sched.DefaultPayload, &payload); err != nil {
		return sched.DefaultPayload
	}
	if since, ok := payload["since"].(string); !ok || since != "last_run" {
		return sched.DefaultPayload
	}

	if sched.LastRun != nil {
		payload["since"] = sched.LastRun.Format(time.RFC3339)
		m.pulseLog.Debugw("Resolved since=last_run",
			logger.FieldScheduleID, sched.ID,
			"last_run", sched.LastRun)
	} else {
		delete(payload, "since")
		m.pulseLog.Debugw("No last run, dropping since filter",
			logger.FieldScheduleID, sched.ID)
	}

	resolved, err := json.Marshal(payload)
	if err != nil {
		return sched.DefaultPayload
	}
	return resolved
}

// logNextInfo logs the next schedule fire, but only when the amount of
// active work has changed since the previous tick.
func (m *Materializer) logNextInfo(ctx context.Context, now time.Time) {
	stats, err := m.store.jobs.JobStats(ctx)
	if err != nil {
		m.pulseLog.Warnw("Failed to get job stats", logger.FieldError, err)
		return
	}
	activeWork := stats[async.JobStatusPending] + stats[async.JobStatusScheduled] + stats[async.JobStatusRunning]

	m.mu.Lock()
	changed := activeWork != m.lastActiveWork
	m.lastActiveWork = activeWork
	m.mu.Unlock()
	if !changed {
		return
	}

	next, err := m.store.NextSchedule(ctx)
	if err != nil {
		m.pulseLog.Warnw("Failed to get next schedule", logger.FieldError, err)
		return
	}

	// One glyph per five jobs, capped at 60.
	indicator := ""
	if activeWork > 0 {
		n := activeWork/5 + 1
		if n > 60 {
			n = 60
		}
		indicator = strings.Repeat(sym.Pulse+" ", n)
	}

	var msg string
	if next == nil {
		msg = fmt.Sprintf("%sPulse - no scheduled fires", indicator)
	} else {
		until := next.NextScheduledRun.Sub(now)
		if until < 0 {
			until = 0
		}
		msg = fmt.Sprintf("%sPulse - next fire '%s' in %s", indicator, next.Name, until.Round(time.Second))
	}
	if activeWork > 0 {
		msg += fmt.Sprintf(", %d jobs active", activeWork)
	}
	if m.metrics != nil {
		sm := m.metrics()
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			sm.WorkersActive, sm.WorkersTotal,
			sm.MemoryUsedGB, sm.MemoryTotalGB, sm.MemoryPercent)
	}
	m.pulseLog.Infow(msg)
}

func (m *Materializer) ticks() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticksSinceStart
}

// GetStats returns materializer statistics.
func (m *Materializer) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]interface{}{
		"interval":          m.cfg.Interval.String(),
		"horizon":           m.cfg.Horizon.String(),
		"last_tick_at":      m.lastTickAt,
		"ticks_since_start": m.ticksSinceStart,
		"jobs_emitted":      m.jobsEmitted,
	}
}
