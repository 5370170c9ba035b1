package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/calendar"
	"github.com/teranos/pulsed/pulse/clock"
)

// Store persists templates and schedules next to the job tables. It shares
// the job store's connection, clock and transaction retry.
type Store struct {
	jobs   *async.Store
	db     *sqlx.DB
	clock  clock.Clock
	logger *zap.SugaredLogger
}

// NewStore creates a schedule store backed by the job store's database.
func NewStore(jobs *async.Store, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.Logger
	}
	return &Store{
		jobs:   jobs,
		db:     jobs.DB(),
		clock:  jobs.Clock(),
		logger: log.Named("schedule"),
	}
}

// Jobs returns the job store schedules materialize into.
func (s *Store) Jobs() *async.Store { return s.jobs }

func (s *Store) now() time.Time {
	return s.clock.Now().Truncate(time.Millisecond)
}

const scheduleColumns = `id, name, template_id, job_name, handler, default_payload, queue, priority,
	max_retries, retry_delay_seconds, timeout_seconds,
	kind, cron_expression, interval_minutes, specific_times, run_on_days, day_of_month, timezone,
	start_date, end_date, next_scheduled_run, last_run, enabled, created_at, updated_at`

type scheduleRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	TemplateID        sql.NullString `db:"template_id"`
	JobName           string         `db:"job_name"`
	Handler           string         `db:"handler"`
	DefaultPayload    sql.NullString `db:"default_payload"`
	Queue             string         `db:"queue"`
	Priority          int            `db:"priority"`
	MaxRetries        int            `db:"max_retries"`
	RetryDelaySeconds int            `db:"retry_delay_seconds"`
	TimeoutSeconds    int            `db:"timeout_seconds"`
	Kind              string         `db:"kind"`
	CronExpression    sql.NullString `db:"cron_expression"`
	IntervalMinutes   sql.NullInt64  `db:"interval_minutes"`
	SpecificTimes     sql.NullString `db:"specific_times"`
	RunOnDays         int            `db:"run_on_days"`
	DayOfMonth        sql.NullInt64  `db:"day_of_month"`
	Timezone          string         `db:"timezone"`
	StartDate         sql.NullInt64  `db:"start_date"`
	EndDate           sql.NullInt64  `db:"end_date"`
	NextScheduledRun  sql.NullInt64  `db:"next_scheduled_run"`
	LastRun           sql.NullInt64  `db:"last_run"`
	Enabled           int            `db:"enabled"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

func (r *scheduleRow) toSchedule() *Schedule {
	s := &Schedule{
		ID:                r.ID,
		Name:              r.Name,
		TemplateID:        r.TemplateID.String,
		JobName:           r.JobName,
		Handler:           r.Handler,
		Queue:             r.Queue,
		Priority:          async.Priority(r.Priority),
		MaxRetries:        r.MaxRetries,
		RetryDelaySeconds: r.RetryDelaySeconds,
		TimeoutSeconds:    r.TimeoutSeconds,
		Kind:              calendar.Kind(r.Kind),
		CronExpression:    r.CronExpression.String,
		IntervalMinutes:   int(r.IntervalMinutes.Int64),
		RunOnDays:         calendar.Weekdays(r.RunOnDays),
		DayOfMonth:        int(r.DayOfMonth.Int64),
		Timezone:          r.Timezone,
		StartDate:         timePtr(r.StartDate),
		EndDate:           timePtr(r.EndDate),
		NextScheduledRun:  timePtr(r.NextScheduledRun),
		LastRun:           timePtr(r.LastRun),
		Enabled:           r.Enabled != 0,
		CreatedAt:         clock.FromMillis(r.CreatedAt),
		UpdatedAt:         clock.FromMillis(r.UpdatedAt),
	}
	if r.DefaultPayload.Valid {
		s.DefaultPayload = json.RawMessage(r.DefaultPayload.String)
	}
	if r.SpecificTimes.Valid && r.SpecificTimes.String != "" {
		// Written by CreateSchedule; a corrupt value surfaces as a
		// descriptor error on the next materialization.
		_ = json.Unmarshal([]byte(r.SpecificTimes.String), &s.SpecificTimes)
	}
	return s
}

// CreateSchedule validates spec, computes the first fire and stores the
// schedule. Resubmitting an existing ID returns the stored schedule.
func (s *Store) CreateSchedule(ctx context.Context, spec ScheduleSpec) (*Schedule, error) {
	var out *Schedule
	err := s.jobs.WithTx(ctx, "create schedule", func(tx *sqlx.Tx) error {
		if spec.ID != "" {
			existing, err := getSchedule(ctx, tx, spec.ID)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, errors.ErrNotFound) {
				return err
			}
		}
		if spec.TemplateID != "" {
			t, err := getTemplate(ctx, tx, spec.TemplateID)
			if errors.Is(err, errors.ErrNotFound) {
				return errors.Wrapf(errors.ErrInvalidRequest, "unknown template %s", spec.TemplateID)
			}
			if err != nil {
				return err
			}
			spec.applyTemplate(t)
		}

		sched, err := s.newSchedule(spec)
		if err != nil {
			return err
		}
		if err := insertSchedule(ctx, tx, sched); err != nil {
			return err
		}
		out = sched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// newSchedule applies defaults, validates the recurrence and sets the first fire.
func (s *Store) newSchedule(spec ScheduleSpec) (*Schedule, error) {
	now := s.now()
	if strings.TrimSpace(spec.Handler) == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "handler is required")
	}
	if spec.Priority == 0 {
		spec.Priority = async.PriorityNormal
	}
	if spec.Priority < async.PriorityLow || spec.Priority > async.PriorityCritical {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "priority %d out of range", spec.Priority)
	}
	if len(spec.DefaultPayload) > 0 && !json.Valid(spec.DefaultPayload) {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "default payload is not valid JSON")
	}

	sched := &Schedule{
		ID:                spec.ID,
		Name:              spec.Name,
		TemplateID:        spec.TemplateID,
		JobName:           spec.JobName,
		Handler:           spec.Handler,
		DefaultPayload:    spec.DefaultPayload,
		Queue:             spec.Queue,
		Priority:          spec.Priority,
		MaxRetries:        async.DefaultMaxRetries,
		RetryDelaySeconds: spec.RetryDelaySeconds,
		TimeoutSeconds:    spec.TimeoutSeconds,
		Kind:              spec.Kind,
		CronExpression:    strings.TrimSpace(spec.CronExpression),
		IntervalMinutes:   spec.IntervalMinutes,
		SpecificTimes:     spec.SpecificTimes,
		RunOnDays:         spec.RunOnDays,
		DayOfMonth:        spec.DayOfMonth,
		Timezone:          spec.Timezone,
		StartDate:         truncPtr(spec.StartDate),
		EndDate:           truncPtr(spec.EndDate),
		Enabled:           !spec.Disabled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if sched.ID == "" {
		sched.ID = async.NewID()
	}
	if sched.JobName == "" {
		sched.JobName = sched.Handler
	}
	if sched.Name == "" {
		sched.Name = sched.JobName
	}
	if sched.Queue == "" {
		sched.Queue = async.DefaultQueue
	}
	if spec.MaxRetries != nil {
		sched.MaxRetries = *spec.MaxRetries
	}
	if sched.MaxRetries < 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "max_retries must be >= 0, got %d", sched.MaxRetries)
	}
	if sched.RetryDelaySeconds <= 0 {
		sched.RetryDelaySeconds = async.DefaultRetryDelaySeconds
	}
	if sched.TimeoutSeconds <= 0 {
		sched.TimeoutSeconds = async.DefaultTimeoutSeconds
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}

	next, err := sched.nextAfter(now)
	if calendar.IsUnbounded(err) {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "schedule ends before its first fire")
	}
	if err != nil {
		return nil, errors.Mark(err, errors.ErrInvalidRequest)
	}
	if sched.Enabled {
		sched.NextScheduledRun = &next
	}
	return sched, nil
}

// nextAfter returns the first fire strictly after anchor.
func (s *Schedule) nextAfter(anchor time.Time) (time.Time, error) {
	d, err := s.Descriptor()
	if err != nil {
		return time.Time{}, err
	}
	return calendar.Next(d, anchor)
}

func insertSchedule(ctx context.Context, tx *sqlx.Tx, sched *Schedule) error {
	var times sql.NullString
	if len(sched.SpecificTimes) > 0 {
		raw, err := json.Marshal(sched.SpecificTimes)
		if err != nil {
			return errors.Wrap(err, "failed to encode specific times")
		}
		times = sql.NullString{String: string(raw), Valid: true}
	}
	var interval, dom sql.NullInt64
	if sched.IntervalMinutes > 0 {
		interval = sql.NullInt64{Int64: int64(sched.IntervalMinutes), Valid: true}
	}
	if sched.DayOfMonth > 0 {
		dom = sql.NullInt64{Int64: int64(sched.DayOfMonth), Valid: true}
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO job_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sched.ID, sched.Name, nullString(sched.TemplateID), sched.JobName, sched.Handler,
		sql.NullString{String: string(sched.DefaultPayload), Valid: len(sched.DefaultPayload) > 0},
		sched.Queue, int(sched.Priority),
		sched.MaxRetries, sched.RetryDelaySeconds, sched.TimeoutSeconds,
		string(sched.Kind), nullString(sched.CronExpression), interval, times, int(sched.RunOnDays), dom, sched.Timezone,
		nullMillis(sched.StartDate), nullMillis(sched.EndDate), nullMillis(sched.NextScheduledRun), nullMillis(sched.LastRun),
		boolInt(sched.Enabled), clock.Millis(sched.CreatedAt), clock.Millis(sched.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert schedule %s", sched.ID)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return getSchedule(ctx, s.db, id)
}

func getSchedule(ctx context.Context, q sqlx.ExtContext, id string) (*Schedule, error) {
	var row scheduleRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+scheduleColumns+` FROM job_schedules WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schedule")
	}
	return row.toSchedule(), nil
}

// ListSchedules returns every schedule ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.selectSchedules(ctx, `SELECT `+scheduleColumns+` FROM job_schedules ORDER BY name, id`)
}

// dueSchedules returns enabled schedules whose next fire is at or before until.
func (s *Store) dueSchedules(ctx context.Context, until time.Time, limit int) ([]*Schedule, error) {
	return s.selectSchedules(ctx, `
		SELECT `+scheduleColumns+` FROM job_schedules
		WHERE enabled = 1 AND next_scheduled_run IS NOT NULL AND next_scheduled_run <= ?
		ORDER BY next_scheduled_run, id
		LIMIT ?`, clock.Millis(until), limit)
}

// NextSchedule returns the enabled schedule that fires soonest, or nil.
func (s *Store) NextSchedule(ctx context.Context) (*Schedule, error) {
	list, err := s.selectSchedules(ctx, `
		SELECT `+scheduleColumns+` FROM job_schedules
		WHERE enabled = 1 AND next_scheduled_run IS NOT NULL
		ORDER BY next_scheduled_run, id
		LIMIT 1`)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (s *Store) selectSchedules(ctx context.Context, query string, args ...interface{}) ([]*Schedule, error) {
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	out := make([]*Schedule, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSchedule())
	}
	return out, nil
}

// EnableSchedule turns a schedule back on. Its next fire is computed from
// now, so fires missed while disabled are skipped.
func (s *Store) EnableSchedule(ctx context.Context, id string) (*Schedule, error) {
	var out *Schedule
	err := s.jobs.WithTx(ctx, "enable schedule", func(tx *sqlx.Tx) error {
		sched, err := getSchedule(ctx, tx, id)
		if err != nil {
			return err
		}
		if sched.Enabled {
			out = sched
			return nil
		}
		now := s.now()
		next, err := sched.nextAfter(now)
		if calendar.IsUnbounded(err) {
			return errors.Wrapf(errors.ErrConflict, "schedule %s has passed its end date", id)
		}
		if err != nil {
			return errors.Mark(err, errors.ErrInvalidRequest)
		}
		if err := setEnabled(ctx, tx, id, true, &next, now); err != nil {
			return err
		}
		sched.Enabled = true
		sched.NextScheduledRun = &next
		sched.UpdatedAt = now
		out = sched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DisableSchedule stops a schedule from materializing. Jobs already
// emitted are left alone.
func (s *Store) DisableSchedule(ctx context.Context, id string) (*Schedule, error) {
	var out *Schedule
	err := s.jobs.WithTx(ctx, "disable schedule", func(tx *sqlx.Tx) error {
		sched, err := getSchedule(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if err := setEnabled(ctx, tx, id, false, nil, now); err != nil {
			return err
		}
		sched.Enabled = false
		sched.NextScheduledRun = nil
		sched.UpdatedAt = now
		out = sched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func setEnabled(ctx context.Context, tx *sqlx.Tx, id string, enabled bool, next *time.Time, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE job_schedules SET enabled = ?, next_scheduled_run = ?, updated_at = ? WHERE id = ?`),
		boolInt(enabled), nullMillis(next), clock.Millis(now), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", id)
	}
	return nil
}

// DeleteSchedule removes a schedule. Emitted jobs keep their schedule_id.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return s.jobs.WithTx(ctx, "delete schedule", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM job_schedules WHERE id = ?`), id)
		if err != nil {
			return errors.Wrapf(err, "failed to delete schedule %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if n == 0 {
			return errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
		}
		return nil
	})
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := clock.FromMillis(v.Int64)
	return &t
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: clock.Millis(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Millisecond)
	return &v
}
