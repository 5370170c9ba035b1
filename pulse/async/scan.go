package async

import (
	"database/sql"
	"time"

	"github.com/teranos/pulsed/pulse/clock"
)

// jobColumns is the column list every job SELECT uses; jobRow mirrors it.
const jobColumns = `id, name, handler, payload, queue, priority, kind,
	cron_expression, interval_seconds, timezone,
	scheduled_at, next_run_at, status,
	run_count, success_count, failure_count, consecutive_failures,
	retry_count, max_retries, retry_delay_seconds, timeout_seconds,
	last_error, last_duration_ms, avg_duration_ms,
	tags, created_by, resource_key,
	locked_by, locked_at, expires_at,
	cancel_requested, cancel_reason,
	schedule_id, fire_at, bulk_id, bulk_index, template_id, rerun_of,
	created_at, updated_at, completed_at`

// jobRow holds the nullable scan targets for a job row.
type jobRow struct {
	ID       string         `db:"id"`
	Name     string         `db:"name"`
	Handler  string         `db:"handler"`
	Payload  sql.NullString `db:"payload"`
	Queue    string         `db:"queue"`
	Priority int            `db:"priority"`
	Kind     string         `db:"kind"`

	CronExpression  sql.NullString `db:"cron_expression"`
	IntervalSeconds sql.NullInt64  `db:"interval_seconds"`
	Timezone        string         `db:"timezone"`

	ScheduledAt sql.NullInt64 `db:"scheduled_at"`
	NextRunAt   int64         `db:"next_run_at"`
	Status      string        `db:"status"`

	RunCount            int `db:"run_count"`
	SuccessCount        int `db:"success_count"`
	FailureCount        int `db:"failure_count"`
	ConsecutiveFailures int `db:"consecutive_failures"`
	RetryCount          int `db:"retry_count"`
	MaxRetries          int `db:"max_retries"`
	RetryDelaySeconds   int `db:"retry_delay_seconds"`
	TimeoutSeconds      int `db:"timeout_seconds"`

	LastError      sql.NullString  `db:"last_error"`
	LastDurationMS sql.NullInt64   `db:"last_duration_ms"`
	AvgDurationMS  sql.NullFloat64 `db:"avg_duration_ms"`

	Tags        string         `db:"tags"`
	CreatedBy   string         `db:"created_by"`
	ResourceKey sql.NullString `db:"resource_key"`

	LockedBy  sql.NullString `db:"locked_by"`
	LockedAt  sql.NullInt64  `db:"locked_at"`
	ExpiresAt sql.NullInt64  `db:"expires_at"`

	CancelRequested int            `db:"cancel_requested"`
	CancelReason    sql.NullString `db:"cancel_reason"`

	ScheduleID sql.NullString `db:"schedule_id"`
	FireAt     sql.NullInt64  `db:"fire_at"`
	BulkID     sql.NullString `db:"bulk_id"`
	BulkIndex  sql.NullInt64  `db:"bulk_index"`
	TemplateID sql.NullString `db:"template_id"`
	RerunOf    sql.NullString `db:"rerun_of"`

	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
	CompletedAt sql.NullInt64 `db:"completed_at"`
}

func (r *jobRow) toJob() *Job {
	j := &Job{
		ID:                  r.ID,
		Name:                r.Name,
		Handler:             r.Handler,
		Queue:               r.Queue,
		Priority:            Priority(r.Priority),
		Kind:                Kind(r.Kind),
		CronExpression:      r.CronExpression.String,
		IntervalSeconds:     r.IntervalSeconds.Int64,
		Timezone:            r.Timezone,
		ScheduledAt:         timePtr(r.ScheduledAt),
		NextRunAt:           clock.FromMillis(r.NextRunAt),
		Status:              JobStatus(r.Status),
		RunCount:            r.RunCount,
		SuccessCount:        r.SuccessCount,
		FailureCount:        r.FailureCount,
		ConsecutiveFailures: r.ConsecutiveFailures,
		RetryCount:          r.RetryCount,
		MaxRetries:          r.MaxRetries,
		RetryDelaySeconds:   r.RetryDelaySeconds,
		TimeoutSeconds:      r.TimeoutSeconds,
		LastError:           r.LastError.String,
		Tags:                decodeTags(r.Tags),
		CreatedBy:           r.CreatedBy,
		ResourceKey:         r.ResourceKey.String,
		LockedBy:            r.LockedBy.String,
		LockedAt:            timePtr(r.LockedAt),
		ExpiresAt:           timePtr(r.ExpiresAt),
		CancelRequested:     r.CancelRequested != 0,
		CancelReason:        r.CancelReason.String,
		ScheduleID:          r.ScheduleID.String,
		FireAt:              timePtr(r.FireAt),
		BulkID:              r.BulkID.String,
		TemplateID:          r.TemplateID.String,
		RerunOf:             r.RerunOf.String,
		CreatedAt:           clock.FromMillis(r.CreatedAt),
		UpdatedAt:           clock.FromMillis(r.UpdatedAt),
		CompletedAt:         timePtr(r.CompletedAt),
	}
	if r.Payload.Valid {
		j.Payload = []byte(r.Payload.String)
	}
	if r.LastDurationMS.Valid {
		v := r.LastDurationMS.Int64
		j.LastDurationMS = &v
	}
	if r.AvgDurationMS.Valid {
		v := r.AvgDurationMS.Float64
		j.AvgDurationMS = &v
	}
	if r.BulkIndex.Valid {
		v := int(r.BulkIndex.Int64)
		j.BulkIndex = &v
	}
	return j
}

const executionColumns = `id, job_id, execution_number, started_at, completed_at,
	duration_ms, status, result, error_message, error_stack, error_kind,
	retry_of, retry_number, worker_id`

type executionRow struct {
	ID              string         `db:"id"`
	JobID           string         `db:"job_id"`
	ExecutionNumber int            `db:"execution_number"`
	StartedAt       int64          `db:"started_at"`
	CompletedAt     sql.NullInt64  `db:"completed_at"`
	DurationMS      sql.NullInt64  `db:"duration_ms"`
	Status          string         `db:"status"`
	Result          sql.NullString `db:"result"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ErrorStack      sql.NullString `db:"error_stack"`
	ErrorKind       sql.NullString `db:"error_kind"`
	RetryOf         sql.NullString `db:"retry_of"`
	RetryNumber     int            `db:"retry_number"`
	WorkerID        string         `db:"worker_id"`
}

func (r *executionRow) toExecution() *Execution {
	e := &Execution{
		ID:              r.ID,
		JobID:           r.JobID,
		ExecutionNumber: r.ExecutionNumber,
		StartedAt:       clock.FromMillis(r.StartedAt),
		CompletedAt:     timePtr(r.CompletedAt),
		Status:          ExecutionStatus(r.Status),
		ErrorMessage:    r.ErrorMessage.String,
		ErrorStack:      r.ErrorStack.String,
		ErrorKind:       ErrorKind(r.ErrorKind.String),
		RetryOf:         r.RetryOf.String,
		RetryNumber:     r.RetryNumber,
		WorkerID:        r.WorkerID,
	}
	if r.DurationMS.Valid {
		v := r.DurationMS.Int64
		e.DurationMS = &v
	}
	if r.Result.Valid {
		e.Result = []byte(r.Result.String)
	}
	return e
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := clock.FromMillis(v.Int64)
	return &t
}

// nullMillis converts an optional time to a nullable millisecond column.
func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: clock.Millis(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
