// Package async provides durable job execution with pulse control: the job
// store and its claim primitive, retry policy, handler registry, lease
// renewal, and the dispatcher that runs claimed work.
package async

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/calendar"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusPaused    JobStatus = "paused"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusScheduled, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusPaused:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further execution will be attempted.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Priority orders claims; higher runs first. The zero value means unset
// and resolves to PriorityNormal at submit.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts a name or its numeric value.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "2":
		return PriorityNormal, nil
	case "low", "1":
		return PriorityLow, nil
	case "high", "3":
		return PriorityHigh, nil
	case "critical", "4":
		return PriorityCritical, nil
	}
	return 0, errors.Wrapf(errors.ErrInvalidRequest, "unknown priority %q", s)
}

// Kind describes how a job recurs.
type Kind string

const (
	KindOneTime        Kind = "one_time"
	KindRecurring      Kind = "recurring"
	KindCron           Kind = "cron"
	KindEventTriggered Kind = "event_triggered"
)

// Job is the primary unit of work.
//
// ARCHITECTURE: Generic job system with handler-based execution
// - Infrastructure (pulse/async) is domain-agnostic
// - Handler identifies which registered function executes the job
// - Payload contains handler-specific data (the handler owns its structure)
type Job struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Handler  string          `json:"handler"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Queue    string          `json:"queue"`
	Priority Priority        `json:"priority"`
	Kind     Kind            `json:"kind"`

	CronExpression  string `json:"cron_expression,omitempty"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	Timezone        string `json:"timezone"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	NextRunAt   time.Time  `json:"next_run_at"`
	Status      JobStatus  `json:"status"`

	RunCount            int `json:"run_count"`
	SuccessCount        int `json:"success_count"`
	FailureCount        int `json:"failure_count"`
	ConsecutiveFailures int `json:"consecutive_failures"`
	RetryCount          int `json:"retry_count"`
	MaxRetries          int `json:"max_retries"`
	RetryDelaySeconds   int `json:"retry_delay_seconds"`
	TimeoutSeconds      int `json:"timeout_seconds"`

	LastError      string   `json:"last_error,omitempty"`
	LastDurationMS *int64   `json:"last_duration_ms,omitempty"`
	AvgDurationMS  *float64 `json:"avg_duration_ms,omitempty"`

	Tags        []string `json:"tags,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`
	ResourceKey string   `json:"resource_key,omitempty"`

	LockedBy  string     `json:"locked_by,omitempty"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CancelRequested bool   `json:"cancel_requested,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`

	// Lineage
	ScheduleID string     `json:"schedule_id,omitempty"`
	FireAt     *time.Time `json:"fire_at,omitempty"`
	BulkID     string     `json:"bulk_id,omitempty"`
	BulkIndex  *int       `json:"bulk_index,omitempty"`
	TemplateID string     `json:"template_id,omitempty"`
	RerunOf    string     `json:"rerun_of,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Timeout returns the handler time budget.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// IsRecurring reports whether the job runs again after a terminal outcome.
func (j *Job) IsRecurring() bool {
	return (j.Kind == KindCron && j.CronExpression != "") ||
		(j.Kind == KindRecurring && j.IntervalSeconds > 0)
}

// Recurrence returns the job's calendar descriptor.
func (j *Job) Recurrence() (calendar.Descriptor, bool) {
	switch {
	case j.Kind == KindCron && j.CronExpression != "":
		return calendar.Descriptor{Kind: calendar.KindCron, Expression: j.CronExpression, Timezone: j.Timezone}, true
	case j.Kind == KindRecurring && j.IntervalSeconds > 0:
		return calendar.Descriptor{
			Kind:     calendar.KindInterval,
			Interval: time.Duration(j.IntervalSeconds) * time.Second,
			Timezone: j.Timezone,
		}, true
	}
	return calendar.Descriptor{}, false
}

// HasTag reports whether the job carries tag.
func (j *Job) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ExecutionStatus is the outcome of one attempt.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Execution is one attempt of a job.
type Execution struct {
	ID              string          `json:"id"`
	JobID           string          `json:"job_id"`
	ExecutionNumber int             `json:"execution_number"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationMS      *int64          `json:"duration_ms,omitempty"`
	Status          ExecutionStatus `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorStack      string          `json:"error_stack,omitempty"`
	ErrorKind       ErrorKind       `json:"error_kind,omitempty"`
	RetryOf         string          `json:"retry_of,omitempty"`
	RetryNumber     int             `json:"retry_number"`
	WorkerID        string          `json:"worker_id"`
}

// DependencyKind selects which prerequisite outcome satisfies an edge.
type DependencyKind string

const (
	OnSuccess    DependencyKind = "on_success"
	OnFailure    DependencyKind = "on_failure"
	OnCompletion DependencyKind = "on_completion"
)

// Matches reports whether a prerequisite finishing with status satisfies k.
func (k DependencyKind) Matches(status JobStatus) bool {
	switch k {
	case OnSuccess:
		return status == JobStatusCompleted
	case OnFailure:
		return status == JobStatusFailed
	case OnCompletion:
		return status.IsTerminal()
	}
	return false
}

func (k DependencyKind) valid() bool {
	return k == OnSuccess || k == OnFailure || k == OnCompletion
}

// Dependency is an edge from a job to one of its prerequisites.
type Dependency struct {
	ID        string         `json:"id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	DependsOn string         `json:"depends_on"`
	Kind      DependencyKind `json:"kind"`
	Satisfied bool           `json:"satisfied"`
}

// SubmitRequest carries a new job. Zero values take the defaults below.
type SubmitRequest struct {
	// ID is optional; callers that need idempotent submission supply their own.
	ID       string
	Name     string
	Handler  string
	Payload  json.RawMessage
	Queue    string
	Priority Priority
	Kind     Kind

	CronExpression string
	Interval       time.Duration
	Timezone       string
	ScheduledAt    *time.Time

	// MaxRetries nil means DefaultMaxRetries; zero disables retries.
	MaxRetries        *int
	RetryDelaySeconds int
	TimeoutSeconds    int

	Tags        []string
	CreatedBy   string
	ResourceKey string
	DependsOn   []Dependency

	ScheduleID string
	FireAt     *time.Time
	BulkID     string
	BulkIndex  *int
	TemplateID string
	RerunOf    string
}

const (
	DefaultQueue             = "default"
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 60
	DefaultTimeoutSeconds    = 300
)

// newJob validates req and builds the job row it describes.
func newJob(req SubmitRequest, now time.Time) (*Job, error) {
	if strings.TrimSpace(req.Handler) == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "handler is required")
	}
	if req.Priority == 0 {
		req.Priority = PriorityNormal
	}
	if req.Priority < PriorityLow || req.Priority > PriorityCritical {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "priority %d out of range", req.Priority)
	}

	job := &Job{
		ID:                req.ID,
		Name:              req.Name,
		Handler:           req.Handler,
		Payload:           req.Payload,
		Queue:             req.Queue,
		Priority:          req.Priority,
		Kind:              req.Kind,
		CronExpression:    strings.TrimSpace(req.CronExpression),
		IntervalSeconds:   int64(req.Interval / time.Second),
		Timezone:          req.Timezone,
		ScheduledAt:       req.ScheduledAt,
		MaxRetries:        DefaultMaxRetries,
		RetryDelaySeconds: req.RetryDelaySeconds,
		TimeoutSeconds:    req.TimeoutSeconds,
		Tags:              normalizeTags(req.Tags),
		CreatedBy:         req.CreatedBy,
		ResourceKey:       req.ResourceKey,
		ScheduleID:        req.ScheduleID,
		FireAt:            req.FireAt,
		BulkID:            req.BulkID,
		BulkIndex:         req.BulkIndex,
		TemplateID:        req.TemplateID,
		RerunOf:           req.RerunOf,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.Name == "" {
		job.Name = job.Handler
	}
	if job.Queue == "" {
		job.Queue = DefaultQueue
	}
	if job.Kind == "" {
		job.Kind = KindOneTime
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if job.MaxRetries < 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "max_retries must be >= 0, got %d", job.MaxRetries)
	}
	if job.RetryDelaySeconds <= 0 {
		job.RetryDelaySeconds = DefaultRetryDelaySeconds
	}
	if job.TimeoutSeconds <= 0 {
		job.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if job.ScheduledAt != nil {
		t := job.ScheduledAt.UTC().Truncate(time.Millisecond)
		job.ScheduledAt = &t
	}

	if _, err := calendar.LoadLocation(job.Timezone); err != nil {
		return nil, errors.Mark(err, errors.ErrInvalidRequest)
	}

	switch job.Kind {
	case KindOneTime, KindEventTriggered:
	case KindCron:
		if err := calendar.ValidateCron(job.CronExpression); err != nil {
			return nil, errors.Mark(err, errors.ErrInvalidRequest)
		}
	case KindRecurring:
		if job.IntervalSeconds < 1 {
			return nil, errors.Wrap(errors.ErrInvalidRequest, "recurring job needs an interval of at least one second")
		}
	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown job kind %q", job.Kind)
	}

	// First eligible moment.
	job.Status = JobStatusPending
	job.NextRunAt = now
	if job.ScheduledAt != nil {
		job.NextRunAt = *job.ScheduledAt
		job.Status = JobStatusScheduled
	}
	if job.Kind == KindCron {
		anchor := now
		if job.ScheduledAt != nil && job.ScheduledAt.After(now) {
			anchor = job.ScheduledAt.Add(-time.Millisecond)
		}
		desc, _ := job.Recurrence()
		next, err := calendar.Next(desc, anchor)
		if err != nil {
			return nil, errors.Mark(err, errors.ErrInvalidRequest)
		}
		job.NextRunAt = next
		job.Status = JobStatusScheduled
	}
	return job, nil
}

// NewID returns a time-ordered 128-bit identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func normalizeTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || strings.Contains(t, ",") || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// encodeTags stores tags as ",a,b," so a single LIKE finds one tag.
func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

func decodeTags(s string) []string {
	s = strings.Trim(s, ",")
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
