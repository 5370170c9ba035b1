package server

import (
	"encoding/json"
	"time"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/bulk"
	"github.com/teranos/pulsed/pulse/calendar"
	"github.com/teranos/pulsed/pulse/schedule"
)

// =======================
// Requests
// =======================

// SubmitJobRequest is the body of POST /api/pulse/jobs. As a template
// override, empty fields keep the template's values.
type SubmitJobRequest struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Handler  string          `json:"handler"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Queue    string          `json:"queue,omitempty"`
	Priority string          `json:"priority,omitempty"` // low, normal, high, critical

	// At most one of ScheduledAt and DelaySeconds.
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	DelaySeconds int        `json:"delay_seconds,omitempty"`

	// At most one of CronExpression and IntervalSeconds.
	CronExpression  string `json:"cron_expression,omitempty"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	Timezone        string `json:"timezone,omitempty"`

	MaxRetries        *int `json:"max_retries,omitempty"`
	RetryDelaySeconds int  `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds    int  `json:"timeout_seconds,omitempty"`

	Tags        []string            `json:"tags,omitempty"`
	ResourceKey string              `json:"resource_key,omitempty"`
	DependsOn   []DependencyRequest `json:"depends_on,omitempty"`
	CreatedBy   string              `json:"created_by,omitempty"`
}

// DependencyRequest is one prerequisite edge. Kind defaults to on_success.
type DependencyRequest struct {
	DependsOn string `json:"depends_on"`
	Kind      string `json:"kind,omitempty"`
}

func (r SubmitJobRequest) toSubmitRequest(now time.Time) (async.SubmitRequest, error) {
	req := async.SubmitRequest{
		ID:                r.ID,
		Name:              r.Name,
		Handler:           r.Handler,
		Payload:           r.Payload,
		Queue:             r.Queue,
		CronExpression:    r.CronExpression,
		Interval:          time.Duration(r.IntervalSeconds) * time.Second,
		Timezone:          r.Timezone,
		ScheduledAt:       r.ScheduledAt,
		MaxRetries:        r.MaxRetries,
		RetryDelaySeconds: r.RetryDelaySeconds,
		TimeoutSeconds:    r.TimeoutSeconds,
		Tags:              r.Tags,
		ResourceKey:       r.ResourceKey,
		CreatedBy:         r.CreatedBy,
	}

	if r.Priority != "" {
		p, err := async.ParsePriority(r.Priority)
		if err != nil {
			return req, err
		}
		req.Priority = p
	}

	switch {
	case r.DelaySeconds < 0:
		return req, errors.NewInvalidRequestError("delay_seconds cannot be negative")
	case r.DelaySeconds > 0 && r.ScheduledAt != nil:
		return req, errors.NewInvalidRequestError("scheduled_at and delay_seconds are mutually exclusive")
	case r.DelaySeconds > 0:
		at := now.Add(time.Duration(r.DelaySeconds) * time.Second)
		req.ScheduledAt = &at
	}

	switch {
	case r.IntervalSeconds < 0:
		return req, errors.NewInvalidRequestError("interval_seconds cannot be negative")
	case r.CronExpression != "" && r.IntervalSeconds > 0:
		return req, errors.NewInvalidRequestError("cron_expression and interval_seconds are mutually exclusive")
	case r.CronExpression != "":
		req.Kind = async.KindCron
	case r.IntervalSeconds > 0:
		req.Kind = async.KindRecurring
	}

	for _, d := range r.DependsOn {
		if d.DependsOn == "" {
			return req, errors.NewInvalidRequestError("depends_on entries need a job id")
		}
		req.DependsOn = append(req.DependsOn, async.Dependency{
			DependsOn: d.DependsOn,
			Kind:      async.DependencyKind(d.Kind),
		})
	}
	return req, nil
}

// CreateScheduleRequest is the body of POST /api/pulse/schedules.
type CreateScheduleRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Template string `json:"template,omitempty"` // template id or name

	JobName           string          `json:"job_name,omitempty"`
	Handler           string          `json:"handler,omitempty"`
	DefaultPayload    json.RawMessage `json:"default_payload,omitempty"`
	Queue             string          `json:"queue,omitempty"`
	Priority          string          `json:"priority,omitempty"`
	MaxRetries        *int            `json:"max_retries,omitempty"`
	RetryDelaySeconds int             `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds    int             `json:"timeout_seconds,omitempty"`

	Kind            string   `json:"kind"`
	CronExpression  string   `json:"cron_expression,omitempty"`
	IntervalMinutes int      `json:"interval_minutes,omitempty"`
	SpecificTimes   []string `json:"specific_times,omitempty"`
	RunOnDays       string   `json:"run_on_days,omitempty"` // e.g. "mon,wed,fri"
	DayOfMonth      int      `json:"day_of_month,omitempty"`
	Timezone        string   `json:"timezone,omitempty"`
	StartDate       string   `json:"start_date,omitempty"` // YYYY-MM-DD
	EndDate         string   `json:"end_date,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

// toSpec builds the schedule spec. The template reference is resolved by
// the caller.
func (r CreateScheduleRequest) toSpec() (schedule.ScheduleSpec, error) {
	spec := schedule.ScheduleSpec{
		ID:                r.ID,
		Name:              r.Name,
		JobName:           r.JobName,
		Handler:           r.Handler,
		DefaultPayload:    r.DefaultPayload,
		Queue:             r.Queue,
		MaxRetries:        r.MaxRetries,
		RetryDelaySeconds: r.RetryDelaySeconds,
		TimeoutSeconds:    r.TimeoutSeconds,
		Kind:              calendar.Kind(r.Kind),
		CronExpression:    r.CronExpression,
		IntervalMinutes:   r.IntervalMinutes,
		SpecificTimes:     r.SpecificTimes,
		DayOfMonth:        r.DayOfMonth,
		Timezone:          r.Timezone,
		Disabled:          r.Disabled,
	}

	var err error
	if r.Priority != "" {
		if spec.Priority, err = async.ParsePriority(r.Priority); err != nil {
			return spec, err
		}
	}
	if r.RunOnDays != "" {
		if spec.RunOnDays, err = calendar.ParseWeekdays(r.RunOnDays); err != nil {
			return spec, errors.Mark(err, errors.ErrInvalidRequest)
		}
	}
	if spec.StartDate, err = parseDate("start_date", r.StartDate); err != nil {
		return spec, err
	}
	if spec.EndDate, err = parseDate("end_date", r.EndDate); err != nil {
		return spec, err
	}
	return spec, nil
}

func parseDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, errors.NewInvalidRequestError("%s must be YYYY-MM-DD, got %q", field, s)
	}
	return &d, nil
}

// UpdateScheduleRequest is the body of PATCH /api/pulse/schedules/{id}.
type UpdateScheduleRequest struct {
	Enabled *bool `json:"enabled"`
}

// SubmitBulkRequest is the body of POST /api/pulse/bulk.
type SubmitBulkRequest struct {
	ID                string            `json:"id,omitempty"`
	Name              string            `json:"name,omitempty"`
	Handler           string            `json:"handler"`
	Queue             string            `json:"queue,omitempty"`
	Payloads          []json.RawMessage `json:"payloads"`
	Priority          string            `json:"priority,omitempty"`
	MaxRetries        *int              `json:"max_retries,omitempty"`
	RetryDelaySeconds int               `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty"`
	CreatedBy         string            `json:"created_by,omitempty"`
}

func (r SubmitBulkRequest) toSpec() (bulk.Spec, error) {
	spec := bulk.Spec{
		ID:                r.ID,
		Name:              r.Name,
		Handler:           r.Handler,
		Queue:             r.Queue,
		Payloads:          r.Payloads,
		MaxRetries:        r.MaxRetries,
		RetryDelaySeconds: r.RetryDelaySeconds,
		TimeoutSeconds:    r.TimeoutSeconds,
		CreatedBy:         r.CreatedBy,
	}
	if r.Priority != "" {
		p, err := async.ParsePriority(r.Priority)
		if err != nil {
			return spec, err
		}
		spec.Priority = p
	}
	return spec, nil
}

// CancelRequest is the optional body of the cancel endpoints.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RerunRequest is the optional body of POST /api/pulse/jobs/{id}/rerun.
type RerunRequest struct {
	CreatedBy string `json:"created_by,omitempty"`
}

// =======================
// Responses
// =======================

// ListJobsResponse represents the response for listing jobs
type ListJobsResponse struct {
	Jobs    []*async.Job `json:"jobs"`
	Count   int          `json:"count"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
}

// ListExecutionsResponse represents the response for listing job executions
type ListExecutionsResponse struct {
	Executions []*async.Execution `json:"executions"`
	Count      int                `json:"count"`
	Total      int                `json:"total"`
	HasMore    bool               `json:"has_more"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	WorkerID string `json:"worker_id"`
}
