// Package schedule stores job templates and recurring schedules and
// materializes due schedule fires into jobs.
//
// A schedule never runs anything itself. The materializer turns each fire
// instant into an ordinary one-time job carrying (schedule_id, fire_at),
// and the job store's uniqueness on that pair makes materialization safe to
// repeat across ticks and processes.
package schedule

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/calendar"
)

// Template holds reusable job defaults.
type Template struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Handler           string          `json:"handler"`
	DefaultPayload    json.RawMessage `json:"default_payload,omitempty"`
	Queue             string          `json:"queue"`
	Priority          async.Priority  `json:"priority"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	MaxRetries        int             `json:"max_retries"`
	RetryDelaySeconds int             `json:"retry_delay_seconds"`
	Tags              []string        `json:"tags,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Schedule is a recurring job definition.
type Schedule struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TemplateID string `json:"template_id,omitempty"`

	// Job fields copied onto every emitted job.
	JobName           string          `json:"job_name"`
	Handler           string          `json:"handler"`
	DefaultPayload    json.RawMessage `json:"default_payload,omitempty"`
	Queue             string          `json:"queue"`
	Priority          async.Priority  `json:"priority"`
	MaxRetries        int             `json:"max_retries"`
	RetryDelaySeconds int             `json:"retry_delay_seconds"`
	TimeoutSeconds    int             `json:"timeout_seconds"`

	Kind            calendar.Kind `json:"kind"`
	CronExpression  string        `json:"cron_expression,omitempty"`
	IntervalMinutes int           `json:"interval_minutes,omitempty"`

	// SpecificTimes holds "HH:MM" times for daily, weekly and monthly
	// schedules and "<weekday> HH:MM" slots for specific_times.
	SpecificTimes []string          `json:"specific_times,omitempty"`
	RunOnDays     calendar.Weekdays `json:"run_on_days,omitempty"`
	DayOfMonth    int               `json:"day_of_month,omitempty"`
	Timezone      string            `json:"timezone"`
	StartDate     *time.Time        `json:"start_date,omitempty"`
	EndDate       *time.Time        `json:"end_date,omitempty"`

	NextScheduledRun *time.Time `json:"next_scheduled_run,omitempty"`
	LastRun          *time.Time `json:"last_run,omitempty"`
	Enabled          bool       `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Descriptor maps the schedule's columns onto a calendar descriptor.
// Interval schedules without a start date are anchored at creation so
// their fires stay on a fixed grid.
func (s *Schedule) Descriptor() (calendar.Descriptor, error) {
	d := calendar.Descriptor{
		Kind:       s.Kind,
		Expression: strings.TrimSpace(s.CronExpression),
		Days:       s.RunOnDays,
		DayOfMonth: s.DayOfMonth,
		Timezone:   s.Timezone,
		Start:      s.StartDate,
		End:        s.EndDate,
	}

	var err error
	switch s.Kind {
	case calendar.KindCron:
	case calendar.KindInterval:
		d.Interval = time.Duration(s.IntervalMinutes) * time.Minute
		if d.Start == nil && !s.CreatedAt.IsZero() {
			start := s.CreatedAt
			d.Start = &start
		}
	case calendar.KindDaily, calendar.KindWeekly, calendar.KindMonthly:
		d.Times, err = calendar.ParseTimes(s.SpecificTimes)
	case calendar.KindSpecificTimes:
		d.Slots, err = calendar.ParseSlots(s.SpecificTimes)
	default:
		err = errors.Wrapf(calendar.ErrInvalidExpression, "unknown schedule kind %q", s.Kind)
	}
	if err != nil {
		return calendar.Descriptor{}, err
	}
	return d, nil
}

// submitRequest builds the job emitted for the fire at fireAt.
func (s *Schedule) submitRequest(payload json.RawMessage, fireAt time.Time) async.SubmitRequest {
	maxRetries := s.MaxRetries
	return async.SubmitRequest{
		Name:              s.JobName,
		Handler:           s.Handler,
		Payload:           payload,
		Queue:             s.Queue,
		Priority:          s.Priority,
		Kind:              async.KindOneTime,
		ScheduledAt:       &fireAt,
		MaxRetries:        &maxRetries,
		RetryDelaySeconds: s.RetryDelaySeconds,
		TimeoutSeconds:    s.TimeoutSeconds,
		CreatedBy:         "schedule:" + s.ID,
		ScheduleID:        s.ID,
		FireAt:            &fireAt,
		TemplateID:        s.TemplateID,
	}
}

// TemplateSpec creates a template. Zero values take the job defaults.
type TemplateSpec struct {
	Name              string
	Description       string
	Handler           string
	DefaultPayload    json.RawMessage
	Queue             string
	Priority          async.Priority
	TimeoutSeconds    int
	MaxRetries        *int
	RetryDelaySeconds int
	Tags              []string
}

// ScheduleSpec creates a schedule. With TemplateID set, unset job fields
// come from the template.
type ScheduleSpec struct {
	// ID is optional; resubmitting an existing id returns the stored schedule.
	ID         string
	Name       string
	TemplateID string

	JobName           string
	Handler           string
	DefaultPayload    json.RawMessage
	Queue             string
	Priority          async.Priority
	MaxRetries        *int
	RetryDelaySeconds int
	TimeoutSeconds    int

	Kind            calendar.Kind
	CronExpression  string
	IntervalMinutes int
	SpecificTimes   []string
	RunOnDays       calendar.Weekdays
	DayOfMonth      int
	Timezone        string
	StartDate       *time.Time
	EndDate         *time.Time

	Disabled bool
}

// applyTemplate fills unset job fields from t.
func (spec *ScheduleSpec) applyTemplate(t *Template) {
	spec.TemplateID = t.ID
	if spec.Handler == "" {
		spec.Handler = t.Handler
	}
	if len(spec.DefaultPayload) == 0 {
		spec.DefaultPayload = t.DefaultPayload
	}
	if spec.Queue == "" {
		spec.Queue = t.Queue
	}
	if spec.Priority == 0 {
		spec.Priority = t.Priority
	}
	if spec.TimeoutSeconds == 0 {
		spec.TimeoutSeconds = t.TimeoutSeconds
	}
	if spec.RetryDelaySeconds == 0 {
		spec.RetryDelaySeconds = t.RetryDelaySeconds
	}
	if spec.MaxRetries == nil {
		n := t.MaxRetries
		spec.MaxRetries = &n
	}
	if spec.JobName == "" {
		spec.JobName = t.Name
	}
}
