// Package bulk fans one request carrying many payloads out into individual
// jobs. Expansion runs in chunks; each chunk inserts its jobs and advances
// the request's created counter in one transaction, so a crashed expansion
// resumes at the first payload it had not yet inserted.
package bulk

import (
	"encoding/json"
	"time"

	"github.com/teranos/pulsed/pulse/async"
)

// Status is the lifecycle of a bulk request's expansion.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether expansion has stopped for good.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Request is a stored bulk submission. Created counts the jobs inserted so
// far; Completed and Failed count the outcomes of those jobs.
type Request struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Handler           string            `json:"handler"`
	Queue             string            `json:"queue"`
	Payloads          []json.RawMessage `json:"payloads,omitempty"`
	Priority          async.Priority    `json:"priority"`
	MaxRetries        int               `json:"max_retries"`
	RetryDelaySeconds int               `json:"retry_delay_seconds"`
	TimeoutSeconds    int               `json:"timeout_seconds"`

	Status    Status `json:"status"`
	Total     int    `json:"total"`
	Created   int    `json:"created"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`

	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Remaining is the number of payloads not yet turned into jobs.
func (r *Request) Remaining() int {
	return r.Total - r.Created
}

// Spec submits a bulk request. Zero values take the job defaults.
type Spec struct {
	// ID is optional; resubmitting an existing id returns the stored request
	// and never creates more than Total jobs.
	ID                string
	Name              string
	Handler           string
	Queue             string
	Payloads          []json.RawMessage
	Priority          async.Priority
	MaxRetries        *int
	RetryDelaySeconds int
	TimeoutSeconds    int
	CreatedBy         string
}

// jobRequest builds the job for the payload at index.
func (r *Request) jobRequest(index int) async.SubmitRequest {
	maxRetries := r.MaxRetries
	i := index
	return async.SubmitRequest{
		Name:              r.Name,
		Handler:           r.Handler,
		Payload:           r.Payloads[index],
		Queue:             r.Queue,
		Priority:          r.Priority,
		MaxRetries:        &maxRetries,
		RetryDelaySeconds: r.RetryDelaySeconds,
		TimeoutSeconds:    r.TimeoutSeconds,
		CreatedBy:         "bulk:" + r.ID,
		BulkID:            r.ID,
		BulkIndex:         &i,
	}
}
