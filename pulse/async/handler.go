package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
)

// HandlerFunc executes one attempt of a job.
//
// Context cancellation: handlers MUST check ctx.Done() at suspension points.
// The context ends on timeout, on a cancel request, and when the lease is
// lost. A handler that ignores it is reported as Timeout but keeps running.
//
// Execution is at-least-once. Handlers with external side effects should use
// JobContext.ExecutionID or the payload as an idempotency key.
type HandlerFunc func(ctx context.Context, jc *JobContext) (json.RawMessage, error)

// Descriptor is a registered handler.
type Descriptor struct {
	Name string
	Func HandlerFunc
	// DefaultTimeout applies when the job carries none.
	DefaultTimeout time.Duration
	// Classify maps handler errors to kinds; nil uses DefaultClassify.
	Classify Classifier
	// MaxPerMinute caps handler starts per minute in this process; 0 is
	// unlimited. Time spent waiting for a slot counts against the timeout.
	MaxPerMinute int
}

func (d *Descriptor) classify(err error) ErrorKind {
	if kind, ok := KindOf(err); ok {
		return kind
	}
	if d.Classify != nil {
		return d.Classify(err)
	}
	return DefaultClassify(err)
}

// JobContext is what a handler sees of its job.
type JobContext struct {
	Job             *Job
	ExecutionID     string
	ExecutionNumber int
	Logger          *zap.SugaredLogger

	renew           func(ctx context.Context) error
	cancelRequested atomic.Bool
}

// Payload decodes the job payload into v. Decode failures are non-retryable.
func (jc *JobContext) Payload(v interface{}) error {
	if len(jc.Job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(jc.Job.Payload, v); err != nil {
		return NonRetryable(errors.Wrap(err, "decode payload"))
	}
	return nil
}

// Renew extends the lease now instead of waiting for the next renewal.
func (jc *JobContext) Renew(ctx context.Context) error {
	if jc.renew == nil {
		return nil
	}
	return jc.renew(ctx)
}

// CancelRequested reports whether an operator asked for this job to stop.
func (jc *JobContext) CancelRequested() bool {
	return jc.cancelRequested.Load()
}

// Registry maps handler names to descriptors.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	handlers map[string]*Descriptor
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Descriptor)}
}

// Register adds a handler. Panics if the name is empty or already taken.
func (r *Registry) Register(d Descriptor) {
	if d.Name == "" || d.Func == nil {
		panic("handler needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[d.Name]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", d.Name))
	}
	r.handlers[d.Name] = &d
}

// RegisterFunc is shorthand for Register with default timeout and classifier.
func (r *Registry) RegisterFunc(name string, fn HandlerFunc) {
	r.Register(Descriptor{Name: name, Func: fn})
}

// Get retrieves the descriptor for a handler name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.handlers[name]
	return d, ok
}

// Has checks if a handler is registered for a name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
