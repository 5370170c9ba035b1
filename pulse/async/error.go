package async

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/teranos/pulsed/errors"
)

// ErrorKind classifies a failed attempt for the retry policy.
type ErrorKind string

const (
	// KindRetryable is the default for unclassified errors.
	KindRetryable    ErrorKind = "retryable"
	KindNonRetryable ErrorKind = "non_retryable"
	KindTimeout      ErrorKind = "timeout"
	KindLeaseLost    ErrorKind = "lease_lost"
	KindCancelled    ErrorKind = "cancelled"
	// KindStoreUnavailable never reaches an execution record; the worker
	// retries its own store call instead.
	KindStoreUnavailable ErrorKind = "store_unavailable"
)

var (
	// ErrHandlerNotRegistered quarantines jobs naming an unknown handler.
	ErrHandlerNotRegistered = errors.New("handler not registered")
	// ErrLeaseLost is returned when a worker no longer owns a job.
	ErrLeaseLost = errors.New("lease lost")
	// ErrStoreUnavailable marks transient store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrPrerequisiteFailed is the reason recorded on dependents whose edge can no longer be met.
	ErrPrerequisiteFailed = errors.New("prerequisite did not succeed")
)

// JobError attaches a kind to a handler error.
type JobError struct {
	Kind  ErrorKind
	cause error
}

func (e *JobError) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return e.cause.Error()
}

func (e *JobError) Unwrap() error { return e.cause }

// Format keeps %+v stack output from the wrapped cockroachdb error.
func (e *JobError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.cause != nil {
		fmt.Fprintf(s, "%+v", e.cause)
		return
	}
	fmt.Fprint(s, e.Error())
}

// NonRetryable marks err so the job fails without further attempts.
// Handlers use it for precondition violations and bad input.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &JobError{Kind: KindNonRetryable, cause: err}
}

// Retryable marks err as worth another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &JobError{Kind: KindRetryable, cause: err}
}

// WithKind marks err with an explicit kind.
func WithKind(err error, kind ErrorKind) error {
	if err == nil {
		return nil
	}
	return &JobError{Kind: kind, cause: err}
}

// KindOf returns the kind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind, true
	}
	return "", false
}

// Classifier maps a handler error to a kind.
type Classifier func(err error) ErrorKind

// DefaultClassify recognises explicit kinds, context errors and payload
// decode errors; everything else is retryable.
func DefaultClassify(err error) ErrorKind {
	if kind, ok := KindOf(err); ok {
		return kind
	}
	switch {
	case errors.Is(err, ErrHandlerNotRegistered):
		return KindNonRetryable
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindNonRetryable
	}
	return KindRetryable
}

// IsRetryableKind reports whether the retry policy may reschedule kind.
func IsRetryableKind(kind ErrorKind) bool {
	switch kind {
	case KindNonRetryable, KindCancelled:
		return false
	}
	return true
}

// executionStatusFor maps a failure kind to the execution record status.
func executionStatusFor(kind ErrorKind) ExecutionStatus {
	switch kind {
	case KindTimeout:
		return ExecutionTimeout
	case KindCancelled:
		return ExecutionCancelled
	}
	return ExecutionFailed
}

// errorStack renders err with any recorded stack trace.
func errorStack(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}
