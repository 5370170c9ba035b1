package async

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
)

// fallbackTimeout applies when neither the job nor its handler set one.
const fallbackTimeout = time.Duration(DefaultTimeoutSeconds) * time.Second

// Runtime runs one handler per claimed job and turns what happened into an
// Outcome. It never writes to the store itself except through lease
// renewal.
type Runtime struct {
	store    *Store
	registry *Registry
	tracer   trace.Tracer
	limiters *limiterSet
	logger   *zap.SugaredLogger
}

// NewRuntime creates a worker runtime.
func NewRuntime(store *Store, registry *Registry, tracer trace.Tracer, log *zap.SugaredLogger) *Runtime {
	return &Runtime{
		store:    store,
		registry: registry,
		tracer:   tracer,
		limiters: newLimiterSet(store.Clock()),
		logger:   log,
	}
}

type handlerResult struct {
	result json.RawMessage
	err    error
	panic  interface{}
	stack  string
}

// Execute runs claim to an outcome. report is false when the outcome must
// not be written: the lease was lost or the process is shutting down, and
// lease reclamation will republish the job.
func (rt *Runtime) Execute(ctx context.Context, claim *ClaimedJob) (outcome Outcome, report bool) {
	job := claim.Job
	outcome = Outcome{JobID: job.ID, ExecutionID: claim.ExecutionID, WorkerID: claim.WorkerID}

	ctx, span := rt.tracer.Start(ctx, "pulse.job.execute",
		trace.WithAttributes(
			attribute.String("pulse.job.id", job.ID),
			attribute.String("pulse.job.handler", job.Handler),
			attribute.String("pulse.queue", job.Queue),
			attribute.Int("pulse.execution_number", claim.ExecutionNumber),
			attribute.Int("pulse.retry_count", job.RetryCount),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, outcome.Err.Error())
		} else if report {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	log := rt.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldExecution, claim.ExecutionNumber,
		logger.FieldHandler, job.Handler,
	)

	desc, ok := rt.registry.Get(job.Handler)
	if !ok {
		err := errors.Wrapf(ErrHandlerNotRegistered, "handler %q", job.Handler)
		outcome.Err = NonRetryable(err)
		outcome.Kind = KindNonRetryable
		return outcome, true
	}

	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = desc.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = fallbackTimeout
	}

	// handlerCtx ends on lease loss or cancel request; runCtx adds the
	// timeout on top.
	handlerCtx, stop := context.WithCancel(ctx)
	defer stop()
	runCtx, cancelTimeout := context.WithTimeout(handlerCtx, timeout)
	defer cancelTimeout()

	jc := &JobContext{
		Job:             job,
		ExecutionID:     claim.ExecutionID,
		ExecutionNumber: claim.ExecutionNumber,
		Logger:          log,
	}
	renew := newRenewer(rt.store, claim, jc, stop, log)
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go renew.run(renewCtx)

	clk := rt.store.Clock()
	start := clk.Monotonic()
	limiter := rt.limiters.forHandler(desc)
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerResult{panic: p, stack: string(debug.Stack())}
			}
		}()
		if limiter != nil {
			if err := limiter.Wait(runCtx); err != nil {
				done <- handlerResult{err: err}
				return
			}
		}
		result, err := desc.Func(runCtx, jc)
		done <- handlerResult{result: result, err: err}
	}()

	var res handlerResult
	select {
	case res = <-done:
	case <-runCtx.Done():
		// Give a cooperative handler a moment to return its own error.
		select {
		case res = <-done:
		case <-time.After(50 * time.Millisecond):
			res = handlerResult{err: runCtx.Err()}
			log.Warnw("Handler did not return after its context ended", "timeout", timeout)
		}
	}
	stopRenew()
	outcome.Duration = clk.Monotonic() - start

	switch {
	case renew.lost.Load():
		return outcome, false
	case ctx.Err() != nil && !jc.CancelRequested():
		// Shutdown past grace; the job goes back through reclamation.
		return outcome, false
	case res.panic != nil:
		outcome.Err = NonRetryable(errors.Newf("handler panicked: %v", res.panic))
		outcome.Kind = KindNonRetryable
		outcome.Stack = fmt.Sprintf("panic: %v\n\n%s", res.panic, res.stack)
		log.Errorw("Handler panicked", "panic", res.panic)
		return outcome, true
	case jc.CancelRequested():
		outcome.Err = WithKind(errors.New("cancelled by operator"), KindCancelled)
		outcome.Kind = KindCancelled
		return outcome, true
	case res.err == nil:
		outcome.Result = res.result
		return outcome, true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && handlerCtx.Err() == nil:
		outcome.Err = WithKind(errors.Wrapf(res.err, "handler exceeded timeout of %s", timeout), KindTimeout)
		outcome.Kind = KindTimeout
		return outcome, true
	}

	outcome.Err = res.err
	outcome.Kind = desc.classify(res.err)
	return outcome, true
}
