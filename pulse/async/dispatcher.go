package async

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
)

const (
	// DefaultTickInterval is the longest the dispatcher sleeps between scans.
	DefaultTickInterval = 500 * time.Millisecond
	// DefaultBatchSize bounds claims per queue per tick.
	DefaultBatchSize = 32
	// DefaultGracePeriod is how long shutdown waits for in-flight handlers.
	DefaultGracePeriod = 30 * time.Second
	// DefaultHeartbeatTTL marks a worker dead after this much silence.
	DefaultHeartbeatTTL = 30 * time.Second

	maxConsecutiveErrors = 5
	maxErrorBackoff      = 30 * time.Second
)

// Observer receives dispatch events. The metrics aggregator implements it.
type Observer interface {
	Submitted(queue string)
	Finished(queue string, status ExecutionStatus, wait, process time.Duration)
}

type nopObserver struct{}

func (nopObserver) Submitted(string) {}

func (nopObserver) Finished(string, ExecutionStatus, time.Duration, time.Duration) {}

// DispatcherConfig contains configuration for the dispatcher.
type DispatcherConfig struct {
	// Queues this process services; empty means every active queue.
	Queues []string
	// Workers bounds handlers in flight in this process.
	Workers      int
	BatchSize    int
	TickInterval time.Duration
	GracePeriod  time.Duration
	HeartbeatTTL time.Duration
	// WorkerID defaults to host-pid-nonce.
	WorkerID string
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:      DefaultBatchSize,
		BatchSize:    DefaultBatchSize,
		TickInterval: DefaultTickInterval,
		GracePeriod:  DefaultGracePeriod,
		HeartbeatTTL: DefaultHeartbeatTTL,
	}
}

func (c *DispatcherConfig) applyDefaults() {
	d := DefaultDispatcherConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = d.HeartbeatTTL
	}
	if c.WorkerID == "" {
		c.WorkerID = NewWorkerID()
	}
}

// pulseLogger wraps zap.SugaredLogger with the lifecycle glyphs:
// Starting (✿), Closing (❀) and Pulse (꩜).
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddPulseOpenSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddPulseCloseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	logger.AddPulseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// Dispatcher claims due jobs from the store and runs them on a bounded pool
// of goroutines. Several dispatchers, in one process or many, may share a
// store; the claim transaction keeps them from running the same execution.
type Dispatcher struct {
	store    *Store
	runtime  *Runtime
	cfg      DispatcherConfig
	observer Observer
	logger   pulseLogger

	wake    chan struct{}
	slots   chan struct{}
	wg      sync.WaitGroup
	running atomic.Int64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewDispatcher creates a dispatcher. observer and tracer may be nil.
func NewDispatcher(store *Store, registry *Registry, cfg DispatcherConfig, observer Observer, tracer trace.Tracer, log *zap.SugaredLogger) *Dispatcher {
	cfg.applyDefaults()
	if observer == nil {
		observer = nopObserver{}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	if log == nil {
		log = logger.Logger
	}
	log = log.Named("dispatcher").With(logger.FieldWorkerID, cfg.WorkerID)
	return &Dispatcher{
		store:    store,
		runtime:  NewRuntime(store, registry, tracer, log),
		cfg:      cfg,
		observer: observer,
		logger:   pulseLogger{log},
		wake:     make(chan struct{}, 1),
		slots:    make(chan struct{}, cfg.Workers),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WorkerID identifies this dispatcher in job and worker rows.
func (d *Dispatcher) WorkerID() string { return d.cfg.WorkerID }

// Workers returns the number of concurrent handler slots.
func (d *Dispatcher) Workers() int { return d.cfg.Workers }

// Running returns the number of handlers currently in flight.
func (d *Dispatcher) Running() int { return int(d.running.Load()) }

// Wake makes the dispatcher scan now instead of at its next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is cancelled, then stops claiming, waits up to
// the grace period for in-flight handlers and abandons the rest to lease
// reclamation.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.store.RegisterWorker(ctx, d.cfg.WorkerID, strings.Join(d.cfg.Queues, ",")); err != nil {
		return errors.Wrap(err, "failed to register worker")
	}
	if warning := checkMemoryPressure(); warning != "" {
		d.logger.Warnw("Memory pressure warning", "warning", warning, "workers", d.cfg.Workers)
	}
	d.logger.Starting("Dispatcher started",
		"queues", d.cfg.Queues,
		"workers", d.cfg.Workers,
		"batch", d.cfg.BatchSize,
	)

	// Handlers outlive the loop context so shutdown can grant them grace.
	runCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		d.heartbeatLoop(ctx)
	}()

	errorCount := 0
	backoff := time.Second
	for {
		sleep, err := d.tick(ctx, runCtx)
		if err != nil && ctx.Err() == nil {
			errorCount++
			d.logger.Errorw("Dispatch scan failed",
				logger.FieldError, err,
				"consecutive_errors", errorCount,
			)
			if errorCount >= maxConsecutiveErrors {
				d.logger.Warnw("Dispatcher backing off due to consecutive errors",
					"backoff", backoff,
					"consecutive_errors", errorCount,
				)
				sleep = backoff
				backoff = min(backoff*2, maxErrorBackoff)
			}
		} else if err == nil {
			if errorCount > 0 {
				d.logger.Infow("Dispatcher recovered from errors", "previous_error_count", errorCount)
			}
			errorCount = 0
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			<-hbDone
			d.shutdown(abandon)
			return nil
		case <-d.wake:
		case <-d.store.Clock().After(sleep):
		}
	}
}

// tick claims what it can across the serviced queues and returns how long
// to sleep before the next scan.
func (d *Dispatcher) tick(ctx, runCtx context.Context) (time.Duration, error) {
	queues := d.cfg.Queues
	if len(queues) == 0 {
		var err error
		queues, err = d.store.ActiveQueueNames(ctx)
		if err != nil {
			return d.cfg.TickInterval, err
		}
	}
	queues = append([]string(nil), queues...)
	d.mu.Lock()
	d.rand.Shuffle(len(queues), func(i, j int) { queues[i], queues[j] = queues[j], queues[i] })
	d.mu.Unlock()

	var firstErr error
	for _, q := range queues {
		free := cap(d.slots) - len(d.slots)
		if free <= 0 {
			break
		}
		claims, err := d.store.Claim(ctx, q, d.cfg.WorkerID, min(free, d.cfg.BatchSize))
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "claim from queue %s", q)
			}
			continue
		}
		for _, c := range claims {
			d.slots <- struct{}{}
			d.running.Add(1)
			d.wg.Add(1)
			go d.execute(runCtx, c)
		}
	}

	sleep := d.cfg.TickInterval
	next, err := d.store.NextDue(ctx, d.cfg.Queues)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return sleep, firstErr
	}
	if next != nil {
		if until := next.Sub(d.store.Clock().Now()); until > 0 && until < sleep {
			sleep = max(until, time.Millisecond)
		}
	}
	return sleep, firstErr
}

func (d *Dispatcher) execute(ctx context.Context, claim *ClaimedJob) {
	defer func() {
		<-d.slots
		d.running.Add(-1)
		d.wg.Done()
		d.Wake()
	}()

	outcome, report := d.runtime.Execute(ctx, claim)
	if !report {
		d.logger.Closing("Execution abandoned to lease reclamation",
			logger.FieldJobID, claim.Job.ID,
			logger.FieldExecutionID, claim.ExecutionID,
		)
		return
	}

	res, err := d.report(ctx, claim, outcome)
	if err != nil {
		d.logger.Errorw("Failed to record execution outcome",
			logger.FieldJobID, claim.Job.ID,
			logger.FieldExecutionID, claim.ExecutionID,
			logger.FieldError, err,
		)
		return
	}
	if res.Applied {
		d.observer.Finished(claim.Job.Queue, res.Execution, claim.Wait, outcome.Duration)
	}
}

// report writes an outcome, retrying while the store is unavailable. It
// gives up once the lease would have expired, since reclamation then owns
// the job.
func (d *Dispatcher) report(ctx context.Context, claim *ClaimedJob, o Outcome) (*FinishResult, error) {
	clk := d.store.Clock()
	deadline := clk.Now().Add(claim.Lease)
	backoff := storeRetryBackoff
	for {
		var res *FinishResult
		var err error
		if o.Err == nil {
			res, err = d.store.Complete(context.WithoutCancel(ctx), o)
		} else {
			res, err = d.store.Fail(context.WithoutCancel(ctx), o)
		}
		if err == nil || !IsStoreUnavailable(err) || clk.Now().Add(backoff).After(deadline) {
			return res, err
		}
		d.logger.Warnw("Store unavailable, retrying outcome",
			logger.FieldJobID, o.JobID,
			"backoff", backoff,
			logger.FieldError, err,
		)
		<-clk.After(backoff)
		backoff = min(backoff*2, 5*time.Second)
	}
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context) {
	interval := d.cfg.HeartbeatTTL / 3
	clk := d.store.Clock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(interval):
		}
		err := d.store.Heartbeat(ctx, d.cfg.WorkerID, d.Running(), memoryPercent())
		if errors.Is(err, errors.ErrNotFound) {
			_, err = d.store.RegisterWorker(ctx, d.cfg.WorkerID, strings.Join(d.cfg.Queues, ","))
		}
		if err != nil && ctx.Err() == nil {
			d.logger.Warnw("Heartbeat failed", logger.FieldError, err)
		}
	}
}

func (d *Dispatcher) shutdown(abandon context.CancelFunc) {
	inFlight := d.Running()
	d.logger.Closing("Dispatcher stopping", "in_flight", inFlight, "grace", d.cfg.GracePeriod)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Closing("All handlers finished")
	case <-d.store.Clock().After(d.cfg.GracePeriod):
		d.logger.Closing("Grace period over, abandoning handlers", "in_flight", d.Running())
		abandon()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.StopWorker(ctx, d.cfg.WorkerID); err != nil {
		d.logger.Warnw("Failed to mark worker stopped", logger.FieldError, err)
	}
}
