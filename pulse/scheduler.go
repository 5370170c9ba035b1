// Package pulse assembles the scheduler: the job store, dispatcher,
// reclaimer, schedule materializer, bulk expander and metrics aggregator,
// all sharing one database.
//
// Several processes may run a Scheduler against the same store. They
// coordinate only through store transactions; wake-ups between them are a
// latency optimisation carried by a notify.Notifier.
package pulse

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/bulk"
	"github.com/teranos/pulsed/pulse/clock"
	"github.com/teranos/pulsed/pulse/metrics"
	"github.com/teranos/pulsed/pulse/notify"
	"github.com/teranos/pulsed/pulse/schedule"
)

const instrumentationName = "github.com/teranos/pulsed/pulse"

// Config wires the scheduler's components. Zero values take each
// component's defaults.
type Config struct {
	Clock clock.Clock
	// Seed pins the retry jitter; zero seeds from the wall clock.
	Seed                    int64
	CircuitBreakerThreshold int

	Dispatcher      async.DispatcherConfig
	ReclaimInterval time.Duration

	Materializer schedule.MaterializerConfig

	BulkChunk    int
	BulkInterval time.Duration

	MetricsFlush time.Duration

	// Notifier carries wakes between processes; nil keeps them local.
	Notifier notify.Notifier
	Meter    metric.Meter
	Tracer   trace.Tracer
}

// Scheduler owns the background loops and exposes the admin surface.
type Scheduler struct {
	store        *async.Store
	registry     *async.Registry
	dispatcher   *async.Dispatcher
	reclaimer    *async.Reclaimer
	schedules    *schedule.Store
	materializer *schedule.Materializer
	bulks        *bulk.Store
	expander     *bulk.Expander
	metrics      *metrics.Aggregator
	notifier     notify.Notifier
	logger       *zap.SugaredLogger
}

// New builds a scheduler on an opened, migrated database. Handlers may be
// registered on registry before or after New, but before Run.
func New(conn *sqlx.DB, registry *async.Registry, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = logger.Logger
	}
	if registry == nil {
		registry = async.NewRegistry()
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter(instrumentationName)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(instrumentationName)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLocal()
	}

	storeCfg := async.StoreConfig{
		Clock:                   cfg.Clock,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}
	if cfg.Seed != 0 {
		storeCfg.Policy = async.NewRetryPolicy(cfg.Seed)
	}

	s := &Scheduler{
		store:    async.NewStore(conn, storeCfg, log),
		registry: registry,
		notifier: cfg.Notifier,
		logger:   log.Named("scheduler"),
	}
	s.metrics = metrics.NewAggregator(s.store, cfg.MetricsFlush, cfg.Meter, log)
	s.dispatcher = async.NewDispatcher(s.store, registry, cfg.Dispatcher, s.metrics, cfg.Tracer, log)
	s.reclaimer = async.NewReclaimer(s.store, cfg.ReclaimInterval, cfg.Dispatcher.HeartbeatTTL, s.metrics, s.dispatcher.Wake, log)

	s.schedules = schedule.NewStore(s.store, log)
	s.materializer = schedule.NewMaterializer(s.schedules, cfg.Materializer, func(j *async.Job) {
		s.emitted(j)
	}, log)
	s.materializer.SetSystemMetrics(s.dispatcher.SystemMetrics)

	s.bulks = bulk.NewStore(s.store, log)
	s.expander = bulk.NewExpander(s.bulks, cfg.BulkChunk, cfg.BulkInterval, func(jobs []*async.Job) {
		for _, j := range jobs {
			s.emitted(j)
		}
	}, log)
	return s
}

// Store returns the job store.
func (s *Scheduler) Store() *async.Store { return s.store }

// Registry returns the handler registry.
func (s *Scheduler) Registry() *async.Registry { return s.registry }

// Schedules returns the schedule and template store.
func (s *Scheduler) Schedules() *schedule.Store { return s.schedules }

// Bulks returns the bulk request store.
func (s *Scheduler) Bulks() *bulk.Store { return s.bulks }

// Dispatcher returns this process's dispatcher.
func (s *Scheduler) Dispatcher() *async.Dispatcher { return s.dispatcher }

// Metrics returns the aggregator observing this process's dispatch events.
func (s *Scheduler) Metrics() *metrics.Aggregator { return s.metrics }

// Run starts every background loop and blocks until ctx ends or one of
// them fails. The dispatcher gets its grace period for in-flight handlers
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.AddPulseOpenSymbol(s.logger).Infow("Scheduler starting",
		"handlers", s.registry.Names(),
		logger.FieldWorkerID, s.dispatcher.WorkerID(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatcher.Run(ctx) })
	g.Go(func() error { return s.reclaimer.Run(ctx) })
	g.Go(func() error { return s.materializer.Run(ctx) })
	g.Go(func() error { return s.expander.Run(ctx) })
	g.Go(func() error { return s.metrics.Run(ctx) })
	g.Go(func() error {
		return s.notifier.Listen(ctx, func(string) { s.dispatcher.Wake() })
	})

	err := g.Wait()
	if cerr := s.notifier.Close(); cerr != nil {
		s.logger.Warnw("Failed to close notifier", logger.FieldError, cerr)
	}
	logger.AddPulseCloseSymbol(s.logger).Infow("Scheduler stopped")
	return err
}

// emitted records a job created by a background loop.
func (s *Scheduler) emitted(j *async.Job) {
	s.metrics.Submitted(j.Queue)
	s.wake(context.Background(), j.Queue)
}

// wake nudges the local dispatcher and every process listening on the
// notifier.
func (s *Scheduler) wake(ctx context.Context, queue string) {
	s.dispatcher.Wake()
	if err := s.notifier.Publish(ctx, queue); err != nil {
		s.logger.Debugw("Failed to publish wake",
			logger.FieldQueue, queue,
			logger.FieldError, err,
		)
	}
}
