package async

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsed/logger"
)

// DefaultReclaimInterval is how often expired leases are swept.
const DefaultReclaimInterval = 15 * time.Second

// Reclaimer republishes jobs whose worker stopped renewing its lease,
// clears expired resource locks and flags silent workers as crashed.
type Reclaimer struct {
	store        *Store
	interval     time.Duration
	heartbeatTTL time.Duration
	observer     Observer
	onReclaim    func()
	logger       pulseLogger
}

// NewReclaimer creates a reclaimer. onReclaim, if set, runs after a sweep
// that released work, typically to wake the dispatcher.
func NewReclaimer(store *Store, interval, heartbeatTTL time.Duration, observer Observer, onReclaim func(), log *zap.SugaredLogger) *Reclaimer {
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	if heartbeatTTL <= 0 {
		heartbeatTTL = DefaultHeartbeatTTL
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if log == nil {
		log = logger.Logger
	}
	return &Reclaimer{
		store:        store,
		interval:     interval,
		heartbeatTTL: heartbeatTTL,
		observer:     observer,
		onReclaim:    onReclaim,
		logger:       pulseLogger{log.Named("reclaimer")},
	}
}

// Run sweeps once at start and then every interval until ctx ends.
func (r *Reclaimer) Run(ctx context.Context) error {
	clk := r.store.Clock()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warnw("Reclaim sweep failed", logger.FieldError, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(r.interval):
		}
	}
}

// Sweep runs one reclamation pass and returns the number of jobs released.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	reclaimed, err := r.store.ReclaimExpired(ctx)
	for _, res := range reclaimed {
		r.observer.Finished(res.Job.Queue, res.Execution, 0, 0)
		r.logger.Pulse("Reclaimed job with expired lease",
			logger.FieldJobID, res.Job.ID,
			logger.FieldQueue, res.Job.Queue,
			logger.FieldStatus, res.Job.Status,
		)
	}
	if err != nil {
		return len(reclaimed), err
	}

	locks, err := r.store.ReleaseExpiredLocks(ctx)
	if err != nil {
		return len(reclaimed), err
	}
	crashed, err := r.store.MarkCrashedWorkers(ctx, r.heartbeatTTL)
	if err != nil {
		return len(reclaimed), err
	}
	if crashed > 0 {
		r.logger.Warnw("Workers stopped heartbeating", logger.FieldCount, crashed)
	}

	if (len(reclaimed) > 0 || locks > 0) && r.onReclaim != nil {
		r.onReclaim()
	}
	return len(reclaimed), nil
}
