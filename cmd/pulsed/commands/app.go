package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/config"
	"github.com/teranos/pulsed/db"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/notify"
	"github.com/teranos/pulsed/pulse/schedule"
)

var (
	configFlag string
	dsnFlag    string
)

// RegisterGlobalFlags adds the flags every command shares.
func RegisterGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: pulsed.toml lookup)")
	root.PersistentFlags().StringVar(&dsnFlag, "db", "", "Database DSN, overrides database.dsn")
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFlag != "" {
		cfg, err = config.LoadFromFile(configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dsnFlag != "" {
		cfg.Database.DSN = dsnFlag
	}
	return cfg, nil
}

// configPath is the file queue changes are persisted to and watched.
func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	return config.ActivePath()
}

func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	database, err := db.OpenWithMigrations(cfg.GetDatabaseDSN(), logger.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	return database, nil
}

// schedulerConfig maps file configuration onto the scheduler's.
func schedulerConfig(cfg *config.Config) pulse.Config {
	p := cfg.Pulse
	return pulse.Config{
		CircuitBreakerThreshold: p.CircuitBreakerThreshold,
		Dispatcher: async.DispatcherConfig{
			Queues:       p.Services,
			Workers:      p.Workers,
			BatchSize:    p.DefaultBatch,
			TickInterval: p.TickInterval(),
			GracePeriod:  p.GracePeriod(),
			HeartbeatTTL: p.HeartbeatTTL(),
			WorkerID:     p.WorkerID,
		},
		ReclaimInterval: p.ReclaimInterval(),
		Materializer: schedule.MaterializerConfig{
			Interval: p.MaterializerInterval(),
			Horizon:  p.MaterializerHorizon(),
		},
		BulkChunk:    p.BulkChunk,
		BulkInterval: p.BulkInterval(),
		MetricsFlush: p.MetricsFlush(),
	}
}

// newNotifier returns the redis notifier when one is configured, or nil
// to keep wakes in-process.
func newNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, error) {
	r := cfg.Redis
	if r.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	})
	n := notify.NewRedis(client, r.Channel, logger.Logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := n.Ping(pingCtx); err != nil {
		client.Close()
		return nil, err
	}
	return notify.WithRateLimit(n, r.MaxWakesPerSecond, 1), nil
}

// queueSpecs converts configured queues into store specs.
func queueSpecs(cfg *config.Config) []async.QueueSpec {
	specs := make([]async.QueueSpec, 0, len(cfg.Queues))
	for name, q := range cfg.Queues {
		specs = append(specs, async.QueueSpec{
			Name:              name,
			Description:       q.Description,
			MaxConcurrentJobs: q.MaxConcurrentJobs,
		})
	}
	return specs
}

// withScheduler opens the store and runs fn against a scheduler that is
// not running its background loops. Admin commands use it.
func withScheduler(fn func(ctx context.Context, s *pulse.Scheduler) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	notifier, err := newNotifier(ctx, cfg)
	if err != nil {
		// Waking remote dispatchers is best effort for admin commands.
		logger.Logger.Warnw("Redis unavailable, remote dispatchers wake on their next tick", logger.FieldError, err)
		notifier = nil
	}
	if notifier != nil {
		defer notifier.Close()
	}
	sc := schedulerConfig(cfg)
	sc.Notifier = notifier
	s := pulse.New(database, nil, sc, logger.Logger)
	if err := fn(ctx, s); err != nil {
		return err
	}
	// Submissions made here are counted in the hourly rollup too.
	return s.Metrics().Flush(ctx)
}
