package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/pulsed/auth"
	"github.com/teranos/pulsed/config"
	"github.com/teranos/pulsed/internal/httpclient"
	"github.com/teranos/pulsed/internal/telemetry"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/server"
	"github.com/teranos/pulsed/sym"
)

// StartCmd runs the scheduler in the foreground.
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: sym.Pulse + " Start the scheduler daemon",
	Long: sym.Pulse + ` Start the scheduler in foreground mode.

The daemon will:
- Register this process as a worker and dispatch due jobs
- Reclaim jobs whose worker lease expired
- Materialize schedule fires ahead of time
- Expand bulk requests into jobs
- Roll queue metrics up by hour
- Sync [queues] from the config file, and again whenever it changes
- Serve the HTTP admin API when server.addr or --http is set

Ctrl+C starts a graceful shutdown: running handlers get the grace period
to finish before their context is cancelled.`,
	RunE: runStart,
}

func init() {
	StartCmd.Flags().Int("workers", 0, "Max in-flight handlers (overrides pulse.workers)")
	StartCmd.Flags().StringSlice("queues", nil, "Queues to dispatch (overrides pulse.services)")
	StartCmd.Flags().Bool("webhook-allow-private", false, "Let the webhook handler call loopback and private addresses")
	StartCmd.Flags().Bool("no-watch", false, "Do not reload queues when the config file changes")
	StartCmd.Flags().String("http", "", "Serve the admin API on host:port (overrides server.addr)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
		cfg.Pulse.Workers = n
	}
	if queues, _ := cmd.Flags().GetStringSlice("queues"); len(queues) > 0 {
		cfg.Pulse.Services = queues
	}
	if addr, _ := cmd.Flags().GetString("http"); addr != "" {
		cfg.Server.Addr = addr
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel := telemetry.Setup(cfg.Telemetry, 0, logger.Logger)
	defer tel.Shutdown(context.Background())

	notifier, err := newNotifier(ctx, cfg)
	if err != nil {
		return err
	}

	sc := schedulerConfig(cfg)
	sc.Notifier = notifier
	sc.Meter = tel.Meter
	sc.Tracer = tel.Tracer
	scheduler := pulse.New(database, nil, sc, logger.Logger)

	allowPrivate, _ := cmd.Flags().GetBool("webhook-allow-private")
	scheduler.Register(async.NewWebhookHandler(webhookClient(allowPrivate), logger.Logger).Descriptor())

	if err := scheduler.SyncQueues(ctx, queueSpecs(cfg)); err != nil {
		return err
	}

	var api *server.Server
	if cfg.Server.Addr != "" {
		if api, err = newAPIServer(cfg, scheduler); err != nil {
			return err
		}
	}

	if noWatch, _ := cmd.Flags().GetBool("no-watch"); !noWatch {
		watcher, err := startWatcher(ctx, scheduler)
		if err != nil {
			logger.Logger.Warnw("Config watcher unavailable", logger.FieldError, err)
		} else {
			defer watcher.Stop()
		}
	}

	pterm.DefaultHeader.WithFullWidth().Printf("%s pulsed", sym.Pulse)
	pterm.Info.Printf("Worker:     %s\n", scheduler.Dispatcher().WorkerID())
	pterm.Info.Printf("Workers:    %d\n", scheduler.Dispatcher().Workers())
	pterm.Info.Printf("Database:   %s\n", cfg.GetDatabaseDSN())
	pterm.Info.Printf("Handlers:   %v\n", scheduler.Registry().Names())
	if notifier != nil {
		pterm.Info.Printf("Wakes:      redis %s\n", cfg.Redis.Addr)
	}
	if tel.Enabled() {
		pterm.Info.Printf("Telemetry:  %s\n", cfg.Telemetry.ServiceName)
	}
	if cfg.Server.Addr != "" {
		authMode := "open"
		if cfg.Server.JWTSecret != "" {
			authMode = "bearer token"
		}
		pterm.Info.Printf("Admin API:  http://%s/api/pulse (%s)\n", cfg.Server.Addr, authMode)
	}
	pterm.Println()
	pterm.Printf("%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Printf("\n%s Initiating graceful shutdown...\n", sym.PulseClose)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return tel.Run(gctx) })
	if api != nil {
		g.Go(func() error { return api.Run(gctx, cfg.Server.Addr) })
	}
	if err := g.Wait(); err != nil {
		pterm.Error.Printf("Scheduler stopped: %v\n", err)
		return err
	}

	pterm.Success.Printf("%s pulsed stopped\n", sym.PulseClose)
	return nil
}

func newAPIServer(cfg *config.Config, scheduler *pulse.Scheduler) (*server.Server, error) {
	opts := server.Options{AllowedOrigins: cfg.Server.AllowedOrigins}
	if cfg.Server.JWTSecret != "" {
		tokens, err := auth.NewTokenManager(cfg.Server.JWTSecret, scheduler.Store().Clock())
		if err != nil {
			return nil, err
		}
		opts.Tokens = tokens
	} else if !isLoopback(cfg.Server.Addr) {
		logger.Logger.Warnw("Admin API has no jwt_secret and listens beyond loopback", "addr", cfg.Server.Addr)
	}
	return server.New(scheduler, opts, logger.Logger.Named("http")), nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func webhookClient(allowPrivate bool) *httpclient.Client {
	if !allowPrivate {
		return nil
	}
	return httpclient.New(httpclient.Options{AllowPrivate: true})
}

// startWatcher re-syncs queues whenever the active config file changes.
func startWatcher(ctx context.Context, scheduler *pulse.Scheduler) (*config.Watcher, error) {
	w, err := config.NewWatcher(configPath(), logger.Logger)
	if err != nil {
		return nil, err
	}
	w.OnReload(func(cfg *config.Config) error {
		return scheduler.SyncQueues(ctx, queueSpecs(cfg))
	})
	w.Start()
	return w, nil
}
