package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nat64check/zaphod/pkg/analysis"
	"github.com/nat64check/zaphod/pkg/api"
	"github.com/nat64check/zaphod/pkg/config"
	"github.com/nat64check/zaphod/pkg/delegation"
	"github.com/nat64check/zaphod/pkg/queue"
	"github.com/nat64check/zaphod/pkg/store"
	"github.com/nat64check/zaphod/pkg/trigger"
	"github.com/nat64check/zaphod/pkg/watchdog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the zaphod server",
	Long: `Start the zaphod API server together with the background task
queue, the trigger engine and the Trillian watchdog.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if err := st.SeedTrillians(ctx, cfg.Trillians); err != nil {
		return fmt.Errorf("seeding trillians: %w", err)
	}

	scheduler := queue.NewScheduler(log, cfg.Queue.Workers)

	analysis.NewTasks(log, st).Register(scheduler)
	delegation.NewTasks(log, st, cfg).Register(scheduler)

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting task queue: %w", err)
	}

	engine := trigger.NewEngine(log, st, scheduler)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting trigger engine: %w", err)
	}

	var dog *watchdog.Watchdog

	if cfg.Watchdog.Enabled {
		interval, err := cfg.WatchdogInterval()
		if err != nil {
			return fmt.Errorf("parsing watchdog interval: %w", err)
		}

		dog = watchdog.NewWatchdog(log, st, interval)
		if err := dog.Start(ctx); err != nil {
			return fmt.Errorf("starting watchdog: %w", err)
		}
	}

	srv := api.NewServer(log, cfg, st)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	// Stop in reverse start order so nothing enqueues into a stopped
	// component.
	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop api server")
	}

	if dog != nil {
		if err := dog.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop watchdog")
		}
	}

	if err := engine.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop trigger engine")
	}

	if err := scheduler.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop task queue")
	}

	if err := st.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop store")
	}

	return nil
}
