package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/runboor/pkg/gc"
	"github.com/ethpandaops/runboor/pkg/metrics"
	"github.com/ethpandaops/runboor/pkg/scheduler"
)

var schedulerWithGC bool

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the build scheduler of this host",
	Long: `Run the polling loop advancing the builds owned by this host: pending
assignment, requested kills and wake-ups, step scheduling and, when
scheduler.process_batches is set, batch preparation.`,
	RunE: runScheduler,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.Flags().BoolVar(&schedulerWithGC, "gc", true, "Run the retention sweep every gc.interval")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	var srv metrics.Server
	if cfg.Metrics.Enabled {
		srv = metrics.NewServer(log, cfg.Metrics.Listen, a.registry, a.store.Ping)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
	}

	var engine gc.Engine
	if schedulerWithGC {
		engine, err = a.gcEngine()
		if err != nil {
			return err
		}

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("starting gc: %w", err)
		}
	}

	sched := scheduler.NewScheduler(
		log, &cfg.Scheduler, cfg.Global.Host, a.store, a.machine, a.batches, a.metrics,
	)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down scheduler")
	cancel()

	if err := sched.Stop(); err != nil {
		log.WithError(err).Warn("Scheduler stop error")
	}

	if engine != nil {
		if err := engine.Stop(); err != nil {
			log.WithError(err).Warn("GC stop error")
		}
	}

	if srv != nil {
		if err := srv.Stop(); err != nil {
			log.WithError(err).Warn("Metrics server stop error")
		}
	}

	return nil
}
