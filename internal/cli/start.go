package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nabil/orka/internal/config"
	"github.com/nabil/orka/internal/metrics"
	"github.com/nabil/orka/pkg/bridge"
	"github.com/nabil/orka/pkg/datastore"
	"github.com/nabil/orka/pkg/queueworker"
	"github.com/nabil/orka/pkg/reconciler"
	"github.com/nabil/orka/pkg/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the orchestrator",
	Long: `Start the orchestrator: the supervisor API, the reconciliation worker,
the history and usage queue consumers, and the websocket bridge.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()
	zl := log.GetZerolog()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect state store: %w", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("state store unreachable: %w", err)
	}

	m := metrics.NewMetrics()

	sup, err := buildSupervisor(ctx, cfg, store, zl, m)
	if err != nil {
		return err
	}

	db, err := datastore.Open(filepath.Join(cfg.DataDir, "orka.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	// Queue consumers.
	historyWorker, err := queueworker.New(queueworker.Config{
		Name:           "history-worker",
		Store:          store,
		Processor:      queueworker.NewHistoryPersister(db, cfg.Queues.HistoryQueue, zl),
		Logger:         zl,
		Metrics:        m,
		ProcessTimeout: cfg.Queues.ProcessTimeout,
	})
	if err != nil {
		return err
	}

	usagePersister := queueworker.NewUsagePersister(db, cfg.Queues.UsageQueue, zl)
	usagePersister.SetRetryPolicy(cfg.Queues.FKRetries, cfg.Queues.FKRetryDelay)
	usageWorker, err := queueworker.New(queueworker.Config{
		Name:           "usage-worker",
		Store:          store,
		Processor:      usagePersister,
		Logger:         zl,
		Metrics:        m,
		ProcessTimeout: cfg.Queues.ProcessTimeout,
	})
	if err != nil {
		return err
	}

	components := []interface {
		Run(ctx context.Context) error
		Done() <-chan struct{}
	}{historyWorker, usageWorker}

	var rec *reconciler.Reconciler
	if cfg.Reconciler.Enabled {
		rec, err = reconciler.New(reconciler.Config{
			Supervisor:        sup,
			Fetch:             supervisor.HTTPDescriptorFetcher(cfg.ConfigServiceURL, nil),
			Logger:            zl,
			Metrics:           m,
			Interval:          cfg.Reconciler.Interval,
			StartupDelay:      cfg.Reconciler.StartupDelay,
			InactivityTimeout: cfg.Reconciler.InactivityTimeout,
		})
		if err != nil {
			return err
		}
		components = append(components, rec)
	}

	var ws *bridge.Server
	if cfg.Bridge.Enabled {
		ws, err = bridge.NewServer(bridge.Config{
			Port:    cfg.Bridge.Port,
			Store:   store,
			Logger:  zl,
			Metrics: m,
		})
		if err != nil {
			return err
		}
		if err := ws.Start(); err != nil {
			return err
		}
	}

	// Sweep tunables follow the config file without a restart.
	watcher, err := config.NewWatcher(config.NewLoader(cfgFile), zl, func(updated *config.Config) {
		if rec != nil {
			rec.UpdateTunables(updated.Reconciler.Interval, updated.Reconciler.InactivityTimeout)
		}
	})
	if err != nil {
		zl.Warn().Err(err).Msg("Config watcher unavailable, live reload disabled")
	} else {
		defer watcher.Stop()
	}

	for _, c := range components {
		c := c
		go func() {
			if err := c.Run(ctx); err != nil {
				zl.Error().Err(err).Msg("Component exited with error")
				stop()
			}
		}()
	}

	zl.Info().Str("runtime", cfg.Runtime.Kind).Msg("Orchestrator started")
	<-ctx.Done()
	zl.Info().Msg("Shutting down orchestrator")

	if ws != nil {
		if err := ws.Stop(); err != nil {
			zl.Warn().Err(err).Msg("Bridge shutdown failed")
		}
	}
	for _, c := range components {
		<-c.Done()
	}

	zl.Info().Msg("Orchestrator stopped")
	return nil
}
