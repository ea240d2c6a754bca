package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sottolabs/sotto/pkg/sotto/buffer"
	"github.com/sottolabs/sotto/pkg/sotto/core"
	"github.com/sottolabs/sotto/pkg/sotto/delivery"
	"github.com/sottolabs/sotto/pkg/sotto/devicemode"
	"github.com/sottolabs/sotto/pkg/sotto/heartbeat"
	"github.com/sottolabs/sotto/pkg/sotto/privacy"
	"github.com/sottolabs/sotto/pkg/sotto/storage"
	"github.com/sottolabs/sotto/pkg/sotto/tasks"
)

// newServeCmd creates the `sotto serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration daemon",
		Long: `Start Sotto as a daemon: opens the database, restores buffered
output, starts the heartbeat scheduler, and watches the config file for
runtime policy changes.

Examples:
  sotto serve
  sotto serve --config ./config.yaml`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, cfgPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := buildLogger(cmd, cfg)

	db, err := storage.OpenDatabase(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	store := storage.NewStore(db)

	gate := privacy.NewGate(cfg.Privacy, nil, store, logger)
	devices := devicemode.NewRegistry(cfg.Devices, logger)
	tasksMgr := tasks.NewManager(cfg.Tasks, store, logger)
	buf := buffer.NewCoordinator(cfg.Buffer, store, store, logger)

	// Restore queues persisted before the last shutdown.
	if ids, err := store.KnownQueueDevices(); err != nil {
		logger.Warn("could not list persisted queues", "error", err)
	} else {
		for _, id := range ids {
			if err := buf.Restore(id); err != nil {
				logger.Warn("queue restore failed", "device", id, "error", err)
			}
		}
	}

	// The delivery collaborator (TTS + transport) attaches over the event
	// surface; until one registers, deliveries log and acknowledge.
	deliverer := delivery.DelivererFunc(func(_ context.Context, deviceID string, items []*delivery.Item) error {
		logger.Info("batch delivered (log transport)", "device", deviceID, "items", len(items))
		return nil
	})

	sched := heartbeat.New(cfg.Heartbeat, devices, gate, tasksMgr, buf, deliverer, nil, logger)
	brain := core.NewBrain(cfg, gate, devices, tasksMgr, buf, sched, deliverer, core.NewEventBus(), logger)
	brain.SetTelemetry(store)

	// Surface orchestration events in the log stream.
	brain.Bus().Subscribe(func(ev core.Event) {
		logger.Debug("event",
			"stream", ev.Stream,
			"type", ev.Type,
			"device", ev.DeviceID,
			"seq", ev.Seq,
		)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := brain.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	// Minute ticks drive scheduled sleep/wake and the overdue/stale sweeps.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				brain.HandleClockTick(now)
			}
		}
	}()

	if cfgPath != "" {
		watcher := core.NewConfigWatcher(cfgPath, brain.ApplyConfig, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		}
	}

	logger.Info("Sotto running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"db", cfg.Storage.Path,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		brain.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// buildLogger configures slog from the logging config and the verbose flag.
func buildLogger(cmd *cobra.Command, cfg *core.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	switch {
	case verbose || cfg.Logging.Level == "debug":
		logLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		logLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// resolveConfig loads config from the explicit flag or standard locations,
// falling back to defaults when no file exists.
func resolveConfig(cmd *cobra.Command) (*core.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := core.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := core.FindConfigFile(); found != "" {
		cfg, err := core.LoadConfigFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, found, nil
	}

	slog.Info("no config file found, using defaults")
	return core.DefaultConfig(), "", nil
}
