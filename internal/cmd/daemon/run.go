// Package daemon provides the long-running orchestrator command.
package daemon

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rowanharley/fleetdiag/internal/collector"
	"github.com/rowanharley/fleetdiag/internal/config"
	"github.com/rowanharley/fleetdiag/internal/event"
	"github.com/rowanharley/fleetdiag/internal/identity"
	"github.com/rowanharley/fleetdiag/internal/logging"
	"github.com/rowanharley/fleetdiag/internal/orchestrator"
	"github.com/rowanharley/fleetdiag/internal/store"
	"github.com/rowanharley/fleetdiag/internal/store/filestore"
	"github.com/rowanharley/fleetdiag/internal/store/sqlstore"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the collection daemon on this instance",
	Long: `Run starts the per-instance orchestrator loop. The loop registers
this instance with the shared store, polls for active diagnostic
sessions, collects locally when in scope, and converges fleet-wide
session completion. Every fleet member runs the same daemon; there is
no leader.`,
	RunE: runDaemon,
}

// Register adds the daemon commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()

	instanceID := cfg.Daemon.InstanceID
	if instanceID == "" {
		instanceID = identity.InstanceID()
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := collector.NewRegistry(
		collector.NewMemoryDump(cfg.Collect.MemoryDumpBinary, logger),
		collector.NewCPUTrace(cfg.Collect.CPUTraceBinary, logger),
	)

	bus := event.NewBus()
	bus.SubscribeAll(func(e event.Event) {
		logger.Debug("event", "type", e.EventType())
	})

	coord := orchestrator.New(st, registry, instanceID, cfg.Collect.OutputDir,
		orchestrator.WithPollInterval(cfg.Daemon.PollInterval()),
		orchestrator.WithMaxSessionAge(cfg.Daemon.MaxSessionAge()),
		orchestrator.WithGate(func() bool { return cfg.Daemon.Enabled }),
		orchestrator.WithBus(bus),
		orchestrator.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The file store can signal changes between polls so a new session is
	// picked up promptly.
	if fs, ok := st.(*filestore.Store); ok && cfg.Store.Watch {
		watcher, err := fs.Watch()
		if err != nil {
			logger.Warn("store watcher unavailable, relying on polling only", "error", err)
		} else {
			defer watcher.Stop()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-watcher.Changes():
						coord.Wake()
					}
				}
			}()
		}
	}

	if err := coord.Start(ctx); err != nil {
		return err
	}

	logger.Info("daemon running", "instance", instanceID, "store", cfg.Store.Driver)
	<-ctx.Done()
	coord.Stop()
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := sqlstore.New(cfg.Store.DBPath, sqlstore.WithHeartbeatTTL(cfg.Daemon.HeartbeatTTL()))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		st, err := filestore.New(cfg.Store.Dir, filestore.WithHeartbeatTTL(cfg.Daemon.HeartbeatTTL()))
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return st, nil
	}
}
