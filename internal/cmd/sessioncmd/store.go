// Package sessioncmd provides the session-facing commands: creating a
// collection session, inspecting it, and watching it live.
package sessioncmd

import (
	"fmt"

	"github.com/rowanharley/fleetdiag/internal/config"
	"github.com/rowanharley/fleetdiag/internal/store"
	"github.com/rowanharley/fleetdiag/internal/store/filestore"
	"github.com/rowanharley/fleetdiag/internal/store/sqlstore"
	"github.com/spf13/cobra"
)

// Register adds all session commands to the given parent command.
func Register(parent *cobra.Command) {
	RegisterCollectCmd(parent)
	RegisterStatusCmd(parent)
	RegisterSessionsCmd(parent)
	RegisterWatchCmd(parent)
}

func openStore() (store.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	switch cfg.Store.Driver {
	case "sqlite":
		st, err := sqlstore.New(cfg.Store.DBPath, sqlstore.WithHeartbeatTTL(cfg.Daemon.HeartbeatTTL()))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, cfg, nil
	default:
		st, err := filestore.New(cfg.Store.Dir, filestore.WithHeartbeatTTL(cfg.Daemon.HeartbeatTTL()))
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return st, cfg, nil
	}
}
