// Package lockcmd provides operator commands for inspecting and manually
// recovering the fencing lock.
package lockcmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowanharley/fleetdiag/internal/config"
	"github.com/rowanharley/fleetdiag/internal/fencelock"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or recover the fencing lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the fencing lock",
	RunE:  runLockStatus,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Force-release the fencing lock",
	Long: `Release deletes the lock file regardless of owner. This is a manual
recovery tool: only use it when the holder is known to be dead and the
TTL has not yet reclaimed the lock.`,
	RunE: runLockRelease,
}

var releaseForce bool

func init() {
	lockReleaseCmd.Flags().BoolVarP(&releaseForce, "force", "f", false, "delete without confirmation")
	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockReleaseCmd)
}

// Register adds the lock commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(lockCmd)
}

func lockPath() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.Lock.Path, nil
}

func runLockStatus(cmd *cobra.Command, args []string) error {
	path, err := lockPath()
	if err != nil {
		return err
	}

	record, err := fencelock.ReadRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Lock is not held.")
			return nil
		}
		return fmt.Errorf("read lock: %w", err)
	}

	now := time.Now().UTC()
	fmt.Printf("Held by:   %s (pid %d)\n", record.OwnerInstance, record.OwnerPID)
	fmt.Printf("Operation: %s\n", record.Operation)
	if record.Expired(now) {
		fmt.Printf("Expired:   %s ago (will be reclaimed on next contact)\n",
			now.Sub(record.ExpiresAt).Round(time.Second))
	} else {
		fmt.Printf("Expires:   in %s\n", record.ExpiresAt.Sub(now).Round(time.Second))
	}
	return nil
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	path, err := lockPath()
	if err != nil {
		return err
	}

	record, err := fencelock.ReadRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Lock is not held; nothing to release.")
			return nil
		}
		// Corrupt lock file: removal is the recovery.
		fmt.Println("Lock file is unreadable; removing it.")
		return os.Remove(path)
	}

	if !releaseForce {
		holder := fmt.Sprintf("%s (pid %d, operation %q)", record.OwnerInstance, record.OwnerPID, record.Operation)
		if !record.Expired(time.Now().UTC()) {
			return fmt.Errorf("lock is still valid and held by %s; re-run with --force to release anyway", holder)
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove lock: %w", err)
	}
	fmt.Println("Lock released.")
	return nil
}
