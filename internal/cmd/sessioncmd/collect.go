package sessioncmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rowanharley/fleetdiag/internal/fencelock"
	"github.com/rowanharley/fleetdiag/internal/identity"
	"github.com/rowanharley/fleetdiag/internal/logging"
	"github.com/rowanharley/fleetdiag/internal/store"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Start a fleet-wide diagnostic collection session",
	Long: `Collect creates a new collection session in the shared store. Every
daemon in scope picks it up on its next tick (or sooner, via the store
watcher), runs the selected tool locally, and reports its artifacts.
Only one session can be active at a time.

Tool parameters can be given inline with --param or loaded from a YAML
file with --params-file (inline values win on conflict).`,
	Example: `  fleetdiag collect --tool memory-dump
  fleetdiag collect --tool cpu-trace --param duration=45s
  fleetdiag collect --tool cpu-trace --scope 'web-*' --params-file trace.yaml`,
	RunE: runCollect,
}

var (
	collectTool       string
	collectParams     []string
	collectParamsFile string
	collectScope      []string
)

func init() {
	collectCmd.Flags().StringVarP(&collectTool, "tool", "t", "", "diagnostic tool to run (memory-dump, cpu-trace)")
	collectCmd.Flags().StringArrayVarP(&collectParams, "param", "p", nil, "tool parameter as key=value (repeatable)")
	collectCmd.Flags().StringVar(&collectParamsFile, "params-file", "", "YAML file of tool parameters")
	collectCmd.Flags().StringArrayVar(&collectScope, "scope", nil, "instance id glob pattern; repeatable, empty means all instances")
	_ = collectCmd.MarkFlagRequired("tool")
}

// RegisterCollectCmd registers the collect command with the given parent command.
func RegisterCollectCmd(parent *cobra.Command) {
	parent.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	params, err := loadParams(collectParamsFile, collectParams)
	if err != nil {
		return err
	}

	sess, err := store.NewSession(store.ToolKind(collectTool), params, collectScope)
	if err != nil {
		return err
	}

	st, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// Session creation is the one mutating operation serialized fleet-wide
	// through the fencing lock; the store's active-pointer check closes the
	// remaining race window.
	lock := fencelock.New(cfg.Lock.Path, identity.InstanceID(), logging.NopLogger(),
		fencelock.WithTTL(cfg.Lock.TTL()),
		fencelock.WithMessage("a collection session is being created"))
	acquired, err := lock.Acquire("create-session")
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%s; check `fleetdiag lock status`", lock.Message())
	}
	defer func() {
		if err := lock.Release(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: release lock: %v\n", err)
		}
	}()

	if err := st.CreateSession(cmd.Context(), sess); err != nil {
		if errors.Is(err, store.ErrSessionActive) {
			return fmt.Errorf("another session is already active; wait for it to complete or check `fleetdiag status`")
		}
		return fmt.Errorf("create session: %w", err)
	}

	fmt.Printf("Session %s created (tool: %s)\n", sess.ID, sess.Tool)
	if len(sess.Scope) > 0 {
		fmt.Printf("Scope: %s\n", strings.Join(sess.Scope, ", "))
	} else {
		fmt.Println("Scope: all instances")
	}
	return nil
}

// loadParams merges file-provided parameters with inline key=value pairs;
// inline pairs win.
func loadParams(file string, inline []string) (map[string]string, error) {
	params := make(map[string]string)

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read params file: %w", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("parse params file: %w", err)
		}
	}

	for _, pair := range inline {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		params[key] = value
	}

	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}
