package collector

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime/pprof"
	"time"

	"github.com/rowanharley/fleetdiag/internal/logging"
	"github.com/rowanharley/fleetdiag/internal/store"
)

// DefaultTraceDuration is how long a CPU trace samples when the session
// does not say otherwise.
const DefaultTraceDuration = 30 * time.Second

// CPUTrace captures a CPU profile of the instance. With no external
// binary configured it profiles the daemon itself; with one configured it
// delegates to that binary.
type CPUTrace struct {
	// BinaryPath, when set, is an external capture program invoked as
	// `binary <output-path> <duration>`.
	BinaryPath string

	logger *logging.Logger
}

// NewCPUTrace creates a cpu-trace collector.
func NewCPUTrace(binaryPath string, logger *logging.Logger) *CPUTrace {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &CPUTrace{BinaryPath: binaryPath, logger: logger}
}

// Kind implements Collector.
func (c *CPUTrace) Kind() store.ToolKind { return store.ToolCPUTrace }

// Collect implements Collector. The sampling window comes from the
// session's "duration" tool parameter (Go duration syntax).
func (c *CPUTrace) Collect(ctx context.Context, req Request) ([]store.Artifact, error) {
	duration := DefaultTraceDuration
	if raw, ok := req.Session.ToolParams["duration"]; ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trace duration %q: %w", raw, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("invalid trace duration %q: must be positive", raw)
		}
		duration = parsed
	}

	path := outputPath(req, store.ToolCPUTrace, ".pprof")

	if c.BinaryPath != "" {
		c.logger.Debug("running external cpu trace", "binary", c.BinaryPath, "output", path, "duration", duration)
		cmd := exec.CommandContext(ctx, c.BinaryPath, path, duration.String())
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("cpu trace binary: %w: %s", err, out)
		}
	} else {
		if err := c.profileSelf(ctx, path, duration); err != nil {
			return nil, err
		}
	}

	artifact, err := artifactFor(path)
	if err != nil {
		return nil, err
	}
	c.logger.Info("cpu trace captured", "path", artifact.Path, "bytes", artifact.SizeBytes, "duration", duration)
	return []store.Artifact{artifact}, nil
}

// profileSelf samples the daemon's own CPU for the given window. A
// cancelled context ends sampling early but still produces a (shorter)
// valid profile.
func (c *CPUTrace) profileSelf(ctx context.Context, path string, duration time.Duration) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create cpu profile: %w", err)
	}
	defer f.Close()

	if err := pprof.StartCPUProfile(f); err != nil {
		os.Remove(path)
		return fmt.Errorf("start cpu profile: %w", err)
	}

	select {
	case <-time.After(duration):
	case <-ctx.Done():
	}
	pprof.StopCPUProfile()
	return nil
}
