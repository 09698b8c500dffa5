package collector

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"runtime/pprof"

	"github.com/rowanharley/fleetdiag/internal/logging"
	"github.com/rowanharley/fleetdiag/internal/store"
)

// MemoryDump captures a memory snapshot of the instance. With no external
// binary configured it writes the Go heap profile of the daemon itself;
// with one configured it delegates to that binary.
type MemoryDump struct {
	// BinaryPath, when set, is an external capture program invoked as
	// `binary <output-path>`. It must write the dump to that path and
	// exit zero.
	BinaryPath string

	logger *logging.Logger
}

// NewMemoryDump creates a memory-dump collector.
func NewMemoryDump(binaryPath string, logger *logging.Logger) *MemoryDump {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &MemoryDump{BinaryPath: binaryPath, logger: logger}
}

// Kind implements Collector.
func (m *MemoryDump) Kind() store.ToolKind { return store.ToolMemoryDump }

// Collect implements Collector.
func (m *MemoryDump) Collect(ctx context.Context, req Request) ([]store.Artifact, error) {
	path := outputPath(req, store.ToolMemoryDump, ".pprof")

	if m.BinaryPath != "" {
		m.logger.Debug("running external memory dump", "binary", m.BinaryPath, "output", path)
		cmd := exec.CommandContext(ctx, m.BinaryPath, path)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("memory dump binary: %w: %s", err, out)
		}
	} else {
		if err := writeHeapProfile(path); err != nil {
			return nil, err
		}
	}

	artifact, err := artifactFor(path)
	if err != nil {
		return nil, err
	}
	m.logger.Info("memory dump captured", "path", artifact.Path, "bytes", artifact.SizeBytes)
	return []store.Artifact{artifact}, nil
}

// writeHeapProfile writes the daemon's own heap profile. A GC first makes
// the profile reflect live objects rather than garbage.
func writeHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create heap profile: %w", err)
	}
	defer f.Close()

	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		os.Remove(path)
		return fmt.Errorf("write heap profile: %w", err)
	}
	return nil
}
