// Package collector runs diagnostic tools on the local instance and
// reports the files they produce. Each tool has a built-in Go
// implementation and can be swapped for an external capture binary via
// configuration, which keeps the daemon useful on hosts where the real
// profilers live outside the process.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rowanharley/fleetdiag/internal/store"
)

// ErrUnknownTool indicates a session names a tool this build has no
// collector for. The orchestrator treats this as a fatal, non-retryable
// condition for the session on this instance.
var ErrUnknownTool = errors.New("unknown diagnostic tool")

// Request carries everything a collector needs for one run.
type Request struct {
	// Session is the fleet-wide session this run belongs to. Tool
	// parameters come from Session.ToolParams.
	Session *store.Session

	// InstanceID identifies the local instance, used in artifact names.
	InstanceID string

	// OutputDir is where artifacts are written. It exists by the time
	// Collect is called.
	OutputDir string
}

// Collector captures one kind of diagnostic data.
type Collector interface {
	// Kind reports which tool this collector implements.
	Kind() store.ToolKind

	// Collect runs the tool and returns descriptors for the files it
	// produced. The context bounds the run; a forced session completion
	// cancels it.
	Collect(ctx context.Context, req Request) ([]store.Artifact, error)
}

// Registry maps tool kinds to collectors.
type Registry struct {
	collectors map[store.ToolKind]Collector
}

// NewRegistry creates a registry holding the given collectors.
func NewRegistry(collectors ...Collector) *Registry {
	r := &Registry{collectors: make(map[store.ToolKind]Collector)}
	for _, c := range collectors {
		r.collectors[c.Kind()] = c
	}
	return r
}

// Register adds or replaces the collector for its tool kind.
func (r *Registry) Register(c Collector) {
	r.collectors[c.Kind()] = c
}

// Lookup returns the collector for the given tool kind.
func (r *Registry) Lookup(kind store.ToolKind) (Collector, error) {
	c, ok := r.collectors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, kind)
	}
	return c, nil
}

// artifactFor stats the written file and builds its descriptor.
func artifactFor(path string) (store.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return store.Artifact{}, fmt.Errorf("stat artifact: %w", err)
	}
	return store.Artifact{
		Path:      path,
		Name:      filepath.Base(path),
		SizeBytes: info.Size(),
	}, nil
}

// outputPath builds the canonical artifact path for a run. Session ids
// are UUIDs; the first segment is enough to keep names unique per run
// while staying readable.
func outputPath(req Request, kind store.ToolKind, ext string) string {
	id := req.Session.ID
	if len(id) > 8 {
		id = id[:8]
	}
	name := fmt.Sprintf("%s-%s-%s%s", kind, req.InstanceID, id, ext)
	return filepath.Join(req.OutputDir, name)
}
