package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rowanharley/fleetdiag/internal/store"
)

func newTestRequest(t *testing.T, tool store.ToolKind, params map[string]string) Request {
	t.Helper()
	sess, err := store.NewSession(tool, params, nil)
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	return Request{
		Session:    sess,
		InstanceID: "web-1",
		OutputDir:  t.TempDir(),
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(NewMemoryDump("", nil), NewCPUTrace("", nil))

	c, err := reg.Lookup(store.ToolMemoryDump)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if c.Kind() != store.ToolMemoryDump {
		t.Errorf("Kind() = %q, want %q", c.Kind(), store.ToolMemoryDump)
	}

	_, err = reg.Lookup(store.ToolKind("flame-graph"))
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Lookup() error = %v, want ErrUnknownTool", err)
	}
}

func TestMemoryDumpBuiltin(t *testing.T) {
	req := newTestRequest(t, store.ToolMemoryDump, nil)

	artifacts, err := NewMemoryDump("", nil).Collect(context.Background(), req)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(artifacts))
	}

	a := artifacts[0]
	if a.SizeBytes == 0 {
		t.Error("heap profile is empty")
	}
	if !strings.HasPrefix(a.Name, "memory-dump-web-1-") {
		t.Errorf("artifact name = %q, want memory-dump-web-1-* prefix", a.Name)
	}
	if _, err := os.Stat(a.Path); err != nil {
		t.Errorf("artifact file missing: %v", err)
	}
}

func TestCPUTraceBuiltin(t *testing.T) {
	req := newTestRequest(t, store.ToolCPUTrace, map[string]string{"duration": "50ms"})

	start := time.Now()
	artifacts, err := NewCPUTrace("", nil).Collect(context.Background(), req)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("trace returned after %v, want at least the 50ms window", elapsed)
	}
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(artifacts))
	}
	if artifacts[0].SizeBytes == 0 {
		t.Error("cpu profile is empty")
	}
}

func TestCPUTraceCancelledContext(t *testing.T) {
	req := newTestRequest(t, store.ToolCPUTrace, map[string]string{"duration": "10s"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := NewCPUTrace("", nil).Collect(ctx, req)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation did not cut the trace short (took %v)", elapsed)
	}
}

func TestCPUTraceBadDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration string
	}{
		{name: "unparseable", duration: "soon"},
		{name: "zero", duration: "0s"},
		{name: "negative", duration: "-5s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newTestRequest(t, store.ToolCPUTrace, map[string]string{"duration": tt.duration})
			_, err := NewCPUTrace("", nil).Collect(context.Background(), req)
			if err == nil {
				t.Errorf("Collect() accepted duration %q", tt.duration)
			}
		})
	}
}

func TestMemoryDumpExternalBinary(t *testing.T) {
	// A stand-in capture binary that writes a fixed payload to the
	// output path it is handed.
	script := filepath.Join(t.TempDir(), "capture.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho dump-payload > \"$1\"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	req := newTestRequest(t, store.ToolMemoryDump, nil)
	artifacts, err := NewMemoryDump(script, nil).Collect(context.Background(), req)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(artifacts))
	}

	data, err := os.ReadFile(artifacts[0].Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if strings.TrimSpace(string(data)) != "dump-payload" {
		t.Errorf("artifact content = %q, want dump-payload", data)
	}
}

func TestMemoryDumpExternalBinaryFailure(t *testing.T) {
	script := filepath.Join(t.TempDir(), "capture.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho capture failed >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	req := newTestRequest(t, store.ToolMemoryDump, nil)
	_, err := NewMemoryDump(script, nil).Collect(context.Background(), req)
	if err == nil {
		t.Fatal("Collect() succeeded despite binary failure")
	}
	if !strings.Contains(err.Error(), "capture failed") {
		t.Errorf("error %q does not carry the binary's output", err)
	}
}
