package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ToolKind selects which diagnostic tool a session runs on each
// participating instance.
type ToolKind string

const (
	// ToolMemoryDump captures a full memory snapshot of the target process.
	ToolMemoryDump ToolKind = "memory-dump"

	// ToolCPUTrace captures an execution/CPU trace of the target process.
	ToolCPUTrace ToolKind = "cpu-trace"
)

// Valid reports whether the tool kind is one fleetdiag knows how to run.
func (k ToolKind) Valid() bool {
	switch k {
	case ToolMemoryDump, ToolCPUTrace:
		return true
	}
	return false
}

// InstanceState tracks one instance's progress through a session.
type InstanceState string

const (
	// InstanceStarted means the instance began collecting but has not
	// reported artifacts yet.
	InstanceStarted InstanceState = "started"

	// InstanceCompleted means the instance finished its share.
	InstanceCompleted InstanceState = "completed"
)

// Artifact describes one file produced by a collection run.
type Artifact struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// Session is the fleet-wide record of one diagnostic collection job.
// It is created once, mutated by every participating instance's
// orchestrator as work progresses, and marked complete exactly once.
type Session struct {
	ID         string            `json:"id"`
	Tool       ToolKind          `json:"tool"`
	ToolParams map[string]string `json:"tool_params,omitempty"`
	StartTime  time.Time         `json:"start_time"`

	// Scope holds glob patterns over instance ids. An empty scope means
	// every registered instance participates.
	Scope []string `json:"scope,omitempty"`

	// Instances maps instance id to its collection progress.
	Instances map[string]InstanceState `json:"instances,omitempty"`

	Complete    bool       `json:"complete"`
	Forced      bool       `json:"forced,omitempty"` // Completion was forced by the deadline
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// NewSession mints a session for the given tool with a fresh unique id and
// the current UTC time as its start.
func NewSession(tool ToolKind, params map[string]string, scope []string) (*Session, error) {
	if !tool.Valid() {
		return nil, fmt.Errorf("unknown tool kind %q", tool)
	}
	return &Session{
		ID:         uuid.New().String(),
		Tool:       tool,
		ToolParams: params,
		StartTime:  time.Now().UTC(),
		Scope:      scope,
		Instances:  make(map[string]InstanceState),
	}, nil
}

// InstanceCompleted reports whether the given instance has completed its
// share of this session.
func (s *Session) InstanceCompleted(instanceID string) bool {
	return s.Instances[instanceID] == InstanceCompleted
}

// Age returns how long the session has been running at the given time.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// RequiredInstances resolves the session's participation scope against the
// registered fleet, keeping only instances with fresh heartbeats. This is
// the set whose completion closes the session.
func (s *Session) RequiredInstances(fleet []Instance, now time.Time, heartbeatTTL time.Duration) []string {
	var required []string
	for _, inst := range fleet {
		if !inst.Alive(now, heartbeatTTL) {
			continue
		}
		if InScope(s.Scope, inst.ID) {
			required = append(required, inst.ID)
		}
	}
	return required
}

// AllRequiredCompleted reports whether every required instance has
// completed. An empty required set never completes a session on its own;
// the deadline path handles fleets that drained mid-session.
func (s *Session) AllRequiredCompleted(fleet []Instance, now time.Time, heartbeatTTL time.Duration) bool {
	required := s.RequiredInstances(fleet, now, heartbeatTTL)
	if len(required) == 0 {
		return false
	}
	for _, id := range required {
		if !s.InstanceCompleted(id) {
			return false
		}
	}
	return true
}
