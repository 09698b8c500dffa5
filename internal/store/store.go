// Package store defines the session store contract consumed by the
// orchestrator, together with the shared session, artifact, and fleet
// registry types. Implementations live in the filestore and sqlstore
// subpackages; both coordinate an uncoordinated fleet through shared
// durable state only.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSessionActive is returned by CreateSession when an incomplete
	// session already exists. Exactly one session is active fleet-wide.
	ErrSessionActive = errors.New("a session is already active")

	// ErrSessionCorrupted is returned when session data cannot be parsed.
	ErrSessionCorrupted = errors.New("session data corrupted")
)

// DefaultHeartbeatTTL is how long a registered instance stays part of the
// required participation set after its last heartbeat.
const DefaultHeartbeatTTL = 5 * time.Minute

// Instance is a fleet member known to the store via heartbeat registration.
type Instance struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
}

// Alive reports whether the instance's heartbeat is fresh at the given time.
func (i Instance) Alive(now time.Time, ttl time.Duration) bool {
	return now.Sub(i.LastSeen) <= ttl
}

// Store is the session store contract. The orchestrator on every instance
// drives sessions exclusively through this interface; implementations must
// tolerate concurrent readers and writers from multiple instances.
type Store interface {
	// ActiveSession returns the single fleet-wide active session, or
	// (nil, nil) when no session is active.
	ActiveSession(ctx context.Context) (*Session, error)

	// ShouldCollect reports whether the given instance is in the
	// session's participation scope.
	ShouldCollect(ctx context.Context, s *Session, instanceID string) (bool, error)

	// HasCollected reports whether the given instance already completed
	// its share of the session.
	HasCollected(ctx context.Context, s *Session, instanceID string) (bool, error)

	// MarkInstanceStarted records that the instance began collecting.
	MarkInstanceStarted(ctx context.Context, s *Session, instanceID string) error

	// MarkInstanceComplete records that the instance finished collecting.
	MarkInstanceComplete(ctx context.Context, s *Session, instanceID string) error

	// AllCollected reports whether every required instance has completed.
	// The required set is the session's scope resolved against live
	// registered instances.
	AllCollected(ctx context.Context, s *Session) (bool, error)

	// MarkSessionComplete transitions the session to its terminal state.
	// Completing an already-complete session is a no-op, not an error.
	MarkSessionComplete(ctx context.Context, s *Session, forced bool) error

	// AddArtifacts appends collected artifact descriptors to the session.
	AddArtifacts(ctx context.Context, s *Session, artifacts []Artifact) error

	// RegisterInstance registers the instance or refreshes its heartbeat.
	RegisterInstance(ctx context.Context, instanceID string) error

	// Instances returns all registered fleet instances, including ones
	// whose heartbeats have gone stale.
	Instances(ctx context.Context) ([]Instance, error)

	// CreateSession persists a new session and makes it the active one.
	// Returns ErrSessionActive if an incomplete session already exists.
	CreateSession(ctx context.Context, s *Session) error

	// Session returns the session with the given id.
	// Returns ErrNotFound if it does not exist.
	Session(ctx context.Context, sessionID string) (*Session, error)

	// ListSessions returns all known sessions, newest first.
	ListSessions(ctx context.Context) ([]*Session, error)

	// Close releases any resources held by the store.
	Close() error
}
