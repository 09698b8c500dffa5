// Package filestore implements the session store contract on a shared
// directory tree. Sessions and instance heartbeats are JSON files written
// atomically (temp file + rename), and the single-active-session invariant
// is enforced with an O_EXCL-created pointer file, so an uncoordinated
// fleet can share the store with no locking beyond the filesystem's own
// atomic primitives.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rowanharley/fleetdiag/internal/store"
)

const (
	sessionsDirName  = "sessions"
	instancesDirName = "instances"
	activeFileName   = "active"
)

// Store is a file-backed session store rooted at a shared directory.
type Store struct {
	dir          string
	heartbeatTTL time.Duration

	// mu serializes read-modify-write cycles within this process. Cross-
	// process convergence relies on idempotent mutations and atomic writes.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithHeartbeatTTL overrides how long instance heartbeats count as live.
func WithHeartbeatTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.heartbeatTTL = ttl
	}
}

// New creates a file-backed store rooted at dir, creating the directory
// layout if needed.
func New(dir string, opts ...Option) (*Store, error) {
	for _, sub := range []string{sessionsDirName, instancesDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	s := &Store{
		dir:          dir,
		heartbeatTTL: store.DefaultHeartbeatTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Close releases resources. The file-backed store holds none.
func (s *Store) Close() error { return nil }

// CreateSession persists the session and claims the active pointer.
// The O_EXCL create of the pointer file is what makes "exactly one active
// session" hold across instances.
func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A stale pointer (to a missing or completed session) must not block
	// new sessions forever; reclaim it before attempting the claim.
	s.reclaimStaleActivePointer()

	if err := s.saveSession(sess); err != nil {
		return err
	}

	f, err := os.OpenFile(s.activePath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return store.ErrSessionActive
		}
		return fmt.Errorf("create active pointer: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(sess.ID); err != nil {
		os.Remove(s.activePath())
		return fmt.Errorf("write active pointer: %w", err)
	}
	return nil
}

// ActiveSession returns the currently active session, or (nil, nil) when
// there is none. A pointer to a missing or already-complete session is
// treated as stale and reclaimed.
func (s *Store) ActiveSession(ctx context.Context) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.readActivePointer()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}

	sess, err := s.loadSession(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			os.Remove(s.activePath())
			return nil, nil
		}
		return nil, err
	}
	if sess.Complete {
		os.Remove(s.activePath())
		return nil, nil
	}
	return sess, nil
}

// ShouldCollect reports whether the instance is in the session's scope.
func (s *Store) ShouldCollect(ctx context.Context, sess *store.Session, instanceID string) (bool, error) {
	return store.InScope(sess.Scope, instanceID), nil
}

// HasCollected reports whether the instance already completed this session,
// consulting the durable state rather than the possibly-stale snapshot.
func (s *Store) HasCollected(ctx context.Context, sess *store.Session, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh, err := s.loadSession(sess.ID)
	if err != nil {
		return false, err
	}
	return fresh.InstanceCompleted(instanceID), nil
}

// MarkInstanceStarted records that the instance began collecting.
func (s *Store) MarkInstanceStarted(ctx context.Context, sess *store.Session, instanceID string) error {
	return s.mutateSession(sess.ID, func(fresh *store.Session) {
		if fresh.Instances == nil {
			fresh.Instances = make(map[string]store.InstanceState)
		}
		// Never demote a completed instance back to started.
		if fresh.Instances[instanceID] != store.InstanceCompleted {
			fresh.Instances[instanceID] = store.InstanceStarted
		}
	})
}

// MarkInstanceComplete records that the instance finished its share.
func (s *Store) MarkInstanceComplete(ctx context.Context, sess *store.Session, instanceID string) error {
	return s.mutateSession(sess.ID, func(fresh *store.Session) {
		if fresh.Instances == nil {
			fresh.Instances = make(map[string]store.InstanceState)
		}
		fresh.Instances[instanceID] = store.InstanceCompleted
	})
}

// AllCollected reports whether every required instance has completed,
// resolving the session's scope against live registered instances.
func (s *Store) AllCollected(ctx context.Context, sess *store.Session) (bool, error) {
	fleet, err := s.Instances(ctx)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fresh, err := s.loadSession(sess.ID)
	if err != nil {
		return false, err
	}
	return fresh.AllRequiredCompleted(fleet, time.Now().UTC(), s.heartbeatTTL), nil
}

// MarkSessionComplete transitions the session to complete and releases the
// active pointer. Completing an already-complete session is a no-op.
func (s *Store) MarkSessionComplete(ctx context.Context, sess *store.Session, forced bool) error {
	err := s.mutateSession(sess.ID, func(fresh *store.Session) {
		if fresh.Complete {
			return
		}
		now := time.Now().UTC()
		fresh.Complete = true
		fresh.Forced = forced
		fresh.CompletedAt = &now
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, _ := s.readActivePointer(); id == sess.ID {
		os.Remove(s.activePath())
	}
	return nil
}

// AddArtifacts appends artifact descriptors to the session.
func (s *Store) AddArtifacts(ctx context.Context, sess *store.Session, artifacts []store.Artifact) error {
	return s.mutateSession(sess.ID, func(fresh *store.Session) {
		fresh.Artifacts = append(fresh.Artifacts, artifacts...)
	})
}

// RegisterInstance registers the instance or refreshes its heartbeat.
func (s *Store) RegisterInstance(ctx context.Context, instanceID string) error {
	inst := store.Instance{ID: instanceID, LastSeen: time.Now().UTC()}
	data, err := json.MarshalIndent(&inst, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	return atomicWriteFile(s.instancePath(instanceID), data, 0o644)
}

// Instances returns all registered fleet instances.
func (s *Store) Instances(ctx context.Context) ([]store.Instance, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, instancesDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instances directory: %w", err)
	}

	var instances []store.Instance
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, instancesDirName, entry.Name()))
		if err != nil {
			continue // Racing writer; skip this pass.
		}
		var inst store.Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			continue // Corrupt heartbeat is not a member.
		}
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

// Session returns the session with the given id.
func (s *Store) Session(ctx context.Context, sessionID string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadSession(sessionID)
}

// ListSessions returns all known sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*store.Session, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, sessionsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []*store.Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := s.loadSession(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue // Corrupt or mid-write; skip this pass.
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions, nil
}

// mutateSession applies fn to a freshly-loaded copy of the session and
// writes the result back atomically.
func (s *Store) mutateSession(sessionID string, fn func(*store.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadSession(sessionID)
	if err != nil {
		return err
	}
	fn(sess)
	return s.saveSession(sess)
}

func (s *Store) loadSession(sessionID string) (*store.Session, error) {
	data, err := os.ReadFile(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var sess store.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrSessionCorrupted, err)
	}
	return &sess, nil
}

func (s *Store) saveSession(sess *store.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return atomicWriteFile(s.sessionPath(sess.ID), data, 0o644)
}

// readActivePointer returns the active session id, or "" when the pointer
// file does not exist.
func (s *Store) readActivePointer() (string, error) {
	data, err := os.ReadFile(s.activePath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read active pointer: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// reclaimStaleActivePointer removes an active pointer that refers to a
// missing or completed session. Callers must hold s.mu.
func (s *Store) reclaimStaleActivePointer() {
	id, err := s.readActivePointer()
	if err != nil || id == "" {
		return
	}
	sess, err := s.loadSession(id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sess.Complete) {
		os.Remove(s.activePath())
	}
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.dir, sessionsDirName, sessionID+".json")
}

func (s *Store) instancePath(instanceID string) string {
	return filepath.Join(s.dir, instancesDirName, instanceID+".json")
}

func (s *Store) activePath() string {
	return filepath.Join(s.dir, activeFileName)
}

// atomicWriteFile writes data to a file atomically by writing to a
// temporary file in the same directory and renaming it over the target,
// so no reader ever sees a partially-written file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}
