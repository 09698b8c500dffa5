// Package sqlstore implements the session store contract on SQLite.
// It suits fleets whose shared volume handles many small files poorly;
// all coordination state lives in one WAL-mode database file.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rowanharley/fleetdiag/internal/store"
)

// Store is a SQLite-backed session store.
type Store struct {
	db           *sql.DB
	heartbeatTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithHeartbeatTTL overrides how long instance heartbeats count as live.
func WithHeartbeatTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.heartbeatTTL = ttl
	}
}

// New opens (creating if needed) the database at dbPath and runs
// migrations.
func New(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// modernc.org/sqlite takes pragmas as _pragma=name(value) pairs, not
	// the mattn-style _name keys.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:           db,
		heartbeatTTL: store.DefaultHeartbeatTTL,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		tool_params TEXT,
		start_time DATETIME NOT NULL,
		scope TEXT,
		complete INTEGER NOT NULL DEFAULT 0,
		forced INTEGER NOT NULL DEFAULT 0,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS session_instances (
		session_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		state TEXT NOT NULL,
		PRIMARY KEY (session_id, instance_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		last_seen DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_complete ON sessions(complete);
	CREATE INDEX IF NOT EXISTS idx_artifacts_session_id ON artifacts(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateSession persists the session. The single-active-session invariant
// is enforced inside a transaction: if any incomplete session exists the
// insert is abandoned and ErrSessionActive returned.
func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var activeID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE complete = 0 LIMIT 1`,
	).Scan(&activeID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("check active session: %w", err)
	}
	if activeID != "" {
		return store.ErrSessionActive
	}

	params, err := json.Marshal(sess.ToolParams)
	if err != nil {
		return fmt.Errorf("marshal tool params: %w", err)
	}
	scope, err := json.Marshal(sess.Scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, tool, tool_params, start_time, scope, complete, forced) VALUES (?, ?, ?, ?, ?, 0, 0)`,
		sess.ID, string(sess.Tool), string(params), sess.StartTime, string(scope),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return tx.Commit()
}

// ActiveSession returns the currently active session, or (nil, nil) when
// there is none.
func (s *Store) ActiveSession(ctx context.Context) (*store.Session, error) {
	sess, err := s.querySession(ctx, `WHERE complete = 0 ORDER BY start_time DESC LIMIT 1`)
	if err == store.ErrNotFound {
		return nil, nil
	}
	return sess, err
}

// ShouldCollect reports whether the instance is in the session's scope.
func (s *Store) ShouldCollect(ctx context.Context, sess *store.Session, instanceID string) (bool, error) {
	return store.InScope(sess.Scope, instanceID), nil
}

// HasCollected reports whether the instance already completed this session.
func (s *Store) HasCollected(ctx context.Context, sess *store.Session, instanceID string) (bool, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM session_instances WHERE session_id = ? AND instance_id = ?`,
		sess.ID, instanceID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query instance state: %w", err)
	}
	return store.InstanceState(state) == store.InstanceCompleted, nil
}

// MarkInstanceStarted records that the instance began collecting. A
// completed instance is never demoted back to started.
func (s *Store) MarkInstanceStarted(ctx context.Context, sess *store.Session, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_instances (session_id, instance_id, state) VALUES (?, ?, ?)
		 ON CONFLICT(session_id, instance_id) DO UPDATE SET state = excluded.state WHERE session_instances.state != ?`,
		sess.ID, instanceID, string(store.InstanceStarted), string(store.InstanceCompleted),
	)
	if err != nil {
		return fmt.Errorf("mark instance started: %w", err)
	}
	return nil
}

// MarkInstanceComplete records that the instance finished its share.
func (s *Store) MarkInstanceComplete(ctx context.Context, sess *store.Session, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_instances (session_id, instance_id, state) VALUES (?, ?, ?)
		 ON CONFLICT(session_id, instance_id) DO UPDATE SET state = excluded.state`,
		sess.ID, instanceID, string(store.InstanceCompleted),
	)
	if err != nil {
		return fmt.Errorf("mark instance complete: %w", err)
	}
	return nil
}

// AllCollected reports whether every required instance has completed,
// resolving the session's scope against live registered instances.
func (s *Store) AllCollected(ctx context.Context, sess *store.Session) (bool, error) {
	fleet, err := s.Instances(ctx)
	if err != nil {
		return false, err
	}
	fresh, err := s.Session(ctx, sess.ID)
	if err != nil {
		return false, err
	}
	return fresh.AllRequiredCompleted(fleet, time.Now().UTC(), s.heartbeatTTL), nil
}

// MarkSessionComplete transitions the session to complete. Completing an
// already-complete session is a no-op, so racing closers converge on the
// first completion's flags.
func (s *Store) MarkSessionComplete(ctx context.Context, sess *store.Session, forced bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET complete = 1, forced = ?, completed_at = ? WHERE id = ? AND complete = 0`,
		forced, time.Now().UTC(), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("mark session complete: %w", err)
	}
	return nil
}

// AddArtifacts appends artifact descriptors to the session.
func (s *Store) AddArtifacts(ctx context.Context, sess *store.Session, artifacts []store.Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range artifacts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (session_id, path, name, size_bytes) VALUES (?, ?, ?, ?)`,
			sess.ID, a.Path, a.Name, a.SizeBytes,
		)
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
	}
	return tx.Commit()
}

// RegisterInstance registers the instance or refreshes its heartbeat.
func (s *Store) RegisterInstance(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, last_seen) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen`,
		instanceID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	return nil
}

// Instances returns all registered fleet instances.
func (s *Store) Instances(ctx context.Context) ([]store.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, last_seen FROM instances ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []store.Instance
	for rows.Next() {
		var inst store.Instance
		if err := rows.Scan(&inst.ID, &inst.LastSeen); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// Session returns the session with the given id.
func (s *Store) Session(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.querySession(ctx, `WHERE id = ?`, sessionID)
}

// ListSessions returns all known sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool, tool_params, start_time, scope, complete, forced, completed_at FROM sessions ORDER BY start_time DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sess := range sessions {
		if err := s.hydrateSession(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var tool, params, scope string
	var completedAt sql.NullTime

	err := row.Scan(&sess.ID, &tool, &params, &sess.StartTime, &scope, &sess.Complete, &sess.Forced, &completedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Tool = store.ToolKind(tool)
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &sess.ToolParams); err != nil {
			return nil, fmt.Errorf("%w: tool params: %v", store.ErrSessionCorrupted, err)
		}
	}
	if scope != "" && scope != "null" {
		if err := json.Unmarshal([]byte(scope), &sess.Scope); err != nil {
			return nil, fmt.Errorf("%w: scope: %v", store.ErrSessionCorrupted, err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return &sess, nil
}

func (s *Store) querySession(ctx context.Context, where string, args ...any) (*store.Session, error) {
	query := `SELECT id, tool, tool_params, start_time, scope, complete, forced, completed_at FROM sessions ` + strings.TrimSpace(where)
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if err := s.hydrateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// hydrateSession fills the instance-progress map and artifact list.
func (s *Store) hydrateSession(ctx context.Context, sess *store.Session) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, state FROM session_instances WHERE session_id = ?`, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("query session instances: %w", err)
	}
	defer rows.Close()

	sess.Instances = make(map[string]store.InstanceState)
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return fmt.Errorf("scan session instance: %w", err)
		}
		sess.Instances[id] = store.InstanceState(state)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	arows, err := s.db.QueryContext(ctx,
		`SELECT path, name, size_bytes FROM artifacts WHERE session_id = ? ORDER BY id`, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("query artifacts: %w", err)
	}
	defer arows.Close()

	sess.Artifacts = nil
	for arows.Next() {
		var a store.Artifact
		if err := arows.Scan(&a.Path, &a.Name, &a.SizeBytes); err != nil {
			return fmt.Errorf("scan artifact: %w", err)
		}
		sess.Artifacts = append(sess.Artifacts, a)
	}
	return arows.Err()
}
