package fencelock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rowanharley/fleetdiag/internal/logging"
)

// Lock is a TTL-based mutual-exclusion primitive over a single well-known
// file path. Multiple Locks (in this or any other process) pointing at the
// same path contend for the same logical lock.
//
// Lock is safe for concurrent use within a process; cross-process atomicity
// relies on O_EXCL file creation.
type Lock struct {
	path       string
	instanceID string
	token      string
	ttl        time.Duration
	logger     *logging.Logger

	mu      sync.Mutex
	message string
}

// New creates a Lock over the given path. The instanceID identifies this
// fleet instance in the persisted record. A nil logger disables logging.
func New(path, instanceID string, logger *logging.Logger, opts ...Option) *Lock {
	if logger == nil {
		logger = logging.NopLogger()
	}
	l := &Lock{
		path:       path,
		instanceID: instanceID,
		token:      newToken(),
		ttl:        DefaultTTL,
		logger:     logger,
		message:    DefaultMessage,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire attempts to take the lock for the named operation. Contention is
// a normal negative result, not an error: if a valid lock is already held,
// Acquire returns (false, nil) and the attached Message explains it to
// users. Acquire never blocks or retries.
func (l *Lock) Acquire(operation string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, err := l.evaluate()
	if err != nil {
		return false, err
	}
	if held {
		return false, nil
	}

	record := Record{
		OwnerPID:      os.Getpid(),
		OwnerToken:    l.token,
		OwnerInstance: l.instanceID,
		Operation:     operation,
		ExpiresAt:     time.Now().UTC().Add(l.ttl),
	}

	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal lock record: %w", err)
	}

	// O_EXCL makes creation atomic across processes: whoever creates the
	// file wins, everyone else sees IsExist.
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// Another acquirer won the race since our evaluate pass.
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(l.path)
		return false, fmt.Errorf("write lock file: %w", err)
	}

	l.logger.Info("lock acquired",
		"path", l.path,
		"operation", operation,
		"expires_at", record.ExpiresAt,
	)
	return true, nil
}

// AcquireWait would block until the lock becomes available. It has no
// backing implementation and fails loudly rather than silently no-op.
func (l *Lock) AcquireWait(ctx context.Context, operation string) error {
	return fmt.Errorf("blocking acquire: %w", ErrNotImplemented)
}

// Release removes the lock file if this Lock owns it. Releasing when no
// lock exists is an ordinary race, not a fault: it logs a warning and
// returns nil. Releasing a lock owned by a different process leaves the
// file in place and returns ErrNotOwner.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, err := readRecord(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Warn("release: no lock to remove", "path", l.path)
			return nil
		}
		// Corrupt record: nothing meaningful to verify, reclaim it.
		l.logger.Warn("release: removing corrupt lock record", "path", l.path)
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove corrupt lock file: %w", err)
		}
		return nil
	}

	if record.OwnerPID != os.Getpid() || record.OwnerToken != l.token {
		l.logger.Warn("release: lock owned by another process",
			"path", l.path,
			"owner_pid", record.OwnerPID,
			"owner_instance", record.OwnerInstance,
		)
		return ErrNotOwner
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}

	l.logger.Info("lock released", "path", l.path, "operation", record.Operation)
	return nil
}

// IsHeld reports whether a valid, unexpired lock currently exists at the
// lock path. Observing an expired or corrupt record reclaims it as a side
// effect. Safe to call repeatedly and concurrently with Acquire.
func (l *Lock) IsHeld() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluate()
}

// Holder returns the current lock record, or nil if the lock is not held.
// Unlike IsHeld it performs the same reclaim side effect, so a stale record
// is never reported as a holder.
func (l *Lock) Holder() (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, err := l.evaluate()
	if err != nil || !held {
		return nil, err
	}
	record, err := readRecord(l.path)
	if err != nil {
		// Deleted between evaluate and read; lock is simply gone.
		return nil, nil
	}
	return record, nil
}

// Message returns the user-facing reason string attached to this lock.
func (l *Lock) Message() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.message
}

// SetMessage attaches a user-facing reason string. It has no effect on
// lock semantics.
func (l *Lock) SetMessage(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg == "" {
		msg = DefaultMessage
	}
	l.message = msg
}

// evaluate applies the held-lock invariant: the lock is held iff the file
// exists, parses, and has not expired. Any other state reclaims the file.
// Callers must hold l.mu.
func (l *Lock) evaluate() (bool, error) {
	record, err := readRecord(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		// Corrupt or unreadable record: reclaim and proceed as unlocked.
		l.logger.Warn("reclaiming corrupt lock record", "path", l.path, "error", err)
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("remove corrupt lock file: %w", err)
		}
		return false, nil
	}

	if record.Expired(time.Now().UTC()) {
		l.logger.Warn("reclaiming expired lock",
			"path", l.path,
			"operation", record.Operation,
			"owner_pid", record.OwnerPID,
			"expired_at", record.ExpiresAt,
		)
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("remove expired lock file: %w", err)
		}
		return false, nil
	}

	return true, nil
}

// readRecord loads and validates the lock record at path. A parse failure
// or a record missing required fields is reported as a non-IsNotExist error
// so callers treat it as corruption.
func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse lock record: %w", err)
	}
	if !record.valid() {
		return nil, fmt.Errorf("lock record missing required fields")
	}
	return &record, nil
}

// ReadRecord loads the lock record at path without any reclaim side effect.
// Intended for read-only reporting surfaces such as the lock status command.
func ReadRecord(path string) (*Record, error) {
	return readRecord(path)
}

// newToken generates a per-acquirer owner token.
func newToken() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// Fallback to a timestamp-based token.
		return fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
