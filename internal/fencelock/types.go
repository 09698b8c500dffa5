package fencelock

import (
	"errors"
	"time"
)

// Sentinel errors returned by lock operations.
var (
	// ErrNotOwner is returned when Release finds the lock file owned by a
	// different process. The file is left untouched.
	ErrNotOwner = errors.New("lock is owned by another process")

	// ErrNotImplemented is returned by operation variants that have no
	// backing implementation yet, so callers cannot mistake them for success.
	ErrNotImplemented = errors.New("not implemented")
)

const (
	// DefaultTTL is how long an acquired lock remains valid before any
	// observer may reclaim it.
	DefaultTTL = 20 * time.Minute

	// DefaultMessage is the reason string reported to users when a lock
	// holder has not attached a custom one.
	DefaultMessage = "operation in progress"
)

// Record is the persisted lock state. It is written once at acquisition and
// never mutated; expiry or corruption is handled by deleting the file.
type Record struct {
	OwnerPID      int       `json:"owner_pid"`
	OwnerToken    string    `json:"owner_token"` // Per-acquirer token, distinguishes holders within a process
	OwnerInstance string    `json:"owner_instance_id"`
	Operation     string    `json:"operation"`
	ExpiresAt     time.Time `json:"expires_at"` // Absolute UTC expiry
}

// Expired reports whether the record's TTL has elapsed at the given time.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// valid reports whether the record carries every required field. A record
// missing its expiry or owner identity is treated as corrupt.
func (r *Record) valid() bool {
	return r.OwnerPID != 0 && !r.ExpiresAt.IsZero()
}

// Option configures a Lock.
type Option func(*Lock)

// WithTTL overrides the lock's time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(l *Lock) {
		l.ttl = ttl
	}
}

// WithMessage sets the initial user-facing reason string.
func WithMessage(msg string) Option {
	return func(l *Lock) {
		l.message = msg
	}
}
