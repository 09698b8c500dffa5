package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rowanharley/fleetdiag/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "daemon.poll_interval_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateDaemon()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateDaemon() []ValidationError {
	var errors []ValidationError

	if c.Daemon.PollIntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "daemon.poll_interval_seconds",
			Value:   c.Daemon.PollIntervalSeconds,
			Message: "must be positive",
		})
	}
	if c.Daemon.MaxSessionMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "daemon.max_session_minutes",
			Value:   c.Daemon.MaxSessionMinutes,
			Message: "must be positive",
		})
	}
	if c.Daemon.HeartbeatTTLMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "daemon.heartbeat_ttl_minutes",
			Value:   c.Daemon.HeartbeatTTLMinutes,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError

	if !IsValidStoreDriver(c.Store.Driver) {
		errors = append(errors, ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStoreDrivers(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateLock() []ValidationError {
	var errors []ValidationError

	if c.Lock.TTLMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.ttl_minutes",
			Value:   c.Lock.TTLMinutes,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(logging.ValidLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(logging.ValidLevels(), ", ")),
		})
	}

	return errors
}
