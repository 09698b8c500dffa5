// Package identity resolves the fleet-instance id for the local process.
// The id is an opaque string assigned by the hosting environment; fleetdiag
// never interprets it beyond equality and pattern matching.
package identity

import (
	"fmt"
	"os"
	"strings"
)

// EnvInstanceID is the environment variable the hosting environment uses
// to assign this process its fleet-instance id.
const EnvInstanceID = "FLEETDIAG_INSTANCE_ID"

// InstanceID returns the fleet-instance id for this process.
// It prefers the hosting environment's assignment and falls back to the
// machine hostname, so a bare development machine still gets a stable id.
func InstanceID() string {
	if id := strings.TrimSpace(os.Getenv(EnvInstanceID)); id != "" {
		return id
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		// Last resort: a pid-derived id keeps the process functional,
		// though it will not survive restarts.
		return fmt.Sprintf("pid-%d", os.Getpid())
	}
	return hostname
}
