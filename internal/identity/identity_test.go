package identity

import (
	"os"
	"testing"
)

func TestInstanceID(t *testing.T) {
	t.Run("prefers environment assignment", func(t *testing.T) {
		t.Setenv(EnvInstanceID, "web-42")

		if got := InstanceID(); got != "web-42" {
			t.Errorf("InstanceID() = %q, want %q", got, "web-42")
		}
	})

	t.Run("trims whitespace", func(t *testing.T) {
		t.Setenv(EnvInstanceID, "  web-42\n")

		if got := InstanceID(); got != "web-42" {
			t.Errorf("InstanceID() = %q, want %q", got, "web-42")
		}
	})

	t.Run("falls back to hostname", func(t *testing.T) {
		t.Setenv(EnvInstanceID, "")

		hostname, err := os.Hostname()
		if err != nil {
			t.Skipf("hostname unavailable: %v", err)
		}

		if got := InstanceID(); got != hostname {
			t.Errorf("InstanceID() = %q, want hostname %q", got, hostname)
		}
	})
}
