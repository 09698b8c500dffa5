package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
}

func TestLoadDefaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !cfg.Daemon.Enabled {
		t.Error("daemon disabled by default")
	}
	if got := cfg.Daemon.PollInterval(); got != time.Minute {
		t.Errorf("PollInterval() = %v, want 1m", got)
	}
	if got := cfg.Daemon.MaxSessionAge(); got != 15*time.Minute {
		t.Errorf("MaxSessionAge() = %v, want 15m", got)
	}
	if got := cfg.Lock.TTL(); got != 20*time.Minute {
		t.Errorf("Lock.TTL() = %v, want 20m", got)
	}
	if cfg.Store.Driver != "file" {
		t.Errorf("Store.Driver = %q, want file", cfg.Store.Driver)
	}
}

func TestLoadDerivesPaths(t *testing.T) {
	resetViper(t)
	viper.Set("store.dir", "/srv/fleetdiag")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if want := filepath.Join("/srv/fleetdiag", "fleetdiag.lock"); cfg.Lock.Path != want {
		t.Errorf("Lock.Path = %q, want %q", cfg.Lock.Path, want)
	}
	if want := filepath.Join("/srv/fleetdiag", "artifacts"); cfg.Collect.OutputDir != want {
		t.Errorf("Collect.OutputDir = %q, want %q", cfg.Collect.OutputDir, want)
	}
	if want := filepath.Join("/srv/fleetdiag", "fleetdiag.db"); cfg.Store.DBPath != want {
		t.Errorf("Store.DBPath = %q, want %q", cfg.Store.DBPath, want)
	}
}

func TestLoadExplicitPathsWin(t *testing.T) {
	resetViper(t)
	viper.Set("store.dir", "/srv/fleetdiag")
	viper.Set("lock.path", "/var/lock/diag.lock")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Lock.Path != "/var/lock/diag.lock" {
		t.Errorf("Lock.Path = %q, want explicit value preserved", cfg.Lock.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{
			name:      "negative poll interval",
			mutate:    func(c *Config) { c.Daemon.PollIntervalSeconds = -1 },
			wantField: "daemon.poll_interval_seconds",
		},
		{
			name:      "zero max session",
			mutate:    func(c *Config) { c.Daemon.MaxSessionMinutes = 0 },
			wantField: "daemon.max_session_minutes",
		},
		{
			name:      "zero heartbeat ttl",
			mutate:    func(c *Config) { c.Daemon.HeartbeatTTLMinutes = 0 },
			wantField: "daemon.heartbeat_ttl_minutes",
		},
		{
			name:      "unknown store driver",
			mutate:    func(c *Config) { c.Store.Driver = "etcd" },
			wantField: "store.driver",
		},
		{
			name:      "zero lock ttl",
			mutate:    func(c *Config) { c.Lock.TTLMinutes = 0 },
			wantField: "lock.ttl_minutes",
		},
		{
			name:      "bad log level",
			mutate:    func(c *Config) { c.Logging.Level = "loud" },
			wantField: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("Validate() found no errors")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() errors %v missing field %s", errs, tt.wantField)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	if errs := Default().Validate(); len(errs) > 0 {
		t.Errorf("default config invalid: %v", errs)
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{
		{Field: "lock.ttl_minutes", Value: 0, Message: "must be positive"},
		{Field: "store.driver", Value: "etcd", Message: "must be one of: file, sqlite"},
	}
	msg := errs.Error()
	if !strings.Contains(msg, "2 validation errors") {
		t.Errorf("message %q missing count", msg)
	}
	if !strings.Contains(msg, "lock.ttl_minutes") || !strings.Contains(msg, "store.driver") {
		t.Errorf("message %q missing fields", msg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	resetViper(t)
	viper.Set("store.driver", "etcd")

	if _, err := Load(); err == nil {
		t.Error("Load() accepted an invalid store driver")
	}
}
