// Package config holds the fleetdiag configuration, loaded through viper
// from a YAML file with environment-variable overrides.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete fleetdiag configuration
type Config struct {
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Store   StoreConfig   `mapstructure:"store"`
	Lock    LockConfig    `mapstructure:"lock"`
	Collect CollectConfig `mapstructure:"collect"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DaemonConfig controls the orchestrator loop
type DaemonConfig struct {
	// Enabled gates the whole orchestrator; when false the daemon ticks
	// but does nothing (useful for draining an instance)
	Enabled bool `mapstructure:"enabled"`
	// PollIntervalSeconds is how often the orchestrator re-examines shared state
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	// MaxSessionMinutes bounds a session's lifetime before forced completion
	MaxSessionMinutes int `mapstructure:"max_session_minutes"`
	// HeartbeatTTLMinutes is how long an instance heartbeat counts as live
	HeartbeatTTLMinutes int `mapstructure:"heartbeat_ttl_minutes"`
	// InstanceID overrides environment-derived instance identity (rarely needed)
	InstanceID string `mapstructure:"instance_id"`
}

// StoreConfig selects and locates the shared session store
type StoreConfig struct {
	// Driver selects the store backend
	// Options: "file", "sqlite"
	Driver string `mapstructure:"driver"`
	// Dir is the shared directory for the file driver
	Dir string `mapstructure:"dir"`
	// DBPath is the database file for the sqlite driver
	DBPath string `mapstructure:"db_path"`
	// Watch enables the filesystem change watcher (file driver only)
	Watch bool `mapstructure:"watch"`
}

// LockConfig controls the fencing lock
type LockConfig struct {
	// Path is the well-known lock file location; empty derives it from store.dir
	Path string `mapstructure:"path"`
	// TTLMinutes is the lock's time-to-live
	TTLMinutes int `mapstructure:"ttl_minutes"`
}

// CollectConfig controls the diagnostic collectors
type CollectConfig struct {
	// OutputDir is where artifact files land; empty derives it from store.dir
	OutputDir string `mapstructure:"output_dir"`
	// MemoryDumpBinary is an external capture program for memory dumps;
	// empty uses the built-in heap profiler
	MemoryDumpBinary string `mapstructure:"memory_dump_binary"`
	// CPUTraceBinary is an external capture program for CPU traces;
	// empty uses the built-in profiler
	CPUTraceBinary string `mapstructure:"cpu_trace_binary"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Level is the minimum log level
	// Options: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Dir is where the log file is written; empty logs to stderr
	Dir string `mapstructure:"dir"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Enabled:             true,
			PollIntervalSeconds: 60,
			MaxSessionMinutes:   15,
			HeartbeatTTLMinutes: 5,
		},
		Store: StoreConfig{
			Driver: "file",
			Dir:    "", // Empty means <config dir>/data
			DBPath: "",
			Watch:  true,
		},
		Lock: LockConfig{
			TTLMinutes: 20,
		},
		Collect: CollectConfig{},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// PollInterval returns the poll interval as a time.Duration
func (c *DaemonConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaxSessionAge returns the forced-completion deadline as a time.Duration
func (c *DaemonConfig) MaxSessionAge() time.Duration {
	return time.Duration(c.MaxSessionMinutes) * time.Minute
}

// HeartbeatTTL returns the heartbeat freshness window as a time.Duration
func (c *DaemonConfig) HeartbeatTTL() time.Duration {
	return time.Duration(c.HeartbeatTTLMinutes) * time.Minute
}

// TTL returns the lock time-to-live as a time.Duration
func (c *LockConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("daemon.enabled", defaults.Daemon.Enabled)
	viper.SetDefault("daemon.poll_interval_seconds", defaults.Daemon.PollIntervalSeconds)
	viper.SetDefault("daemon.max_session_minutes", defaults.Daemon.MaxSessionMinutes)
	viper.SetDefault("daemon.heartbeat_ttl_minutes", defaults.Daemon.HeartbeatTTLMinutes)
	viper.SetDefault("daemon.instance_id", defaults.Daemon.InstanceID)

	viper.SetDefault("store.driver", defaults.Store.Driver)
	viper.SetDefault("store.dir", defaults.Store.Dir)
	viper.SetDefault("store.db_path", defaults.Store.DBPath)
	viper.SetDefault("store.watch", defaults.Store.Watch)

	viper.SetDefault("lock.path", defaults.Lock.Path)
	viper.SetDefault("lock.ttl_minutes", defaults.Lock.TTLMinutes)

	viper.SetDefault("collect.output_dir", defaults.Collect.OutputDir)
	viper.SetDefault("collect.memory_dump_binary", defaults.Collect.MemoryDumpBinary)
	viper.SetDefault("collect.cpu_trace_binary", defaults.Collect.CPUTraceBinary)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	cfg.applyDerivedPaths()
	return &cfg, nil
}

// applyDerivedPaths fills path fields that default relative to other ones.
func (c *Config) applyDerivedPaths() {
	if c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(ConfigDir(), "data")
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = filepath.Join(c.Store.Dir, "fleetdiag.db")
	}
	if c.Lock.Path == "" {
		c.Lock.Path = filepath.Join(c.Store.Dir, "fleetdiag.lock")
	}
	if c.Collect.OutputDir == "" {
		c.Collect.OutputDir = filepath.Join(c.Store.Dir, "artifacts")
	}
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "fleetdiag")
	}
	// Fall back to ~/.config/fleetdiag
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleetdiag"
	}
	return filepath.Join(home, ".config", "fleetdiag")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidStoreDrivers returns the list of valid store driver values
func ValidStoreDrivers() []string {
	return []string{"file", "sqlite"}
}

// IsValidStoreDriver checks if the given driver is valid
func IsValidStoreDriver(driver string) bool {
	for _, valid := range ValidStoreDrivers() {
		if driver == valid {
			return true
		}
	}
	return false
}
