// Package config loads pindrop configuration from file, environment,
// and defaults, in that order of increasing precedence for environment
// overrides.
//
// Configuration is read from pindrop.yaml in the current directory or
// ~/.pindrop/, and every key can be overridden with a PINDROP_ prefixed
// environment variable (PINDROP_REMOTE_URL, PINDROP_DB_PATH, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all pindrop settings.
type Config struct {
	// RemoteURL is the base URL of the pin API.
	RemoteURL string `mapstructure:"remote_url"`

	// DBPath is the SQLite cache location. Empty disables durable
	// storage and the client runs remote-only.
	DBPath string `mapstructure:"db_path"`

	// SpoolDir is the capture-file drop directory. Empty disables the
	// spool importer.
	SpoolDir string `mapstructure:"spool_dir"`

	// DashboardPort is the WebSocket status server port.
	DashboardPort int `mapstructure:"dashboard_port"`

	// ProbeInterval is how often reachability is re-checked.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// DrainInterval is how often the daemon attempts a queue drain.
	DrainInterval time.Duration `mapstructure:"drain_interval"`

	// MaxQueue bounds the pending-operations queue.
	MaxQueue int `mapstructure:"max_queue"`

	// LogFile is where the daemon writes rotating logs. Empty logs to
	// stderr.
	LogFile string `mapstructure:"log_file"`
}

// Defaults used when a key is absent from file and environment.
const (
	DefaultRemoteURL     = "http://localhost:8200"
	DefaultDashboardPort = 8321
	DefaultProbeInterval = 15 * time.Second
	DefaultDrainInterval = 30 * time.Second
	DefaultMaxQueue      = 1000
)

// DefaultDBPath returns the default cache location under the user's
// home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".pindrop", "pins.db")
	}
	return filepath.Join(home, ".pindrop", "pins.db")
}

// Load reads configuration from the given file path. An empty path
// searches the standard locations; a missing file is not an error and
// yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("remote_url", DefaultRemoteURL)
	v.SetDefault("db_path", DefaultDBPath())
	v.SetDefault("spool_dir", "")
	v.SetDefault("dashboard_port", DefaultDashboardPort)
	v.SetDefault("probe_interval", DefaultProbeInterval)
	v.SetDefault("drain_interval", DefaultDrainInterval)
	v.SetDefault("max_queue", DefaultMaxQueue)
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("PINDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pindrop")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pindrop"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values for obvious mistakes.
func (c *Config) Validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url cannot be empty")
	}
	if c.MaxQueue <= 0 {
		return fmt.Errorf("max_queue must be positive, got %d", c.MaxQueue)
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("dashboard_port out of range: %d", c.DashboardPort)
	}
	return nil
}
