// Package config loads tripd settings from the config file, the
// environment, and built-in defaults.
//
// Precedence, highest first: TRIPD_* environment variables, the config
// file, defaults. Command-line flags are applied by the CLI on top of
// the loaded config.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultDirName is the per-user data directory under $HOME.
const DefaultDirName = ".tripd"

// Config is the resolved tripd configuration.
type Config struct {
	// DataDir holds the database, session file, daemon log, and the
	// default config file.
	DataDir string `mapstructure:"data_dir"`

	// BaseURL of the Roamline sync API. Empty means local-only: the
	// CLI works, the daemon refuses to start.
	BaseURL string `mapstructure:"base_url"`

	// NotifyAddr is the notification server listen address. Empty
	// means the server default (loopback).
	NotifyAddr string `mapstructure:"notify_addr"`

	// MaxRetries before a queued action is marked failed.
	MaxRetries int `mapstructure:"max_retries"`

	// DrainInterval between periodic outbox drains.
	DrainInterval time.Duration `mapstructure:"drain_interval"`

	// ProbeInterval between connectivity probes.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// ProbeTimeout bounds a single connectivity probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// LogFile for the daemon. Empty means <data_dir>/tripd.log.
	LogFile string `mapstructure:"log_file"`

	// Verbose enables debug logging.
	Verbose bool `mapstructure:"verbose"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DataDir:       filepath.Join(home, DefaultDirName),
		MaxRetries:    3,
		DrainInterval: 5 * time.Minute,
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Load reads the configuration. file selects an explicit config file;
// a missing explicit file is an error. With file empty the default
// locations ($TRIPD_DATA_DIR, then ~/.tripd) are searched and a missing
// file just yields defaults.
func Load(file string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("base_url", def.BaseURL)
	v.SetDefault("notify_addr", def.NotifyAddr)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("drain_interval", def.DrainInterval)
	v.SetDefault("probe_interval", def.ProbeInterval)
	v.SetDefault("probe_timeout", def.ProbeTimeout)
	v.SetDefault("log_file", def.LogFile)
	v.SetDefault("verbose", def.Verbose)

	v.SetEnvPrefix("TRIPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := os.Getenv("TRIPD_DATA_DIR"); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(def.DataDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
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

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must not be negative")
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("config: drain_interval must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("config: probe_interval must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("config: probe_timeout must be positive")
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: base_url %q is not a valid URL", c.BaseURL)
		}
	}
	return nil
}

// DatabasePath returns the trip database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "trips.db")
}

// SessionPath returns the session file location the auth flow writes.
func (c *Config) SessionPath() string {
	return filepath.Join(c.DataDir, "session.yaml")
}

// LogPath returns the daemon log location.
func (c *Config) LogPath() string {
	if c.LogFile != "" {
		return c.LogFile
	}
	return filepath.Join(c.DataDir, "tripd.log")
}

// ConfigPath returns the default config file location under DataDir.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.DataDir, "config.yaml")
}

// starterTemplate is written by `tripd init`. Values mirror Default().
const starterTemplate = `# tripd configuration.
# Every key can also be set through the environment: TRIPD_BASE_URL,
# TRIPD_DATA_DIR, and so on.

# Roamline sync API. Leave empty to run local-only.
base_url: %q

# Where the database, session, and logs live.
#data_dir: %s

# Notification server listen address (default 127.0.0.1:8787).
#notify_addr: 127.0.0.1:8787

# Attempts before a queued change is marked failed.
#max_retries: %d

# How often the daemon retries queued changes.
#drain_interval: %s

# How often the daemon probes connectivity.
#probe_interval: %s

# Daemon log file (default <data_dir>/tripd.log).
#log_file:

#verbose: false
`

// WriteStarter writes a commented starter config, refusing to clobber
// an existing file.
func WriteStarter(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check config file: %w", err)
	}

	content := fmt.Sprintf(starterTemplate,
		cfg.BaseURL,
		cfg.DataDir,
		cfg.MaxRetries,
		cfg.DrainInterval,
		cfg.ProbeInterval,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
