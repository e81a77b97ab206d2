package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.DataDir == "" {
		t.Error("Default() has empty DataDir")
	}
	if !strings.HasPrefix(cfg.DatabasePath(), cfg.DataDir) {
		t.Errorf("DatabasePath() = %q, not under %q", cfg.DatabasePath(), cfg.DataDir)
	}
	if !strings.HasPrefix(cfg.SessionPath(), cfg.DataDir) {
		t.Errorf("SessionPath() = %q, not under %q", cfg.SessionPath(), cfg.DataDir)
	}
	if !strings.HasPrefix(cfg.LogPath(), cfg.DataDir) {
		t.Errorf("LogPath() = %q, not under %q", cfg.LogPath(), cfg.DataDir)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
base_url: https://api.roamline.test
max_retries: 5
drain_interval: 45s
verbose: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseURL != "https://api.roamline.test" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.DrainInterval != 45*time.Second {
		t.Errorf("DrainInterval = %v, want 45s", cfg.DrainInterval)
	}
	if !cfg.Verbose {
		t.Error("Verbose = false, want true")
	}
	// Unset keys keep their defaults.
	if cfg.ProbeInterval != Default().ProbeInterval {
		t.Errorf("ProbeInterval = %v, want default", cfg.ProbeInterval)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() accepted a missing explicit config file")
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir) // keep a real ~/.tripd/config.yaml out of the test
	t.Setenv("TRIPD_DATA_DIR", dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want env override %q", cfg.DataDir, dir)
	}
	if cfg.MaxRetries != Default().MaxRetries {
		t.Errorf("MaxRetries = %d, want default", cfg.MaxRetries)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("base_url: https://file.roamline.test\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("TRIPD_BASE_URL", "https://env.roamline.test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseURL != "https://env.roamline.test" {
		t.Errorf("BaseURL = %q, want the environment to win", cfg.BaseURL)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.BaseURL = "https://api.roamline.test"

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"zero drain interval", func(c *Config) { c.DrainInterval = 0 }, true},
		{"zero probe interval", func(c *Config) { c.ProbeInterval = 0 }, true},
		{"zero probe timeout", func(c *Config) { c.ProbeTimeout = 0 }, true},
		{"relative base url", func(c *Config) { c.BaseURL = "not-a-url" }, true},
		{"local-only base url", func(c *Config) { c.BaseURL = "" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("Validate() accepted an invalid config")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestWriteStarter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteStarter(path, Default()); err != nil {
		t.Fatalf("WriteStarter() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseURL != "" {
		t.Errorf("starter BaseURL = %q, want empty", cfg.BaseURL)
	}
	if cfg.MaxRetries != Default().MaxRetries {
		t.Errorf("starter MaxRetries = %d, want default", cfg.MaxRetries)
	}

	if err := WriteStarter(path, Default()); err == nil {
		t.Fatal("WriteStarter() clobbered an existing file")
	}
}
