package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/relieflabs/fieldsync/internal/errors"
)

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Retry.MaxAttempts != 8 {
		t.Errorf("Retry.MaxAttempts = %d, want 8", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.MaxDelay.Std() != 5*time.Minute {
		t.Errorf("Retry.MaxDelay = %v, want 5m", cfg.Retry.MaxDelay)
	}
	if cfg.Sync.Workers != 4 {
		t.Errorf("Sync.Workers = %d, want 4", cfg.Sync.Workers)
	}
	if cfg.Connectivity.DebounceWindow.Std() != time.Second {
		t.Errorf("Connectivity.DebounceWindow = %v, want 1s", cfg.Connectivity.DebounceWindow)
	}
}

func TestLoad_missingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.ListenAddr != ":8765" {
		t.Errorf("ListenAddr = %s, want :8765", cfg.ListenAddr)
	}
}

func TestLoad_fromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	content := `
data_dir: /var/lib/fieldsync
listen_addr: ":9000"
retry:
  base_delay: 1s
  max_delay: 2m
  max_attempts: 5
  jitter_fraction: 0.1
sync:
  workers: 8
  call_timeout: 10s
  fast_path_timeout: 5s
  drain_interval: 1m
connectivity:
  probe_url: https://probe.example.com/healthz
  probe_interval: 30s
  debounce_window: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/fieldsync" {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.Retry.BaseDelay.Std() != time.Second || cfg.Retry.MaxAttempts != 5 {
		t.Errorf("retry config not loaded: %+v", cfg.Retry)
	}
	if cfg.Sync.Workers != 8 || cfg.Sync.DrainInterval.Std() != time.Minute {
		t.Errorf("sync config not loaded: %+v", cfg.Sync)
	}
	if cfg.Connectivity.ProbeURL != "https://probe.example.com/healthz" {
		t.Errorf("ProbeURL = %s", cfg.Connectivity.ProbeURL)
	}
}

func TestLoad_invalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("data_dir: [unclosed"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestLoad_envOverrides(t *testing.T) {
	t.Setenv("FIELDSYNC_DATA_DIR", "/tmp/override")
	t.Setenv("PORT", "7777")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DataDir != "/tmp/override" {
		t.Errorf("DataDir = %s, want /tmp/override", cfg.DataDir)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("ListenAddr = %s, want :7777", cfg.ListenAddr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero base delay", func(c *Config) { c.Retry.BaseDelay = 0 }},
		{"max below base", func(c *Config) { c.Retry.MaxDelay = Duration(time.Millisecond) }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"jitter out of range", func(c *Config) { c.Retry.JitterFraction = 1.5 }},
		{"zero workers", func(c *Config) { c.Sync.Workers = 0 }},
		{"zero call timeout", func(c *Config) { c.Sync.CallTimeout = 0 }},
		{"zero probe interval", func(c *Config) { c.Connectivity.ProbeInterval = 0 }},
		{"sub-second debounce", func(c *Config) { c.Connectivity.DebounceWindow = Duration(100 * time.Millisecond) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !apperrors.Is(err, apperrors.ErrInvalid) {
				t.Errorf("error = %v, want INVALID code", err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}
