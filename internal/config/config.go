// Package config loads daemon configuration from a YAML file with
// environment overrides and sane defaults.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/relieflabs/fieldsync/internal/errors"
)

// Duration is a time.Duration that reads from YAML strings like "30s"
// or "5m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid duration "+raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds all tunables for the sync daemon.
type Config struct {
	// DataDir is where the SQLite database lives.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `yaml:"listen_addr"`

	Retry        RetryConfig        `yaml:"retry"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
}

// RetryConfig controls the backoff schedule for failed operations.
type RetryConfig struct {
	// BaseDelay is the delay before the first retry. Subsequent retries
	// double it per attempt.
	BaseDelay Duration `yaml:"base_delay"`

	// MaxDelay caps the computed backoff.
	MaxDelay Duration `yaml:"max_delay"`

	// MaxAttempts is the retry budget before an operation is dead-lettered.
	MaxAttempts int `yaml:"max_attempts"`

	// JitterFraction spreads retries to avoid thundering herds.
	// 0.2 means +/-20% of the computed delay.
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// SyncConfig controls the drain engine.
type SyncConfig struct {
	// Workers is the number of concurrent upload slots during a drain.
	Workers int `yaml:"workers"`

	// CallTimeout bounds a single gateway call.
	CallTimeout Duration `yaml:"call_timeout"`

	// FastPathTimeout bounds the immediate-apply attempt after a
	// submit while online. Expiry is not a failure, the queue keeps
	// the operation.
	FastPathTimeout Duration `yaml:"fast_path_timeout"`

	// DrainInterval is how often the scheduler drains while online.
	DrainInterval Duration `yaml:"drain_interval"`
}

// ConnectivityConfig controls the reachability monitor.
type ConnectivityConfig struct {
	// ProbeURL is the endpoint probed for reachability. Defaults to
	// the configured gateway endpoint when empty.
	ProbeURL string `yaml:"probe_url"`

	// ProbeInterval is how often the monitor polls.
	ProbeInterval Duration `yaml:"probe_interval"`

	// DebounceWindow is how long a new state must hold before a
	// transition is reported. Suppresses flapping.
	DebounceWindow Duration `yaml:"debounce_window"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:    "./data",
		ListenAddr: ":8765",
		Retry: RetryConfig{
			BaseDelay:      Duration(2 * time.Second),
			MaxDelay:       Duration(5 * time.Minute),
			MaxAttempts:    8,
			JitterFraction: 0.2,
		},
		Sync: SyncConfig{
			Workers:         4,
			CallTimeout:     Duration(30 * time.Second),
			FastPathTimeout: Duration(10 * time.Second),
			DrainInterval:   Duration(5 * time.Minute),
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval:  Duration(15 * time.Second),
			DebounceWindow: Duration(time.Second),
		},
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. A missing file is not an error, defaults are
// used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read config file", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to parse config file", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FIELDSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FIELDSYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrInvalid, "data_dir must not be empty")
	}
	if c.Retry.BaseDelay <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return apperrors.New(apperrors.ErrInvalid, "retry.max_delay must be >= retry.base_delay")
	}
	if c.Retry.MaxAttempts < 1 {
		return apperrors.New(apperrors.ErrInvalid, "retry.max_attempts must be at least 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
		return apperrors.New(apperrors.ErrInvalid, "retry.jitter_fraction must be in [0, 1)")
	}
	if c.Sync.Workers < 1 {
		return apperrors.New(apperrors.ErrInvalid, "sync.workers must be at least 1")
	}
	if c.Sync.CallTimeout <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "sync.call_timeout must be positive")
	}
	if c.Connectivity.ProbeInterval <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "connectivity.probe_interval must be positive")
	}
	if c.Connectivity.DebounceWindow.Std() < time.Second {
		return apperrors.New(apperrors.ErrInvalid, "connectivity.debounce_window must be at least 1s")
	}
	return nil
}
