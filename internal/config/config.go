// Package config loads cdm-versions settings from YAML.
//
// Precedence, lowest first: DefaultConfig, the config file, command-line
// flags (applied by the cli package after Load). Durations are written as
// Go duration strings ("30s", "2m").
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up in the working directory when
// no explicit path is given.
const DefaultFile = "cdm-versions.yaml"

// Config holds every tunable of an acquisition run and the maintenance
// commands.
type Config struct {
	// Root is the directory under which scope layouts are resolved.
	Root string `yaml:"root"`

	// Concurrency is the number of parallel fetch workers.
	Concurrency int `yaml:"concurrency"`

	// Timeout bounds connect, response headers and read stalls.
	Timeout string `yaml:"timeout"`

	// MaxRetries is the total attempt budget per item, first attempt included.
	MaxRetries int `yaml:"max_retries"`

	BaseDelay string `yaml:"base_delay"`
	MaxDelay  string `yaml:"max_delay"`
	Jitter    bool   `yaml:"jitter"`

	// RequestsPerSecond throttles fetch attempts across all workers; 0 disables.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	MaxContentSize int64  `yaml:"max_content_size"`
	UserAgent      string `yaml:"user_agent"`

	Retention Retention `yaml:"retention"`

	// Skip lists identifier globs that are never fetched.
	Skip []string `yaml:"skip"`

	// ForceBackupIdentical archives byte-identical content on forced updates.
	ForceBackupIdentical bool `yaml:"force_backup_identical"`

	// MetricsFile, when set, receives Prometheus text metrics after a run.
	MetricsFile string `yaml:"metrics_file"`
}

// Retention is the default backup retention policy for clean.
type Retention struct {
	Keep     int `yaml:"keep"`
	KeepDays int `yaml:"keep_days"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Root:                 ".",
		Concurrency:          10,
		Timeout:              "30s",
		MaxRetries:           3,
		BaseDelay:            "1s",
		MaxDelay:             "30s",
		Jitter:               true,
		Burst:                1,
		MaxContentSize:       2 << 30, // 2 GiB
		UserAgent:            "cdm-versions/1.0",
		Retention:            Retention{Keep: 5},
		ForceBackupIdentical: true,
	}
}

// Load reads path over the defaults. An empty path tries DefaultFile and
// silently falls back to defaults if it does not exist; an explicit path
// must exist.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no config file, using defaults")
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	if err := decode(f, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	logger.Debug("loaded config", "path", path)
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	if err := decode(r, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	for name, s := range map[string]string{"timeout": c.Timeout, "base_delay": c.BaseDelay, "max_delay": c.MaxDelay} {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, s, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, s)
		}
	}
	if c.GetMaxDelay() < c.GetBaseDelay() {
		return fmt.Errorf("max_delay (%s) must not be less than base_delay (%s)", c.MaxDelay, c.BaseDelay)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be non-negative")
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst must be non-negative")
	}
	if c.MaxContentSize < 0 {
		return fmt.Errorf("max_content_size must be non-negative")
	}
	if c.Retention.Keep < 0 || c.Retention.KeepDays < 0 {
		return fmt.Errorf("retention values must be non-negative")
	}
	for _, pattern := range c.Skip {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid skip pattern %q", pattern)
		}
	}
	return nil
}

// parseDurationOrDefault parses a duration string and returns the default if empty or invalid.
func parseDurationOrDefault(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// GetTimeout returns the network timeout as a duration.
func (c *Config) GetTimeout() time.Duration {
	return parseDurationOrDefault(c.Timeout, 30*time.Second)
}

// GetBaseDelay returns the first backoff delay.
func (c *Config) GetBaseDelay() time.Duration {
	return parseDurationOrDefault(c.BaseDelay, time.Second)
}

// GetMaxDelay returns the backoff cap.
func (c *Config) GetMaxDelay() time.Duration {
	return parseDurationOrDefault(c.MaxDelay, 30*time.Second)
}
