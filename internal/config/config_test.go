package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Concurrency)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.GetTimeout())
	assert.Equal(t, time.Second, cfg.GetBaseDelay())
	assert.Equal(t, 30*time.Second, cfg.GetMaxDelay())
	assert.Equal(t, 5, cfg.Retention.Keep)
	assert.True(t, cfg.ForceBackupIdentical)
	assert.Equal(t, int64(2<<30), cfg.MaxContentSize)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
root: /data/cdm
concurrency: 4
timeout: 2m
max_retries: 5
base_delay: 500ms
max_delay: 10s
jitter: false
requests_per_second: 2.5
burst: 3
retention:
  keep: 2
  keep_days: 30
skip:
  - "ncbitaxon*"
  - "**/*.obo"
metrics_file: /tmp/cdm.prom
`))
	require.NoError(t, err)

	assert.Equal(t, "/data/cdm", cfg.Root)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.GetTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.GetBaseDelay())
	assert.False(t, cfg.Jitter)
	assert.Equal(t, 2.5, cfg.RequestsPerSecond)
	assert.Equal(t, Retention{Keep: 2, KeepDays: 30}, cfg.Retention)
	assert.Equal(t, "/tmp/cdm.prom", cfg.MetricsFile)
	// untouched fields keep their defaults
	assert.Equal(t, "cdm-versions/1.0", cfg.UserAgent)
	assert.True(t, cfg.ForceBackupIdentical)
}

func TestParse_EmptyDocumentYieldsDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("concurency: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurency")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty root", func(c *Config) { c.Root = "" }, "root"},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, "max_retries"},
		{"bad timeout", func(c *Config) { c.Timeout = "soon" }, "timeout"},
		{"negative delay", func(c *Config) { c.BaseDelay = "-1s" }, "base_delay"},
		{"cap below base", func(c *Config) { c.BaseDelay = "10s"; c.MaxDelay = "1s" }, "max_delay"},
		{"negative rps", func(c *Config) { c.RequestsPerSecond = -1 }, "requests_per_second"},
		{"negative size", func(c *Config) { c.MaxContentSize = -1 }, "max_content_size"},
		{"negative keep", func(c *Config) { c.Retention.Keep = -1 }, "retention"},
		{"bad skip glob", func(c *Config) { c.Skip = []string{"[oops"} }, "skip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdm-versions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency: 2\n"), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Concurrency)
}

func TestLoad_InvalidFileReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency: 0\n"), 0o644))

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}
