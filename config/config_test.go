package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := &Config{}
	err := NewLoader("").Load(filepath.Join(t.TempDir(), "missing.yaml"), cfg)
	require.Error(t, err, "explicit missing file is an error")

	cfg = &Config{}
	loader := NewLoader("")
	loader.v.AddConfigPath(t.TempDir()) // nothing to find, fall back to defaults
	err = loader.Load("", cfg)
	require.NoError(t, err)

	assert.Equal(t, "workhub", cfg.Service.Name)
	assert.Equal(t, "wh_", cfg.Database.Prefix)
	assert.Equal(t, "wh_per_", cfg.Database.PerspectivePrefix)
	assert.Equal(t, 10000, cfg.Coordination.PartitionCount)
	assert.Equal(t, 300*time.Second, cfg.Coordination.Lease)
	assert.Equal(t, 600*time.Second, cfg.Coordination.StaleThreshold)
	assert.Equal(t, 100*time.Millisecond, cfg.Coordination.FlushInterval)
	assert.Equal(t, 5, cfg.Coordination.MaxAttempts)
	assert.True(t, cfg.Coordination.Parallelism)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
service:
  name: billing
database:
  url: postgresql://db:5432/billing
  prefix: bill_
coordination:
  partition_count: 64
  lease: 30s
  stale_threshold: 90s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := &Config{}
	require.NoError(t, NewLoader("").Load(path, cfg))

	assert.Equal(t, "billing", cfg.Service.Name)
	assert.Equal(t, "bill_", cfg.Database.Prefix)
	assert.Equal(t, 64, cfg.Coordination.PartitionCount)
	assert.Equal(t, 30*time.Second, cfg.Coordination.Lease)
	// Untouched keys keep defaults.
	assert.Equal(t, "wh_per_", cfg.Database.PerspectivePrefix)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WORKHUB_SERVICE_NAME", "shipping")
	t.Setenv("WORKHUB_COORDINATION_PARTITION_COUNT", "128")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: billing\n"), 0o644))

	cfg := &Config{}
	require.NoError(t, NewLoader("WORKHUB").Load(path, cfg))

	assert.Equal(t, "shipping", cfg.Service.Name, "environment overrides file")
	assert.Equal(t, 128, cfg.Coordination.PartitionCount)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Prefix: "wh_"},
			Coordination: CoordinationConfig{
				PartitionCount: 100,
				Lease:          300 * time.Second,
				StaleThreshold: 600 * time.Second,
				MaxAttempts:    5,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"Valid", func(c *Config) {}, ""},
		{"ZeroPartitions", func(c *Config) { c.Coordination.PartitionCount = 0 }, "partition_count"},
		{"ZeroLease", func(c *Config) { c.Coordination.Lease = 0 }, "lease"},
		{"StaleBelowLease", func(c *Config) { c.Coordination.StaleThreshold = 100 * time.Second }, "stale_threshold"},
		{"ZeroAttempts", func(c *Config) { c.Coordination.MaxAttempts = 0 }, "max_attempts"},
		{"EmptyPrefix", func(c *Config) { c.Database.Prefix = "" }, "prefix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
