package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache-engine.yaml"), []byte(yaml), 0o644))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int64(256*1024*1024), cfg.Memory.MaxSizeBytes)
	assert.Equal(t, 5*time.Minute, cfg.Memory.TTL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, 64*1024, cfg.Store.DurableWriteThresholdBytes)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Base)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.Max)
	assert.True(t, cfg.Prediction.Enabled)
	assert.Equal(t, 0.5, cfg.Prediction.Templates.ConfidenceThreshold)
	assert.Contains(t, cfg.Admission.LatencySensitiveTypes, "interactive")
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadFromFile(t *testing.T) {
	dir := writeConfig(t, `
memory:
  max_size_bytes: 1048576
  ttl: 30s
timeouts:
  base: 2s
  max: 20s
admission:
  max_concurrent: 8
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, int64(1048576), cfg.Memory.MaxSizeBytes)
	assert.Equal(t, 30*time.Second, cfg.Memory.TTL)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Base)
	assert.Equal(t, 8, cfg.Admission.MaxConcurrent)

	// Untouched sections keep their defaults
	assert.Equal(t, 50, cfg.Pool.MaxConnections)
}

func TestLoadValidation(t *testing.T) {
	t.Run("inverted timeouts", func(t *testing.T) {
		dir := writeConfig(t, `
timeouts:
  base: 30s
  max: 5s
`)
		_, err := Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeouts.max")
	})

	t.Run("non-positive memory budget", func(t *testing.T) {
		dir := writeConfig(t, `
memory:
  max_size_bytes: -1
`)
		_, err := Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "memory.max_size_bytes")
	})

	t.Run("inverted scaling thresholds", func(t *testing.T) {
		dir := writeConfig(t, `
resources:
  scaling:
    scale_up_threshold_pct: 20
    scale_down_threshold_pct: 50
`)
		_, err := Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "thresholds inverted")
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("S3_BUCKET", "cache-artifacts")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Address)
	assert.Equal(t, "cache-artifacts", cfg.S3.Bucket)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
