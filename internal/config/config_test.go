package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.ShouldServe())
	assert.True(t, cfg.ShouldRunAudit())
	assert.True(t, cfg.ShouldRunSweep())
}

func TestResolveDerivesPathsFromDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data/fieldsync"
	cfg.Resolve()

	assert.Equal(t, filepath.Join("/data/fieldsync", "outbox"), cfg.Outbox.Dir)
	assert.Equal(t, filepath.Join("/data/fieldsync", "exports"), cfg.Export.Path)
	assert.Equal(t, filepath.Join("/data/fieldsync", "store.db"), cfg.StorePath())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid mode", func(c *Config) { c.Mode = "query" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"invalid export type", func(c *Config) { c.Export.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Export.Type = "s3" }},
		{"zero in-flight", func(c *Config) { c.Sync.MaxInFlight = 0 }},
		{"zero allocation attempts", func(c *Config) { c.Sequence.MaxAttempts = 0 }},
		{"zero sweep batch", func(c *Config) { c.Audit.SweepBatchSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestModeGating(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Mode = ModeServe
	assert.True(t, cfg.ShouldServe())
	assert.False(t, cfg.ShouldRunAudit())
	assert.False(t, cfg.ShouldRunSweep())

	cfg.Mode = ModeSweep
	assert.False(t, cfg.ShouldServe())
	assert.False(t, cfg.ShouldRunAudit())
	assert.True(t, cfg.ShouldRunSweep())
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mode: audit
data_dir: /var/lib/fieldsync
sync:
  max_in_flight: 8
conflict:
  additive_fields:
    jobs: [tags, attachments]
audit:
  sweep_batch_size: 250
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ModeAudit, cfg.Mode)
	assert.Equal(t, "/var/lib/fieldsync", cfg.DataDir)
	assert.Equal(t, 8, cfg.Sync.MaxInFlight)
	assert.Equal(t, []string{"tags", "attachments"}, cfg.Conflict.AdditiveFields["jobs"])
	assert.Equal(t, 250, cfg.Audit.SweepBatchSize)

	// Unset fields keep their defaults.
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 365*24*time.Hour, cfg.Audit.Retention)
}

func TestLoadFromFileRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = 'all'"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("FIELDSYNC_MODE", "sweep")
	t.Setenv("FIELDSYNC_DATA_DIR", "/env/data")
	t.Setenv("FIELDSYNC_SYNC_MAX_IN_FLIGHT", "2")
	t.Setenv("FIELDSYNC_CONFLICT_WINDOW", "750ms")
	t.Setenv("FIELDSYNC_EXPORT_TYPE", "s3")
	t.Setenv("FIELDSYNC_S3_BUCKET", "audit-exports")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, ModeSweep, cfg.Mode)
	assert.Equal(t, "/env/data", cfg.DataDir)
	assert.Equal(t, 2, cfg.Sync.MaxInFlight)
	assert.Equal(t, 750*time.Millisecond, cfg.Conflict.Window)
	assert.Equal(t, "s3", cfg.Export.Type)
	assert.Equal(t, "audit-exports", cfg.Export.S3.Bucket)
}
