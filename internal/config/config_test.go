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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/import_test
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Import.ChunkSize)
	assert.Equal(t, 10, cfg.Import.MinChunkSize)
	assert.Equal(t, 500, cfg.Import.MaxChunkSize)
	assert.Equal(t, 256, cfg.Import.MemoryLimitMB)
	assert.Equal(t, 20, cfg.Import.MaxFileSizeMB)
	assert.Equal(t, int64(50000), cfg.Import.MaxRows)
	assert.Equal(t, "storage/app", cfg.Storage.Root)
	assert.Equal(t, 30, cfg.Worker.StuckThresholdMins)
	assert.Equal(t, 10, cfg.Worker.PollIntervalSeconds)
}

func TestLoad_ExplicitValues(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/import_test
import:
  chunk_size: 250
  memory_limit_mb: 512
  validation_cache_ttl_seconds: 300
  update_existing_on_duplicate: false
worker:
  poll_interval_seconds: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Import.ChunkSize)
	assert.Equal(t, 512, cfg.Import.MemoryLimitMB)
	assert.Equal(t, 5*time.Minute, cfg.Import.ValidationCacheTTL())
	assert.False(t, cfg.Import.UpdateExistingOnDuplicate())
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval())
}

func TestUpdateExistingOnDuplicate_DefaultsTrue(t *testing.T) {
	var c ImportConfig
	assert.True(t, c.UpdateExistingOnDuplicate())

	off := false
	c.UpdateExisting = &off
	assert.False(t, c.UpdateExistingOnDuplicate())
}

func TestMaxFileSizeBytes(t *testing.T) {
	c := ImportConfig{MaxFileSizeMB: 20}
	assert.Equal(t, int64(20*1024*1024), c.MaxFileSizeBytes())
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/from_file
redis:
  addr: file-redis:6379
`)
	t.Setenv("DATABASE_URL", "postgres://localhost/from_env")
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("IMPORT_CHUNK_SIZE", "42")
	t.Setenv("IMPORT_UPDATE_EXISTING", "false")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/from_env", cfg.Database.URL)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 42, cfg.Import.ChunkSize)
	assert.False(t, cfg.Import.UpdateExistingOnDuplicate())
}

func TestLoadFromEnv_BadChunkSizeIgnored(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/import_test
`)
	t.Setenv("IMPORT_CHUNK_SIZE", "not-a-number")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Import.ChunkSize)
}

func TestGetAWSProfile(t *testing.T) {
	c := StorageConfig{AWSProfile: "imports"}

	t.Setenv("AWS_PROFILE_OVERRIDE", "")
	t.Setenv("ECS_CONTAINER_METADATA_URI", "")
	t.Setenv("AWS_EXECUTION_ENV", "")
	assert.Equal(t, "imports", c.GetAWSProfile())

	t.Setenv("AWS_PROFILE_OVERRIDE", "other")
	assert.Equal(t, "other", c.GetAWSProfile())

	t.Setenv("AWS_PROFILE_OVERRIDE", "iam")
	assert.Equal(t, "", c.GetAWSProfile())

	t.Setenv("AWS_PROFILE_OVERRIDE", "")
	t.Setenv("ECS_CONTAINER_METADATA_URI", "http://169.254.170.2/v3")
	assert.Equal(t, "", c.GetAWSProfile())
}
