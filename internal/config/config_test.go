package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/flowbatch/internal/config"
	"github.com/rshade/flowbatch/internal/logging"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, 10, cfg.Batch.WorkerCount)
	assert.Equal(t, 600, cfg.Batch.LineTimeoutSec)
	assert.Zero(t, cfg.Batch.BatchTimeoutSec)
	assert.Equal(t, config.BackendLocal, cfg.Storage.Backend)
	assert.False(t, cfg.Cancel.Redis.Enabled())
	assert.False(t, cfg.Publish.MinIO.Enabled())
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FLOWBATCH_WORKER_COUNT":      "4",
		"FLOWBATCH_LINE_TIMEOUT_SEC":  "15",
		"FLOWBATCH_BATCH_TIMEOUT_SEC": "notanumber",
		"FLOWBATCH_LINE_RATE":         "2.5",
		"FLOWBATCH_STORAGE_BACKEND":   "mongo",
		"FLOWBATCH_MONGO_URI":         "mongodb://localhost:27017",
		"FLOWBATCH_REDIS_ADDR":        " localhost:6379 ",
		"FLOWBATCH_RESUME_STRICT":     "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := config.Default()
	skipped := cfg.ApplyEnv(lookup)

	assert.Equal(t, []string{"FLOWBATCH_BATCH_TIMEOUT_SEC"}, skipped)
	assert.Equal(t, 4, cfg.Batch.WorkerCount)
	assert.Equal(t, 15, cfg.Batch.LineTimeoutSec)
	assert.Zero(t, cfg.Batch.BatchTimeoutSec)
	assert.InDelta(t, 2.5, cfg.Batch.LineRate, 1e-9)
	assert.True(t, cfg.Batch.ResumeStrict)
	assert.Equal(t, config.BackendMongo, cfg.Storage.Backend)
	assert.Equal(t, "localhost:6379", cfg.Cancel.Redis.Addr)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr error
	}{
		{"zero workers", func(c *config.Config) { c.Batch.WorkerCount = 0 }, config.ErrInvalidWorkerCount},
		{"negative timeout", func(c *config.Config) { c.Batch.BatchTimeoutSec = -1 }, config.ErrInvalidTimeout},
		{"negative rate", func(c *config.Config) { c.Batch.LineRate = -1 }, config.ErrInvalidLineRate},
		{"unknown backend", func(c *config.Config) { c.Storage.Backend = "s3" }, config.ErrInvalidBackend},
		{"postgres without url", func(c *config.Config) { c.Storage.Backend = config.BackendPostgres }, config.ErrMissingDSN},
		{"mongo without uri", func(c *config.Config) { c.Storage.Backend = config.BackendMongo }, config.ErrMissingDSN},
		{"minio without bucket", func(c *config.Config) { c.Publish.MinIO.Endpoint = "localhost:9000" }, config.ErrMissingBucket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	t.Setenv("FLOWBATCH_WORKER_COUNT", "")
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := config.Default()
	cfg.Batch.WorkerCount = 6
	cfg.Storage.Backend = config.BackendMemory
	require.NoError(t, cfg.Save(path))
	assert.Equal(t, path, cfg.Path())

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.Batch.WorkerCount)
	assert.Equal(t, config.BackendMemory, loaded.Storage.Backend)
	assert.Equal(t, path, loaded.Path())
}

func TestToLoggingConfig(t *testing.T) {
	lc := config.LoggingConfig{Level: "debug", Format: "json"}
	got := lc.ToLoggingConfig()
	assert.Equal(t, logging.OutputStderr, got.Output)
	assert.Equal(t, "debug", got.Level)

	lc.File = "/tmp/flowbatch.log"
	got = lc.ToLoggingConfig()
	assert.Equal(t, logging.OutputFile, got.Output)
	assert.Equal(t, "/tmp/flowbatch.log", got.File)
}
