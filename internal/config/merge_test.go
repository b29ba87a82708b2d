package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/flowbatch/internal/config"
)

// newDefaultTarget returns a Config with non-zero values in every section so
// tests can tell replaced sections from untouched ones.
func newDefaultTarget() *config.Config {
	cfg := config.Default()
	cfg.Executor.Args = []string{"--verbose"}
	cfg.Storage.Dir = "/var/lib/flowbatch"
	cfg.Cancel.Redis.Addr = "localhost:6379"
	return cfg
}

// writeOverlay writes YAML content to a temp file and returns its path.
func writeOverlay(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestShallowMergeYAML_SingleKeyOverride(t *testing.T) {
	target := newDefaultTarget()
	overlay := writeOverlay(t, `
batch:
  worker_count: 4
  line_timeout_sec: 30
`)

	require.NoError(t, config.ShallowMergeYAML(target, overlay))

	assert.Equal(t, 4, target.Batch.WorkerCount)
	assert.Equal(t, 30, target.Batch.LineTimeoutSec)
	// The whole section is replaced, so unset keys become zero.
	assert.Zero(t, target.Batch.PollIntervalMS)

	assert.Equal(t, "/var/lib/flowbatch", target.Storage.Dir)
	assert.Equal(t, "localhost:6379", target.Cancel.Redis.Addr)
}

func TestShallowMergeYAML_MultipleKeyOverride(t *testing.T) {
	target := newDefaultTarget()
	overlay := writeOverlay(t, `
storage:
  backend: postgres
  postgres:
    url: postgres://localhost/flowbatch
logging:
  level: debug
  format: json
`)

	require.NoError(t, config.ShallowMergeYAML(target, overlay))

	assert.Equal(t, config.BackendPostgres, target.Storage.Backend)
	assert.Equal(t, "postgres://localhost/flowbatch", target.Storage.Postgres.URL)
	assert.Empty(t, target.Storage.Dir)
	assert.Equal(t, "debug", target.Logging.Level)
	assert.Equal(t, "json", target.Logging.Format)
	assert.Equal(t, config.DefaultWorkerCount, target.Batch.WorkerCount)
}

func TestShallowMergeYAML_SlicesReplaced(t *testing.T) {
	target := newDefaultTarget()
	overlay := writeOverlay(t, `
executor:
  command: /usr/local/bin/flow-exec
  args: ["--mode", "serve"]
`)

	require.NoError(t, config.ShallowMergeYAML(target, overlay))
	assert.Equal(t, []string{"--mode", "serve"}, target.Executor.Args)
	assert.Equal(t, "/usr/local/bin/flow-exec", target.Executor.Command)
}

func TestShallowMergeYAML_EmptyAndCommentOnly(t *testing.T) {
	for name, content := range map[string]string{
		"empty":        "",
		"comment only": "# nothing here\n",
	} {
		t.Run(name, func(t *testing.T) {
			target := newDefaultTarget()
			require.NoError(t, config.ShallowMergeYAML(target, writeOverlay(t, content)))
			assert.Equal(t, newDefaultTarget(), target)
		})
	}
}

func TestShallowMergeYAML_UnknownKeysIgnored(t *testing.T) {
	target := newDefaultTarget()
	overlay := writeOverlay(t, `
plugins:
  aws: {}
cancel:
  redis:
    addr: redis:6379
`)

	require.NoError(t, config.ShallowMergeYAML(target, overlay))
	assert.Equal(t, "redis:6379", target.Cancel.Redis.Addr)
}

func TestShallowMergeYAML_Errors(t *testing.T) {
	t.Run("corrupted yaml", func(t *testing.T) {
		err := config.ShallowMergeYAML(newDefaultTarget(), writeOverlay(t, "batch: [unclosed"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing overlay YAML")
	})

	t.Run("type mismatch", func(t *testing.T) {
		err := config.ShallowMergeYAML(newDefaultTarget(), writeOverlay(t, "batch:\n  worker_count: many\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"batch"`)
	})

	t.Run("missing file", func(t *testing.T) {
		err := config.ShallowMergeYAML(newDefaultTarget(), filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("nil target", func(t *testing.T) {
		require.Error(t, config.ShallowMergeYAML(nil, "x"))
	})
}
