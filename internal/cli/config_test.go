package cli_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/flowbatch/internal/config"
)

func TestConfigInit_Global(t *testing.T) {
	home := setupCLITest(t)

	out, err := execute(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration initialized successfully")
	assert.FileExists(t, filepath.Join(home, "config.yaml"))

	_, err = execute(t, "config", "init")
	require.ErrorContains(t, err, "already exists")

	_, err = execute(t, "config", "init", "--force")
	require.NoError(t, err)
}

func TestConfigInit_Project(t *testing.T) {
	setupCLITest(t)
	projectRoot := t.TempDir()

	out, err := execute(t, "config", "init", "--project", "--project-dir", projectRoot)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration initialized at")
	assert.Contains(t, out, "Created .gitignore")

	gitignore, err := os.ReadFile(filepath.Join(projectRoot, ".flowbatch", ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, config.GitignoreContent(), string(gitignore))

	cfg, err := config.Load(filepath.Join(projectRoot, ".flowbatch", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultWorkerCount, cfg.Batch.WorkerCount)
}

func TestConfigValidate(t *testing.T) {
	setupCLITest(t)

	out, err := execute(t, "config", "validate", "--verbose", "--flow", scoringFlow)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, "Worker count: 10")
	assert.Contains(t, out, "Flow: scoring (native)")
	assert.Contains(t, out, "Aggregation nodes: 2")
}

func TestConfigValidate_Failures(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		setupCLITest(t)
		t.Setenv("FLOWBATCH_WORKER_COUNT", "0")

		_, err := execute(t, "config", "validate")
		require.ErrorIs(t, err, config.ErrInvalidWorkerCount)
	})

	t.Run("explicit config file", func(t *testing.T) {
		setupCLITest(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: cassandra\n"), 0o600))

		_, err := execute(t, "--config", path, "config", "validate")
		require.ErrorIs(t, err, config.ErrInvalidBackend)
	})

	t.Run("broken flow", func(t *testing.T) {
		setupCLITest(t)
		path := filepath.Join(t.TempDir(), "flow.yaml")
		require.NoError(t, os.WriteFile(path, []byte("name: broken\nnodes:\n  - name: a\n    tool: echo\n    inputs:\n      value: ${missing.output}\n"), 0o600))

		_, err := execute(t, "config", "validate", "--flow", path)
		require.ErrorContains(t, err, "flow validation failed")
	})
}
