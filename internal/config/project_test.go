package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/flowbatch/internal/config"
)

func TestResolveProjectDir(t *testing.T) {
	ctx := context.Background()

	t.Run("flag wins over env", func(t *testing.T) {
		flagDir := t.TempDir()
		t.Setenv("FLOWBATCH_PROJECT_DIR", t.TempDir())

		got := config.ResolveProjectDir(ctx, flagDir, "/does/not/matter")
		assert.Equal(t, filepath.Join(flagDir, ".flowbatch"), got)
		assert.True(t, filepath.IsAbs(got))
	})

	t.Run("env", func(t *testing.T) {
		envDir := t.TempDir()
		t.Setenv("FLOWBATCH_PROJECT_DIR", envDir)

		got := config.ResolveProjectDir(ctx, "", "/does/not/matter")
		assert.Equal(t, filepath.Join(envDir, ".flowbatch"), got)
	})

	t.Run("suffix not doubled", func(t *testing.T) {
		t.Setenv("FLOWBATCH_PROJECT_DIR", "")
		dir := filepath.Join(t.TempDir(), ".flowbatch")

		assert.Equal(t, dir, config.ResolveProjectDir(ctx, dir, ""))
	})

	t.Run("walk up", func(t *testing.T) {
		t.Setenv("FLOWBATCH_PROJECT_DIR", "")
		t.Setenv("FLOWBATCH_HOME", t.TempDir())
		root := t.TempDir()
		projectDir := filepath.Join(root, ".flowbatch")
		require.NoError(t, os.MkdirAll(projectDir, 0o755))
		sub := filepath.Join(root, "a", "b", "c")
		require.NoError(t, os.MkdirAll(sub, 0o755))

		assert.Equal(t, projectDir, config.ResolveProjectDir(ctx, "", sub))
	})

	t.Run("no project", func(t *testing.T) {
		t.Setenv("FLOWBATCH_PROJECT_DIR", "")
		t.Setenv("FLOWBATCH_HOME", t.TempDir())

		assert.Empty(t, config.ResolveProjectDir(ctx, "", t.TempDir()))
	})
}

func TestNewWithProjectDir(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, global, project string) string {
		t.Helper()
		home := t.TempDir()
		t.Setenv("FLOWBATCH_HOME", home)
		t.Setenv("FLOWBATCH_WORKER_COUNT", "")
		if global != "" {
			require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(global), 0o600))
		}
		projectDir := filepath.Join(t.TempDir(), ".flowbatch")
		require.NoError(t, os.MkdirAll(projectDir, 0o755))
		if project != "" {
			require.NoError(t, os.WriteFile(filepath.Join(projectDir, "config.yaml"), []byte(project), 0o600))
		}
		return projectDir
	}

	t.Run("project overrides global section", func(t *testing.T) {
		projectDir := setup(t,
			"batch:\n  worker_count: 3\nlogging:\n  level: warn\n",
			"batch:\n  worker_count: 7\n")

		cfg := config.NewWithProjectDir(ctx, projectDir)
		assert.Equal(t, 7, cfg.Batch.WorkerCount)
		assert.Equal(t, "warn", cfg.Logging.Level, "sections absent from the project file come from global")
	})

	t.Run("env beats project", func(t *testing.T) {
		projectDir := setup(t, "", "batch:\n  worker_count: 7\n")
		t.Setenv("FLOWBATCH_WORKER_COUNT", "2")

		cfg := config.NewWithProjectDir(ctx, projectDir)
		assert.Equal(t, 2, cfg.Batch.WorkerCount)
	})

	t.Run("corrupted project yaml falls back", func(t *testing.T) {
		projectDir := setup(t, "batch:\n  worker_count: 3\n", "batch: [")

		cfg := config.NewWithProjectDir(ctx, projectDir)
		assert.Equal(t, 3, cfg.Batch.WorkerCount)
	})

	t.Run("missing project yaml", func(t *testing.T) {
		projectDir := setup(t, "", "")

		cfg := config.NewWithProjectDir(ctx, projectDir)
		assert.Equal(t, config.DefaultWorkerCount, cfg.Batch.WorkerCount)
	})

	t.Run("empty project dir", func(t *testing.T) {
		setup(t, "", "")
		cfg := config.NewWithProjectDir(ctx, "")
		assert.Equal(t, config.DefaultWorkerCount, cfg.Batch.WorkerCount)
	})
}
