package cli_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/flowbatch/internal/cli"
	"github.com/rshade/flowbatch/internal/config"
	"github.com/rshade/flowbatch/internal/flow"
)

const scoringFlow = "../flow/testdata/aggregation.yaml"

// setupCLITest isolates config, storage and logging for one test.
func setupCLITest(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("FLOWBATCH_HOME", home)
	t.Setenv("FLOWBATCH_PROJECT_DIR", t.TempDir())
	t.Setenv("FLOWBATCH_LOG_LEVEL", "error")
	t.Setenv("FLOWBATCH_STORAGE_BACKEND", config.BackendLocal)
	t.Setenv("FLOWBATCH_STORAGE_DIR", filepath.Join(home, "runs"))
	t.Setenv("FLOWBATCH_REDIS_ADDR", "")
	t.Setenv("FLOWBATCH_MINIO_ENDPOINT", "")
	t.Cleanup(config.ResetGlobalConfigForTest)
	return home
}

func writeScoringData(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		"{\"value\": 1, \"should_fail\": false}\n"+
			"{\"value\": 2, \"should_fail\": false}\n"+
			"{\"value\": 3, \"should_fail\": true}\n"), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := cli.NewRootCmd("test")
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

type runOutput struct {
	Result struct {
		RunID          string         `json:"run_id"`
		Status         string         `json:"status"`
		TotalLines     int            `json:"total_lines"`
		CompletedLines int            `json:"completed_lines"`
		FailedLines    int            `json:"failed_lines"`
		Metrics        map[string]any `json:"metrics"`
		OutputPath     string         `json:"output_path"`
		ErrorSummary   struct {
			FailedUserErrorLines int `json:"failed_user_error_lines"`
		} `json:"error_summary"`
	} `json:"result"`
}

func runArgs(data, out string, extra ...string) []string {
	args := []string{
		"run", "--flow", scoringFlow, "--data", data, "--output", out,
		"--mapping", "value=${data.value}", "--mapping", "should_fail=${data.should_fail}",
		"--workers", "2", "--output-format", "json",
	}
	return append(args, extra...)
}

func TestRun_JSONOutput(t *testing.T) {
	setupCLITest(t)
	out := t.TempDir()

	stdout, err := execute(t, runArgs(writeScoringData(t), out, "--run-id", "scoring_cli")...)
	require.NoError(t, err, stdout)

	var got runOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, "scoring_cli", got.Result.RunID)
	assert.Equal(t, "Completed", got.Result.Status)
	assert.Equal(t, 3, got.Result.TotalLines)
	assert.Equal(t, 2, got.Result.CompletedLines)
	assert.Equal(t, 1, got.Result.FailedLines)
	assert.Equal(t, 1, got.Result.ErrorSummary.FailedUserErrorLines)
	assert.InDelta(t, 3.0, got.Result.Metrics["total_score"], 1e-9)
	assert.Equal(t, filepath.Join(out, "output.jsonl"), got.Result.OutputPath)

	f, err := os.Open(got.Result.OutputPath)
	require.NoError(t, err)
	defer f.Close()
	var count int
	for sc := bufio.NewScanner(f); sc.Scan(); {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestRun_TableOutput(t *testing.T) {
	setupCLITest(t)

	stdout, err := execute(t, "run", "--flow", scoringFlow, "--data", writeScoringData(t),
		"--mapping", "value=${data.value}", "--mapping", "should_fail=${data.should_fail}")
	require.NoError(t, err, stdout)

	assert.Contains(t, stdout, "BATCH RUN scoring_")
	assert.Contains(t, stdout, "Status: Completed")
	assert.Contains(t, stdout, "Lines: 3 total, 2 completed, 1 failed")
	assert.Contains(t, stdout, "line 2: Execution failure in 'guard'")
}

func TestRun_RaiseOnLineFailure(t *testing.T) {
	setupCLITest(t)

	_, err := execute(t, runArgs(writeScoringData(t), t.TempDir(), "--raise-on-line-failure")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1/3 lines failed, indexes: [2]")
	assert.Equal(t, cli.ExitLineFailure, cli.ExitCode(err))
}

func TestRun_ResumeFromPreviousRun(t *testing.T) {
	home := setupCLITest(t)
	data := writeScoringData(t)

	_, err := execute(t, runArgs(data, t.TempDir(), "--run-id", "first")...)
	require.NoError(t, err)

	stdout, err := execute(t, runArgs(data, t.TempDir(), "--run-id", "second", "--resume-from", "first")...)
	require.NoError(t, err, stdout)

	var got runOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, 2, got.Result.CompletedLines)
	assert.DirExists(t, filepath.Join(home, "runs", "second"))
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
		wantIs  error
	}{
		{
			name:    "unsupported output format",
			args:    []string{"run", "--flow", scoringFlow, "--output-format", "xml"},
			wantErr: "unsupported output format",
		},
		{
			name:   "missing flow file",
			args:   []string{"run", "--flow", "does-not-exist.yaml"},
			wantIs: flow.ErrFlowNotFound,
		},
		{
			name:    "flow flag required",
			args:    []string{"run"},
			wantErr: `required flag(s) "flow" not set`,
		},
		{
			name:    "invalid worker count",
			args:    []string{"run", "--flow", scoringFlow, "--workers", "0"},
			wantErr: "batch.worker_count must be >= 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupCLITest(t)
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			if tt.wantIs != nil {
				require.ErrorIs(t, err, tt.wantIs)
			}
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCancel_RequiresRedis(t *testing.T) {
	setupCLITest(t)

	_, err := execute(t, "cancel", "some_run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote cancel requires cancel.redis.addr")
	assert.Equal(t, cli.ExitError, cli.ExitCode(err))
}
