package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rshade/flowbatch/internal/cli"
	"github.com/rshade/flowbatch/internal/config"
)

func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("FLOWBATCH_HOME", home)
	t.Setenv("FLOWBATCH_PROJECT_DIR", t.TempDir())
	t.Setenv("FLOWBATCH_LOG_LEVEL", "error")
	t.Setenv("FLOWBATCH_STORAGE_DIR", filepath.Join(home, "runs"))
	t.Cleanup(config.ResetGlobalConfigForTest)
}

func TestRun(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "version", args: []string{"--version"}, want: cli.ExitOK},
		{name: "help", args: []string{"--help"}, want: cli.ExitOK},
		{name: "unknown command", args: []string{"frobnicate"}, want: cli.ExitError},
		{name: "config validate", args: []string{"config", "validate"}, want: cli.ExitOK},
		{
			name: "missing flow is a generic error",
			args: []string{"run", "--flow", "missing.yaml"},
			want: cli.ExitError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			assert.Equal(t, tt.want, run(tt.args))
		})
	}
}

func TestRootCommand(t *testing.T) {
	root := cli.NewRootCmd(version)
	assert.Equal(t, "flowbatch", root.Use)
	assert.Equal(t, "dev", root.Version)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "cancel", "executor", "config"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
