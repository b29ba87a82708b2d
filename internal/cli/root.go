// Package cli implements the flowbatch command line.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rshade/flowbatch/internal/config"
	"github.com/rshade/flowbatch/internal/logging"
)

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// logger is the package-level logger for CLI operations.
var logger zerolog.Logger //nolint:gochecknoglobals // Required for zerolog context integration

// NewRootCmd creates the root Cobra command for the flowbatch CLI.
func NewRootCmd(ver string) *cobra.Command {
	var logResult *logging.LogPathResult

	cmd := &cobra.Command{
		Use:           "flowbatch",
		Short:         "Run a flow over every line of a dataset",
		Long:          "flowbatch executes a flow once per input line with bounded concurrency, then aggregates.",
		Version:       ver,
		Example:       rootCmdExample,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			result := setupLogging(cmd)
			logResult = &result
			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if logResult != nil {
				return logResult.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("config", "", "config file (default ~/.flowbatch/config.yaml plus project overlay)")
	cmd.PersistentFlags().String("project-dir", "", "project directory holding .flowbatch/config.yaml")
	cmd.AddCommand(newRunCmd(), newCancelCmd(), newExecutorCmd(), newConfigCmd())

	return cmd
}

// loadConfig resolves the configuration for this invocation and installs it
// as the global config. An explicit --config file wins over the global and
// project files.
func loadConfig(cmd *cobra.Command) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		config.SetGlobalConfig(cfg)
		return nil
	}
	projectFlag, _ := cmd.Flags().GetString("project-dir")
	projectDir := config.ResolveProjectDir(cmd.Context(), projectFlag, ".")
	config.SetGlobalConfig(config.NewWithProjectDir(cmd.Context(), projectDir))
	return nil
}

const rootCmdExample = `  # Run a flow over a JSONL dataset
  flowbatch run --flow flow.yaml --data data.jsonl --output out/

  # Map columns to flow inputs explicitly
  flowbatch run --flow flow.yaml --data data/ --mapping question='${data.q}'

  # Resume a previous run, reusing its completed lines
  flowbatch run --flow flow.yaml --data data.jsonl --resume-from qa_01hz...

  # Cancel a running batch from another shell (requires cancel.redis)
  flowbatch cancel qa_01hz...

  # Initialize configuration
  flowbatch config init`

// newConfigCmd creates the config command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration management commands"}
	cmd.AddCommand(NewConfigInitCmd(), NewConfigValidateCmd())
	return cmd
}

// newExecutorCmd creates the executor command group.
func newExecutorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "executor", Short: "Executor process commands"}
	cmd.AddCommand(NewExecutorServeCmd())
	return cmd
}
