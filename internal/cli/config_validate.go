package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rshade/flowbatch/internal/config"
	"github.com/rshade/flowbatch/internal/flow"
)

// NewConfigValidateCmd creates the config validate command for validating configuration.
func NewConfigValidateCmd() *cobra.Command {
	var (
		verbose  bool
		flowPath string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and, optionally, a flow file",
		Example: `  # Validate current configuration
  flowbatch config validate

  # Also validate a flow descriptor
  flowbatch config validate --flow flow.yaml --verbose`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigValidate(cmd, flowPath, verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show detailed validation information")
	cmd.Flags().StringVar(&flowPath, "flow", "", "flow file to validate")

	return cmd
}

func runConfigValidate(cmd *cobra.Command, flowPath string, verbose bool) error {
	cfg := config.GetGlobalConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	var f *flow.Flow
	if flowPath != "" {
		var err error
		if f, err = flow.Load(flowPath); err != nil {
			return fmt.Errorf("flow validation failed: %w", err)
		}
	}

	cmd.Printf("Configuration is valid\n")
	if verbose {
		printVerboseDetails(cmd, cfg, f)
	}
	return nil
}

func printVerboseDetails(cmd *cobra.Command, cfg *config.Config, f *flow.Flow) {
	cmd.Println()
	cmd.Println("Configuration details:")
	if cfg.Path() != "" {
		cmd.Printf("  Config file: %s\n", cfg.Path())
	}
	cmd.Printf("  Worker count: %d\n", cfg.Batch.WorkerCount)
	cmd.Printf("  Line timeout: %ds\n", cfg.Batch.LineTimeoutSec)
	if cfg.Batch.BatchTimeoutSec > 0 {
		cmd.Printf("  Batch timeout: %ds\n", cfg.Batch.BatchTimeoutSec)
	}
	cmd.Printf("  Storage backend: %s\n", cfg.Storage.Backend)
	cmd.Printf("  Remote cancel: %t\n", cfg.Cancel.Redis.Enabled())
	cmd.Printf("  Publishing: %t\n", cfg.Publish.MinIO.Enabled())
	cmd.Printf("  Logging level: %s\n", cfg.Logging.Level)

	if f == nil {
		return
	}
	cmd.Printf("  Flow: %s (%s)\n", f.Name, f.Language)
	cmd.Printf("    Inputs: %v\n", f.InputNames())
	cmd.Printf("    Line nodes: %d\n", len(f.LineNodes()))
	cmd.Printf("    Aggregation nodes: %d\n", len(f.AggregationNodes()))
}
