package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rshade/flowbatch/internal/cancel"
	"github.com/rshade/flowbatch/internal/config"
)

// errRemoteCancelDisabled is returned when cancel.redis is not configured.
var errRemoteCancelDisabled = errors.New("remote cancel requires cancel.redis.addr (or FLOWBATCH_REDIS_ADDR)")

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Ask a running batch to stop",
		Long: `Records a cancel request for RUN_ID in Redis. The process running that
batch notices it within one poll interval and finishes with status Canceled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return requestCancel(cmd, config.GetGlobalConfig().Cancel.Redis, args[0])
		},
	}
}

func requestCancel(cmd *cobra.Command, cfg config.RedisConfig, runID string) error {
	if !cfg.Enabled() {
		return errRemoteCancelDisabled
	}
	ctx := cmd.Context()
	src, err := cancel.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	if err = src.RequestCancel(ctx, runID); err != nil {
		return fmt.Errorf("requesting cancel of %s: %w", runID, err)
	}
	logger.Info().Ctx(ctx).Str("run_id", runID).Msg("cancel requested")
	cmd.Printf("Cancel requested for %s\n", runID)
	return nil
}
