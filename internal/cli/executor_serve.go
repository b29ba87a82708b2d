package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rshade/flowbatch/internal/executor/remote"
	"github.com/rshade/flowbatch/internal/executor/server"
	"github.com/rshade/flowbatch/internal/flow"
)

// NewExecutorServeCmd creates the command an external executor process runs.
// The batch engine starts it with --port and waits for the health service.
func NewExecutorServeCmd() *cobra.Command {
	var (
		flowPath       string
		port           int
		lineTimeoutSec int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a flow to a batch engine over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("port") {
				if env, ok := os.LookupEnv(remote.EnvExecutorPort); ok {
					p, err := strconv.Atoi(env)
					if err != nil {
						return fmt.Errorf("invalid %s %q: %w", remote.EnvExecutorPort, env, err)
					}
					port = p
				}
			}

			f, err := flow.Load(flowPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var lc net.ListenConfig
			lis, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				return fmt.Errorf("listening on port %d: %w", port, err)
			}

			svc := server.NewService(f, nil, time.Duration(lineTimeoutSec)*time.Second)
			return server.NewServer(svc).Serve(ctx, lis)
		},
	}

	cmd.Flags().StringVar(&flowPath, "flow", "", "flow descriptor to serve")
	cmd.Flags().IntVar(&port, "port", 0, "local port to listen on (0 picks a free port)")
	cmd.Flags().IntVar(&lineTimeoutSec, "line-timeout", 0, "line timeout in seconds (0 uses the default)")
	_ = cmd.MarkFlagRequired("flow")

	return cmd
}
