package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rshade/flowbatch/internal/cancel"
	"github.com/rshade/flowbatch/internal/config"
	"github.com/rshade/flowbatch/internal/engine/batch"
	"github.com/rshade/flowbatch/internal/executor"
	"github.com/rshade/flowbatch/internal/executor/remote"
	"github.com/rshade/flowbatch/internal/flow"
	"github.com/rshade/flowbatch/internal/inputs"
	"github.com/rshade/flowbatch/internal/objectstore"
	"github.com/rshade/flowbatch/internal/runinfo"
	"github.com/rshade/flowbatch/internal/storage"
)

// Output formats accepted by --output-format.
const (
	formatTable = "table"
	formatJSON  = "json"
)

// runParams holds the flag values of the run command.
type runParams struct {
	flowPath           string
	dataPath           string
	sources            map[string]string
	mapping            map[string]string
	outputDir          string
	runID              string
	resumeFrom         string
	workers            int
	lineTimeoutSec     int
	batchTimeoutSec    int
	lineRate           float64
	maxLines           int
	raiseOnLineFailure bool
	resumeStrict       bool
	noPublish          bool
	outputFormat       string
}

func newRunCmd() *cobra.Command {
	var p runParams

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a flow over every line of the input data",
		Example: `  # Run with the default worker count
  flowbatch run --flow flow.yaml --data data.jsonl --output out/

  # Limit concurrency and fail the command when any line fails
  flowbatch run --flow flow.yaml --data data/ --workers 4 --raise-on-line-failure

  # Emit the result as JSON
  flowbatch run --flow flow.yaml --data data.jsonl --output-format json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeRun(cmd, p)
		},
	}

	f := cmd.Flags()
	f.StringVar(&p.flowPath, "flow", "", "flow descriptor (YAML or JSON)")
	f.StringVar(&p.dataPath, "data", "", "input data file or directory (the \"data\" source)")
	f.StringToStringVar(&p.sources, "input", nil, "additional input sources as name=path")
	f.StringToStringVar(&p.mapping, "mapping", nil, "inputs mapping as input=${source.column}")
	f.StringVar(&p.outputDir, "output", "", "directory receiving output.jsonl")
	f.StringVar(&p.runID, "run-id", "", "batch run id (default <flow name>_<ulid>)")
	f.StringVar(&p.resumeFrom, "resume-from", "", "run id of a previous run whose completed lines are reused")
	f.IntVar(&p.workers, "workers", 0, "concurrent lines (overrides batch.worker_count)")
	f.IntVar(&p.lineTimeoutSec, "line-timeout", 0, "line timeout in seconds (overrides batch.line_timeout_sec)")
	f.IntVar(&p.batchTimeoutSec, "batch-timeout", 0, "batch timeout in seconds (overrides batch.batch_timeout_sec)")
	f.Float64Var(&p.lineRate, "line-rate", 0, "max line admissions per second (overrides batch.line_rate)")
	f.IntVar(&p.maxLines, "max-lines", 0, "only run the first N lines")
	f.BoolVar(&p.raiseOnLineFailure, "raise-on-line-failure", false, "fail the command when any line failed")
	f.BoolVar(&p.resumeStrict, "resume-strict", false, "re-run resumed lines whose inputs changed")
	f.BoolVar(&p.noPublish, "no-publish", false, "skip publishing outputs to object storage")
	f.StringVar(&p.outputFormat, "output-format", formatTable, "result format: table or json")
	_ = cmd.MarkFlagRequired("flow")

	return cmd
}

// applyRunFlags overlays explicitly set flags on a copy of cfg.
func applyRunFlags(cmd *cobra.Command, cfg config.Config, p runParams) config.Config {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Batch.WorkerCount = p.workers
	}
	if flags.Changed("line-timeout") {
		cfg.Batch.LineTimeoutSec = p.lineTimeoutSec
	}
	if flags.Changed("batch-timeout") {
		cfg.Batch.BatchTimeoutSec = p.batchTimeoutSec
	}
	if flags.Changed("line-rate") {
		cfg.Batch.LineRate = p.lineRate
	}
	if flags.Changed("raise-on-line-failure") {
		cfg.Batch.RaiseOnLineFailure = p.raiseOnLineFailure
	}
	if flags.Changed("resume-strict") {
		cfg.Batch.ResumeStrict = p.resumeStrict
	}
	return cfg
}

func (p runParams) inputDirs() map[string]string {
	dirs := make(map[string]string, len(p.sources)+1)
	for name, path := range p.sources {
		dirs[name] = path
	}
	if p.dataPath != "" {
		dirs[inputs.DefaultSource] = p.dataPath
	}
	return dirs
}

func (p runParams) inputsMapping() map[string]any {
	if len(p.mapping) == 0 {
		return nil
	}
	mapping := make(map[string]any, len(p.mapping))
	for k, v := range p.mapping {
		mapping[k] = v
	}
	return mapping
}

// newRegistry returns the executor registry used by the CLI: flows run in
// process unless they declare the external language.
func newRegistry() (*executor.Registry, error) {
	reg := executor.NewRegistry()
	if err := reg.Register(executor.LanguageNative, executor.NewInProcessFactory(nil)); err != nil {
		return nil, err
	}
	if err := reg.Register(executor.LanguageExternal,
		remote.NewFactory(remote.NewProcessLauncher(), remote.SelfPath())); err != nil {
		return nil, err
	}
	return reg, nil
}

//nolint:funlen // Wiring of every run dependency happens here.
func executeRun(cmd *cobra.Command, p runParams) error {
	if p.outputFormat != formatTable && p.outputFormat != formatJSON {
		return fmt.Errorf("unsupported output format %q (want %s or %s)", p.outputFormat, formatTable, formatJSON)
	}
	cfg := applyRunFlags(cmd, *config.GetGlobalConfig(), p)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := flow.Load(p.flowPath)
	if err != nil {
		return err
	}
	runID := p.runID
	if runID == "" {
		runID = batch.NewRunID(f.Name)
	}
	log := logger.With().Str("run_id", runID).Logger()
	ctx = log.WithContext(ctx)

	st, err := storage.Open(ctx, cfg.Storage, runID)
	if err != nil {
		return err
	}
	defer closeStore(ctx, st)

	req := batch.RunRequest{
		InputDirs:          p.inputDirs(),
		InputsMapping:      p.inputsMapping(),
		OutputDir:          p.outputDir,
		RunID:              runID,
		MaxLinesCount:      p.maxLines,
		RaiseOnLineFailure: cfg.Batch.RaiseOnLineFailure,
	}
	if p.resumeFrom != "" {
		src, openErr := storage.Open(ctx, cfg.Storage, p.resumeFrom)
		if openErr != nil {
			return fmt.Errorf("opening run %s to resume from: %w", p.resumeFrom, openErr)
		}
		defer closeStore(ctx, src)
		req.ResumeFrom = src
	}

	var opts []batch.Option
	if cfg.Cancel.Redis.Enabled() {
		signalSrc, dialErr := cancel.Dial(ctx, cfg.Cancel.Redis)
		if dialErr != nil {
			return dialErr
		}
		defer func() {
			_ = signalSrc.Clear(context.WithoutCancel(ctx), runID)
			_ = signalSrc.Close()
		}()
		opts = append(opts, batch.WithCancelSource(signalSrc))
	}

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	eng, err := batch.NewEngine(batch.ConfigFrom(&cfg, f), reg, st, opts...)
	if err != nil {
		return err
	}

	res, err := eng.Run(ctx, req)
	if err != nil {
		return err
	}

	var published *objectstore.Published
	if cfg.Publish.MinIO.Enabled() && !p.noPublish && res.Status != runinfo.StatusCanceled {
		if published, err = publish(ctx, cfg.Publish.MinIO, res); err != nil {
			return err
		}
	}

	if err = renderResult(cmd.OutOrStdout(), res, published, p.outputFormat); err != nil {
		return err
	}
	return statusError(res)
}

func publish(ctx context.Context, cfg config.MinIOConfig, res *batch.Result) (*objectstore.Published, error) {
	publisher, err := objectstore.NewPublisher(cfg)
	if err != nil {
		return nil, err
	}
	if err = publisher.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("publishing run %s: %w", res.RunID, err)
	}
	published, err := publisher.Publish(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("publishing run %s: %w", res.RunID, err)
	}
	return published, nil
}

type closer interface {
	Close(ctx context.Context) error
}

func closeStore(ctx context.Context, c closer) {
	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelClose()
	if err := c.Close(closeCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Ctx(ctx).Err(err).Msg("closing run storage")
	}
}
