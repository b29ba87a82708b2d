package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/flow"
	"github.com/rshade/flowbatch/internal/logging"
	"github.com/rshade/flowbatch/internal/runinfo"
	"github.com/rshade/flowbatch/internal/storage"
)

// Default in-process settings.
const (
	DefaultWorkerCount = 10
	DefaultLineTimeout = 600 * time.Second
)

// InProcessProxy runs a native flow inside this process on a pool of
// worker goroutines.
type InProcessProxy struct {
	exec        *flow.Executor
	storage     storage.RunStorage
	workerCount int
	lineTimeout time.Duration

	// base is canceled by Destroy so abandoned line executions stop.
	base      context.Context
	stop      context.CancelFunc
	destroyed atomic.Bool
}

var (
	_ Proxy         = (*InProcessProxy)(nil)
	_ BatchExecutor = (*InProcessProxy)(nil)
)

// NewInProcessProxy returns a proxy executing f with tools. st receives the
// aggregation node records and may be nil.
func NewInProcessProxy(
	f *flow.Flow,
	tools *flow.ToolRegistry,
	st storage.RunStorage,
	workerCount int,
	lineTimeout time.Duration,
) *InProcessProxy {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if lineTimeout <= 0 {
		lineTimeout = DefaultLineTimeout
	}
	base, stop := context.WithCancel(context.Background())
	return &InProcessProxy{
		exec:        flow.NewExecutor(f, tools),
		storage:     st,
		workerCount: workerCount,
		lineTimeout: lineTimeout,
		base:        base,
		stop:        stop,
	}
}

// NewInProcessFactory returns the Factory of LanguageNative.
func NewInProcessFactory(tools *flow.ToolRegistry) Factory {
	return func(_ context.Context, req CreateRequest) (Proxy, error) {
		if tools == nil {
			tools = flow.DefaultTools()
		}
		return NewInProcessProxy(req.Flow, tools, req.Storage, req.WorkerCount, req.LineTimeout), nil
	}
}

// EnsureExecutorHealth reports an error once the proxy was destroyed.
func (p *InProcessProxy) EnsureExecutorHealth(context.Context) error {
	if p.destroyed.Load() {
		return failure.System(failure.TargetExecutor, failure.CodeExecutorServiceUnhealthy,
			"the in-process executor was destroyed")
	}
	return nil
}

// ExecLine runs one line under the proxy's line timeout.
func (p *InProcessProxy) ExecLine(
	ctx context.Context,
	inputs map[string]any,
	index int,
	runID string,
) (*runinfo.LineResult, error) {
	return p.execLine(ctx, inputs, index, runID, time.Time{}, 0)
}

// execLine runs one line until it finishes, the line timeout expires, or
// batchDeadline passes. A stuck execution is abandoned rather than awaited.
func (p *InProcessProxy) execLine(
	ctx context.Context,
	inputs map[string]any,
	index int,
	runID string,
	batchDeadline time.Time,
	batchTimeout time.Duration,
) (*runinfo.LineResult, error) {
	start := time.Now().UTC()

	timeout := p.lineTimeout
	batchBound := false
	if !batchDeadline.IsZero() {
		if remaining := time.Until(batchDeadline); remaining < timeout {
			timeout = remaining
			batchBound = true
		}
	}

	lineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stopLink := context.AfterFunc(p.base, cancel)
	defer stopLink()

	done := make(chan *runinfo.LineResult, 1)
	go func() {
		done <- p.exec.ExecLine(lineCtx, inputs, index, runID)
	}()

	var result *runinfo.LineResult
	select {
	case result = <-done:
	case <-lineCtx.Done():
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if p.destroyed.Load() {
		return nil, failure.System(failure.TargetExecutor, failure.CodeExecutorServiceUnhealthy,
			"the in-process executor was destroyed while line %d was running", index)
	}
	if errors.Is(lineCtx.Err(), context.DeadlineExceeded) {
		var err error
		if batchBound {
			err = BatchTimeoutError(index, batchTimeout)
		} else {
			err = lineTimeoutError(index, p.lineTimeout)
		}
		logging.FromContext(ctx).Warn().Ctx(ctx).
			Str("component", "executor").
			Int("line", index).
			Err(err).
			Msg("line execution timed out")
		info := runinfo.NewFailedFlowRunInfo(start, inputs, index, runID, failure.Present(err))
		return runinfo.NewFailedLineResult(info), nil
	}
	return result, nil
}

// ExecBatch runs lines on the worker pool. Once the batch budget expires no
// further line is started; lines that never started and lines cut off by
// the budget are reported as Failed with BatchExecutionTimeoutError.
func (p *InProcessProxy) ExecBatch(
	ctx context.Context,
	lines []map[string]any,
	runID string,
	opts BatchOptions,
) (bool, error) {
	if len(lines) == 0 {
		return false, nil
	}
	workers := opts.WorkerCount
	if workers <= 0 {
		workers = p.workerCount
	}
	if workers > len(lines) {
		workers = len(lines)
	}
	onLine := opts.OnLine
	if onLine == nil {
		onLine = func(*runinfo.LineResult) {}
	}

	var deadline time.Time
	var deadlineC <-chan time.Time
	if opts.BatchTimeout > 0 {
		deadline = time.Now().Add(opts.BatchTimeout)
		timer := time.NewTimer(opts.BatchTimeout)
		defer timer.Stop()
		deadlineC = timer.C
	}

	logger := logging.FromContext(ctx)
	logger.Debug().Ctx(ctx).
		Str("component", "executor").
		Int("lines", len(lines)).
		Int("workers", workers).
		Msg("starting in-process line pool")

	var timedOut atomic.Bool
	jobs := make(chan map[string]any)
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for line := range jobs {
				index, _ := runinfo.LineNumberOf(line)
				result, err := p.execLine(gctx, line, index, runID, deadline, opts.BatchTimeout)
				if err != nil {
					return err
				}
				if result.RunInfo != nil && result.RunInfo.Error.InnermostCode() == failure.CodeBatchExecutionTimeout {
					timedOut.Store(true)
				}
				onLine(result)
			}
			return nil
		})
	}

	started := 0
feed:
	for _, line := range lines {
		select {
		case jobs <- line:
			started++
		case <-deadlineC:
			timedOut.Store(true)
			break feed
		case <-gctx.Done():
			break feed
		}
	}
	close(jobs)

	if err := g.Wait(); err != nil {
		return timedOut.Load(), err
	}
	if ctx.Err() != nil {
		return timedOut.Load(), ctx.Err()
	}

	if started < len(lines) {
		timedOut.Store(true)
		FailUnstarted(lines[started:], runID, opts.BatchTimeout, onLine)
		logger.Warn().Ctx(ctx).
			Str("component", "executor").
			Int("unstarted_lines", len(lines)-started).
			Dur("batch_timeout", opts.BatchTimeout).
			Msg("batch timeout expired before all lines started")
	}
	return timedOut.Load(), nil
}

// ExecAggregation runs the aggregation nodes and persists their records.
func (p *InProcessProxy) ExecAggregation(
	ctx context.Context,
	batchInputs, aggregationInputs map[string][]any,
	runID string,
) (*runinfo.AggregationResult, error) {
	result, err := p.exec.ExecAggregation(ctx, batchInputs, aggregationInputs, runID)
	if err != nil {
		return nil, err
	}
	if p.storage == nil {
		return result, nil
	}
	for _, info := range result.NodeRunInfos {
		if err = p.storage.PersistNodeRun(ctx, info); err != nil {
			return nil, failure.Wrap(failure.CategorySystem, failure.TargetStorage, failure.CodeStoragePersist, err,
				"Failed to persist aggregation node %s: %v", info.Node, err)
		}
	}
	return result, nil
}

// InputsDefinition returns the flow's declared inputs.
func (p *InProcessProxy) InputsDefinition(context.Context) (map[string]flow.InputDefinition, error) {
	return p.exec.Flow().Inputs, nil
}

// Capabilities of a native flow.
func (p *InProcessProxy) Capabilities() Capabilities {
	return Capabilities{
		ShouldApplyInputsMapping: true,
		AllowAggregation:         true,
		HasAggregation:           p.exec.Flow().HasAggregation(),
		PersistsAggregationRuns:  true,
	}
}

// Destroy stops abandoned executions. Safe to call more than once.
func (p *InProcessProxy) Destroy(context.Context) {
	if p.destroyed.CompareAndSwap(false, true) {
		p.stop()
	}
}
