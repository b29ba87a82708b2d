package batch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rshade/flowbatch/internal/cancel"
	"github.com/rshade/flowbatch/internal/config"
	"github.com/rshade/flowbatch/internal/executor"
	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/flow"
	"github.com/rshade/flowbatch/internal/inputs"
	"github.com/rshade/flowbatch/internal/logging"
	"github.com/rshade/flowbatch/internal/runinfo"
	"github.com/rshade/flowbatch/internal/storage"
)

// DefaultPollInterval is how often the supervisor checks for cancellation
// and the batch budget.
const DefaultPollInterval = time.Second

const (
	// drainTimeout bounds how long Run waits for an abandoned execution to
	// return before releasing the executor.
	drainTimeout = 10 * time.Second
	// persistTimeout bounds storing the records of one line.
	persistTimeout = 30 * time.Second
)

// Config configures an Engine.
type Config struct {
	Flow        *flow.Flow
	WorkingDir  string
	Connections map[string]any
	// BatchTimeout bounds the whole run. Zero disables it.
	BatchTimeout time.Duration
	LineTimeout  time.Duration
	WorkerCount  int
	// LineRate limits line admissions per second. Zero disables it.
	LineRate     float64
	LineBurst    int
	PollInterval time.Duration
	// ResumeStrict executes a resumed line again when its inputs changed.
	ResumeStrict bool
	Executor     config.ExecutorConfig
}

// ConfigFrom builds an engine Config from the application config.
func ConfigFrom(cfg *config.Config, f *flow.Flow) Config {
	return Config{
		Flow:         f,
		WorkingDir:   f.Dir(),
		BatchTimeout: time.Duration(cfg.Batch.BatchTimeoutSec) * time.Second,
		LineTimeout:  time.Duration(cfg.Batch.LineTimeoutSec) * time.Second,
		WorkerCount:  cfg.Batch.WorkerCount,
		LineRate:     cfg.Batch.LineRate,
		LineBurst:    cfg.Batch.LineBurst,
		PollInterval: time.Duration(cfg.Batch.PollIntervalMS) * time.Millisecond,
		ResumeStrict: cfg.Batch.ResumeStrict,
		Executor:     cfg.Executor,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithCancelSource makes the supervisor also honor cancel requests made
// by other processes.
func WithCancelSource(src cancel.Source) Option {
	return func(e *Engine) { e.cancelSource = src }
}

// WithTracerProvider sets the tracer provider. The global one is used by
// default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider. The global one is used by
// default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// Engine runs batches of one flow. It runs one batch at a time.
type Engine struct {
	cfg            Config
	registry       *executor.Registry
	storage        storage.RunStorage
	cancelSource   cancel.Source
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	telemetry      *telemetry

	running atomic.Bool
	mu      sync.Mutex
	token   *cancel.Token
}

// NewEngine validates cfg and returns an Engine that creates its proxies
// from registry and stores line records in st.
func NewEngine(cfg Config, registry *executor.Registry, st storage.RunStorage, opts ...Option) (*Engine, error) {
	switch {
	case cfg.Flow == nil:
		return nil, ErrNilFlow
	case registry == nil:
		return nil, ErrNilRegistry
	case st == nil:
		return nil, ErrNilStorage
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = executor.DefaultWorkerCount
	}
	if cfg.LineTimeout <= 0 {
		cfg.LineTimeout = executor.DefaultLineTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	e := &Engine{cfg: cfg, registry: registry, storage: st}
	for _, opt := range opts {
		opt(e)
	}
	e.telemetry = newTelemetry(e.tracerProvider, e.meterProvider)
	return e, nil
}

// Cancel asks the running batch to stop. It does not block. The supervisor
// notices within one poll interval and Run returns a Canceled result. A
// Cancel with no batch running has no effect.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token != nil {
		e.token.Cancel()
	}
}

// RunRequest describes one batch run.
type RunRequest struct {
	// InputDirs maps source names such as "data" to files or directories.
	InputDirs     map[string]string
	InputsMapping map[string]any
	// OutputDir receives output.jsonl. Empty skips the output file.
	OutputDir string
	// RunID defaults to the flow name and a ULID.
	RunID              string
	MaxLinesCount      int
	RaiseOnLineFailure bool
	// ResumeFrom is the storage of a previous run to copy completed lines from.
	ResumeFrom storage.ResumeSource
}

// NewRunID returns "<flow name>_<ULID>".
func NewRunID(flowName string) string {
	id := strings.ToLower(ulid.Make().String())
	if flowName == "" {
		return id
	}
	return flowName + "_" + id
}

// batchRun is the state of one Run call.
type batchRun struct {
	engine *Engine
	proxy  executor.Proxy
	caps   executor.Capabilities
	runID  string
	req    RunRequest
	token  *cancel.Token

	acc        *accumulator
	progress   *Progress
	lineInputs map[int]map[string]any
	inputNames []string
	outputPath string

	// selfTimed is set while the proxy enforces the batch budget itself.
	selfTimed atomic.Bool

	persistMu  sync.Mutex
	persistErr error
}

// Run executes one batch. Line failures are reported in the Result, not as
// an error, unless RaiseOnLineFailure is set. Initialization, resume,
// aggregation and storage failures are returned as errors. Canceling ctx
// cancels the run like Cancel does.
func (e *Engine) Run(ctx context.Context, req RunRequest) (res *Result, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunActive
	}
	defer e.running.Store(false)

	start := time.Now().UTC()
	runID := req.RunID
	if runID == "" {
		runID = NewRunID(e.cfg.Flow.Name)
	}
	ctx = logging.ContextWithTraceID(ctx, logging.GetOrGenerateTraceID(ctx))
	logger := logging.FromContext(ctx)

	ctx, span := e.telemetry.startRun(ctx, runID, e.cfg.Flow.Name)
	defer func() { e.telemetry.endRun(span, res, err) }()

	token := &cancel.Token{}
	e.mu.Lock()
	e.token = token
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.token = nil
		e.mu.Unlock()
	}()

	logger.Info().Ctx(ctx).
		Str("component", "batch").
		Str("run_id", runID).
		Str("flow", e.cfg.Flow.Name).
		Int("worker_count", e.cfg.WorkerCount).
		Msg("starting batch run")

	proxy, err := e.registry.Create(ctx, executor.CreateRequest{
		Flow:        e.cfg.Flow,
		WorkingDir:  e.cfg.WorkingDir,
		Connections: e.cfg.Connections,
		Storage:     e.storage,
		WorkerCount: e.cfg.WorkerCount,
		LineTimeout: e.cfg.LineTimeout,
		Executor:    e.cfg.Executor,
	})
	if err != nil {
		return nil, err
	}
	defer proxy.Destroy(context.WithoutCancel(ctx))

	if err = proxy.EnsureExecutorHealth(ctx); err != nil {
		return nil, classify(err, "waiting for the executor")
	}

	run := &batchRun{
		engine: e,
		proxy:  proxy,
		caps:   proxy.Capabilities(),
		runID:  runID,
		req:    req,
		token:  token,
	}
	lines, err := run.resolveInputs(ctx)
	if err != nil {
		return nil, classify(err, "resolving inputs")
	}
	run.acc = newAccumulator(len(lines))
	run.progress = NewProgress(len(lines))

	timedOut, canceled, err := run.supervise(ctx, start, lines)
	if err != nil {
		logger.Error().Ctx(ctx).
			Str("component", "batch").
			Str("run_id", runID).
			Err(err).
			Msg("batch run failed")
		return nil, err
	}

	status := runinfo.StatusCompleted
	opts := ResultOptions{RunID: runID, OutputPath: run.outputPath}
	switch {
	case canceled:
		status = runinfo.StatusCanceled
	case timedOut:
		status = runinfo.StatusFailed
		opts.Err = batchTimeoutError(e.cfg.BatchTimeout)
	}

	lineResults, aggr := run.acc.snapshot()
	res = NewResult(start, time.Now().UTC(), lineResults, aggr, status, opts)

	logger.Info().Ctx(ctx).
		Str("component", "batch").
		Str("run_id", runID).
		Str("status", string(res.Status)).
		Int("total_lines", res.TotalLines).
		Int("completed_lines", res.CompletedLines).
		Int("failed_lines", res.FailedLines).
		Dur("duration", res.SystemMetrics.Duration).
		Msg("batch run finished")
	return res, nil
}

func (r *batchRun) resolveInputs(ctx context.Context) ([]map[string]any, error) {
	defs := r.engine.cfg.Flow.Inputs
	if len(defs) == 0 {
		fromProxy, err := r.proxy.InputsDefinition(ctx)
		if err != nil {
			return nil, err
		}
		defs = fromProxy
	}
	r.inputNames = make([]string, 0, len(defs))
	for name := range defs {
		r.inputNames = append(r.inputNames, name)
	}
	sort.Strings(r.inputNames)

	processor := inputs.NewProcessor(defs, r.req.MaxLinesCount)
	var lines []map[string]any
	var err error
	if r.caps.ShouldApplyInputsMapping {
		lines, err = processor.Process(ctx, r.req.InputDirs, r.req.InputsMapping)
	} else {
		lines, err = processor.ProcessWithoutMapping(ctx, r.req.InputDirs)
	}
	if err != nil {
		return nil, err
	}

	r.lineInputs = make(map[int]map[string]any, len(lines))
	for i, line := range lines {
		line = applyDefaults(line, defs)
		lines[i] = line
		index, _ := runinfo.LineNumberOf(line)
		r.lineInputs[index] = line
	}
	return lines, nil
}

func applyDefaults(line map[string]any, defs map[string]flow.InputDefinition) map[string]any {
	out := make(map[string]any, len(line)+len(defs))
	for k, v := range line {
		out[k] = v
	}
	for name, def := range defs {
		if _, ok := out[name]; !ok && def.HasDefault() {
			out[name] = def.Default
		}
	}
	return out
}

type outcome struct {
	timedOut bool
	err      error
}

// supervise runs the execution in its own goroutine and polls for
// cancellation and the batch budget. When either fires it interrupts the
// execution, freezes the accumulator and waits a bounded time for the
// execution goroutine to return.
func (r *batchRun) supervise(ctx context.Context, start time.Time, lines []map[string]any) (bool, bool, error) {
	cfg := r.engine.cfg
	execCtx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan outcome, 1)
	go func() {
		timedOut, err := r.execute(execCtx, start, lines)
		done <- outcome{timedOut: timedOut, err: err}
	}()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	logger := logging.FromContext(ctx)

	abandon := func() {
		stop()
		r.acc.freeze()
		r.drain(ctx, done)
	}

	for {
		select {
		case o := <-done:
			return o.timedOut, false, o.err
		case <-ctx.Done():
			logger.Warn().Ctx(ctx).Str("component", "batch").Str("run_id", r.runID).
				Msg("batch run context canceled")
			abandon()
			return false, true, nil
		case <-ticker.C:
			if r.canceled(ctx) {
				logger.Warn().Ctx(ctx).Str("component", "batch").Str("run_id", r.runID).
					Msg("batch run canceled")
				abandon()
				return false, true, nil
			}
			if cfg.BatchTimeout > 0 && !r.selfTimed.Load() && time.Since(start) > cfg.BatchTimeout {
				logger.Warn().Ctx(ctx).Str("component", "batch").Str("run_id", r.runID).
					Dur("batch_timeout", cfg.BatchTimeout).
					Msg("batch run timed out")
				abandon()
				return true, false, nil
			}
		}
	}
}

// drain waits for the execution goroutine to return so nothing uses the
// executor after Run. Lines it still finishes are dropped by the frozen
// accumulator.
func (r *batchRun) drain(ctx context.Context, done <-chan outcome) {
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logging.FromContext(ctx).Warn().Ctx(ctx).
			Str("component", "batch").
			Str("run_id", r.runID).
			Dur("drain_timeout", drainTimeout).
			Msg("execution did not stop in time, releasing the executor")
	}
}

func (r *batchRun) canceled(ctx context.Context) bool {
	if r.token.Canceled() {
		return true
	}
	src := r.engine.cancelSource
	if src == nil {
		return false
	}
	checkCtx, stopCheck := context.WithTimeout(ctx, r.engine.cfg.PollInterval)
	defer stopCheck()
	canceled, err := src.Canceled(checkCtx, r.runID)
	if err != nil {
		logging.FromContext(ctx).Warn().Ctx(ctx).
			Str("component", "batch").
			Err(err).
			Msg("checking remote cancel request")
		return false
	}
	return canceled
}

// execute performs resume, line execution, the failure gate, the output
// file and aggregation. It reports a budget expiry signalled by the proxy.
func (r *batchRun) execute(ctx context.Context, start time.Time, lines []map[string]any) (bool, error) {
	cfg := r.engine.cfg
	pending := lines
	if r.req.ResumeFrom != nil {
		var err error
		if pending, err = r.resume(ctx, r.req.ResumeFrom, lines, cfg.ResumeStrict); err != nil {
			return false, err
		}
	}

	timedOut, err := r.executeLines(ctx, start, pending)
	if err != nil {
		return false, classify(err, "executing lines")
	}
	if err = ctx.Err(); err != nil {
		return false, err
	}
	if err = r.takePersistErr(); err != nil {
		return false, err
	}
	if timedOut {
		return true, nil
	}

	results, _ := r.acc.snapshot()
	if r.req.RaiseOnLineFailure {
		if lineErr := newLineFailureError(results); lineErr != nil {
			return false, lineErr
		}
	}

	if r.req.OutputDir != "" {
		path, writeErr := writeOutputs(r.req.OutputDir, results)
		if writeErr != nil {
			return false, classify(writeErr, "writing the output file")
		}
		r.outputPath = path
	}

	if r.caps.AllowAggregation && r.caps.HasAggregation {
		aggr, aggrErr := r.aggregate(ctx)
		if aggrErr != nil {
			return false, aggrErr
		}
		r.acc.setAggregation(aggr)
	}
	return false, nil
}

// executeLines hands the lines to the proxy's own scheduler when it has one
// and no admission rate is set, and to the engine scheduler otherwise.
func (r *batchRun) executeLines(ctx context.Context, start time.Time, lines []map[string]any) (bool, error) {
	if len(lines) == 0 {
		return false, nil
	}
	cfg := r.engine.cfg
	onLine := func(result *runinfo.LineResult) { r.complete(ctx, result) }

	if be, ok := r.proxy.(executor.BatchExecutor); ok && cfg.LineRate <= 0 {
		var remaining time.Duration
		if cfg.BatchTimeout > 0 {
			remaining = cfg.BatchTimeout - time.Since(start)
			if remaining <= 0 {
				executor.FailUnstarted(lines, r.runID, cfg.BatchTimeout, onLine)
				return true, nil
			}
		}
		r.selfTimed.Store(true)
		defer r.selfTimed.Store(false)
		return be.ExecBatch(ctx, lines, r.runID, executor.BatchOptions{
			WorkerCount:  cfg.WorkerCount,
			LineTimeout:  cfg.LineTimeout,
			BatchTimeout: remaining,
			OnLine:       onLine,
		})
	}

	s := newScheduler(r.proxy, cfg.WorkerCount, cfg.LineRate, cfg.LineBurst)
	return false, s.run(ctx, lines, r.runID, onLine)
}

// complete persists a finished line, node records before the flow record,
// and adds it to the result. A line finishing after the supervisor froze the
// run is dropped without touching storage. A claimed line is stored even if
// ctx is canceled meanwhile so its records stay complete.
func (r *batchRun) complete(ctx context.Context, result *runinfo.LineResult) {
	if result == nil || result.RunInfo == nil {
		return
	}
	if !r.acc.reserve() {
		return
	}
	persistCtx, stopPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer stopPersist()
	for _, name := range sortedNodeNames(result.NodeRunInfos) {
		if err := r.engine.storage.PersistNodeRun(persistCtx, result.NodeRunInfos[name]); err != nil {
			r.acc.release()
			r.setPersistErr(err, result.RunInfo.LineIndex())
			return
		}
	}
	if err := r.engine.storage.PersistFlowRun(persistCtx, result.RunInfo); err != nil {
		r.acc.release()
		r.setPersistErr(err, result.RunInfo.LineIndex())
		return
	}
	r.acc.commit(result)
	r.observe(ctx, result)
}

// observe records telemetry and progress for a line that joined the result.
func (r *batchRun) observe(ctx context.Context, result *runinfo.LineResult) {
	r.engine.telemetry.recordLine(ctx, result)
	if snapshot, due := r.progress.Add(1); due {
		snapshot.Log(ctx)
	}
}

func (r *batchRun) setPersistErr(err error, index int) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if r.persistErr == nil && !errors.Is(err, context.Canceled) {
		r.persistErr = failure.Wrap(failure.CategorySystem, failure.TargetStorage, failure.CodeStoragePersist, err,
			"Failed to persist the records of line %d: %s.", index, failure.TypeAndMessage(err))
	}
}

func (r *batchRun) takePersistErr() error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	return r.persistErr
}
