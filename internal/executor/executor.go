// Package executor defines how the batch engine runs one line, or the
// aggregation pass, of a flow without knowing which runtime executes it.
//
// A Proxy is created per batch run from a Registry keyed by flow Language.
// The native language runs the flow in this process on a worker pool; the
// external language runs it in a separate executor process reached over
// gRPC (see package remote).
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rshade/flowbatch/internal/config"
	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/flow"
	"github.com/rshade/flowbatch/internal/runinfo"
	"github.com/rshade/flowbatch/internal/storage"
)

// Language is the closed set of flow runtimes.
type Language string

// Supported languages.
const (
	LanguageNative   Language = Language(flow.LanguageNative)
	LanguageExternal Language = Language(flow.LanguageExternal)
)

// ParseLanguage validates s. An empty string selects LanguageNative.
func ParseLanguage(s string) (Language, error) {
	switch Language(s) {
	case "", LanguageNative:
		return LanguageNative, nil
	case LanguageExternal:
		return LanguageExternal, nil
	default:
		return "", unsupportedLanguage(Language(s))
	}
}

// Capabilities tell the engine which steps apply to a proxy.
type Capabilities struct {
	// ShouldApplyInputsMapping is true when line inputs must be resolved
	// through the input processor.
	ShouldApplyInputsMapping bool
	// AllowAggregation is true when the runtime can run an aggregation pass.
	AllowAggregation bool
	// HasAggregation is true when the flow declares aggregation nodes.
	HasAggregation bool
	// PersistsAggregationRuns is true when ExecAggregation already wrote
	// the aggregation node records to storage.
	PersistsAggregationRuns bool
}

// Proxy executes lines and the aggregation pass of one flow.
//
// ExecLine never returns an error for failures inside the flow; those are
// reported through the returned LineResult. An error means the executor
// itself could not be reached or the context was canceled.
type Proxy interface {
	EnsureExecutorHealth(ctx context.Context) error
	ExecLine(ctx context.Context, inputs map[string]any, index int, runID string) (*runinfo.LineResult, error)
	ExecAggregation(
		ctx context.Context,
		batchInputs, aggregationInputs map[string][]any,
		runID string,
	) (*runinfo.AggregationResult, error)
	InputsDefinition(ctx context.Context) (map[string]flow.InputDefinition, error)
	Capabilities() Capabilities
	// Destroy releases the executor. Idempotent; never fails.
	Destroy(ctx context.Context)
}

// BatchOptions configures ExecBatch.
type BatchOptions struct {
	WorkerCount int
	LineTimeout time.Duration
	// BatchTimeout is the remaining batch budget. Zero disables it.
	BatchTimeout time.Duration
	// OnLine receives every line result as it completes. It may be called
	// from several goroutines at once.
	OnLine func(*runinfo.LineResult)
}

// BatchExecutor is implemented by proxies that schedule a whole set of lines
// themselves and enforce line and batch timeouts internally.
type BatchExecutor interface {
	// ExecBatch runs lines and reports whether the batch budget expired.
	ExecBatch(ctx context.Context, lines []map[string]any, runID string, opts BatchOptions) (timedOut bool, err error)
}

// CreateRequest carries what a Factory needs to build a proxy.
type CreateRequest struct {
	Flow        *flow.Flow
	WorkingDir  string
	Connections map[string]any
	Storage     storage.RunStorage
	WorkerCount int
	LineTimeout time.Duration
	Executor    config.ExecutorConfig
}

// Language returns the language of the requested flow.
func (r CreateRequest) Language() (Language, error) {
	if r.Flow == nil {
		return "", failure.System(failure.TargetExecutor, failure.CodeExecutorInit,
			"cannot create an executor without a flow")
	}
	return ParseLanguage(string(r.Flow.Language))
}

func unsupportedLanguage(lang Language) error {
	return failure.System(failure.TargetExecutor, failure.CodeUnsupportedFlowLanguage,
		"flow language %q is not supported, supported languages are %s and %s",
		string(lang), LanguageNative, LanguageExternal)
}

func lineTimeoutError(index int, timeout time.Duration) error {
	return failure.User(failure.TargetExecutor, failure.CodeLineExecutionTimeout,
		"Line %d execution timeout for exceeding %s", index, formatSeconds(timeout))
}

// BatchTimeoutError is the error of a line the batch budget cut off or never
// let start.
func BatchTimeoutError(index int, timeout time.Duration) error {
	return failure.User(failure.TargetBatch, failure.CodeBatchExecutionTimeout,
		"Line %d execution terminated due to the total batch run exceeding the batch timeout (%s).",
		index, formatSeconds(timeout))
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%g seconds", d.Seconds())
}

// FailUnstarted reports lines the batch budget never let start as Failed
// with BatchTimeoutError.
func FailUnstarted(lines []map[string]any, runID string, timeout time.Duration, onLine func(*runinfo.LineResult)) {
	now := time.Now().UTC()
	for _, line := range lines {
		index, _ := runinfo.LineNumberOf(line)
		payload := failure.Present(BatchTimeoutError(index, timeout))
		onLine(runinfo.NewFailedLineResult(runinfo.NewFailedFlowRunInfo(now, line, index, runID, payload)))
	}
}
