// Package remote runs a flow in a separate executor process and talks to
// it over gRPC. The process is started by a Launcher, watched through the
// standard gRPC health service, and torn down by Destroy.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/rshade/flowbatch/internal/executor"
	"github.com/rshade/flowbatch/internal/executor/wire"
	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/flow"
	"github.com/rshade/flowbatch/internal/logging"
	"github.com/rshade/flowbatch/internal/runinfo"
)

// Health wait settings.
const (
	DefaultHealthTimeout = 5 * time.Minute
	healthPollInterval   = time.Second
	healthCheckTimeout   = 2 * time.Second
)

// Proxy is an executor.Proxy backed by an executor process.
type Proxy struct {
	handle        *Handle
	client        *wire.Client
	flow          *flow.Flow
	healthTimeout time.Duration
	strict        bool

	mu   sync.Mutex
	info *wire.InfoResponse

	destroyOnce sync.Once
}

var _ executor.Proxy = (*Proxy)(nil)

// NewProxy wraps a running executor.
func NewProxy(handle *Handle, f *flow.Flow, healthTimeout time.Duration, strict bool) *Proxy {
	if healthTimeout <= 0 {
		healthTimeout = DefaultHealthTimeout
	}
	return &Proxy{
		handle:        handle,
		client:        wire.NewClient(handle.Conn),
		flow:          f,
		healthTimeout: healthTimeout,
		strict:        strict,
	}
}

// NewFactory returns the Factory of LanguageExternal. self is the path of
// the flowbatch binary, used when the flow does not name its own executor
// command.
func NewFactory(launcher Launcher, self string) executor.Factory {
	return func(ctx context.Context, req executor.CreateRequest) (executor.Proxy, error) {
		command, args := executorCommand(req, self)
		handle, err := launcher.Start(ctx, command, args...)
		if err != nil {
			return nil, failure.Wrap(failure.CategorySystem, failure.TargetExecutor, failure.CodeExecutorInit, err,
				"Failed to start the executor process %s: %v", filepath.Base(command), err)
		}
		return NewProxy(handle, req.Flow, time.Duration(req.Executor.HealthTimeoutSec)*time.Second,
			req.Executor.StrictCompatibility), nil
	}
}

// executorCommand picks the executor command. Precedence: the configured
// command, the flow's executor command, then "<self> executor serve".
func executorCommand(req executor.CreateRequest, self string) (string, []string) {
	var args []string
	if req.Flow.Executor != nil {
		args = append(args, req.Flow.Executor.Args...)
	}
	args = append(args, req.Executor.Args...)

	switch {
	case req.Executor.Command != "":
		return req.Executor.Command, args
	case req.Flow.Executor != nil && req.Flow.Executor.Command != "":
		command := req.Flow.Executor.Command
		if !filepath.IsAbs(command) && req.WorkingDir != "" && filepath.Base(command) != command {
			command = filepath.Join(req.WorkingDir, command)
		}
		return command, args
	default:
		serve := []string{"executor", "serve", "--flow", req.Flow.Path()}
		if req.LineTimeout > 0 {
			serve = append(serve, "--line-timeout", strconv.Itoa(int(req.LineTimeout.Seconds())))
		}
		return self, append(serve, args...)
	}
}

// SelfPath returns the running binary, for NewFactory.
func SelfPath() string {
	if p, err := os.Executable(); err == nil {
		return p
	}
	return os.Args[0]
}

// EnsureExecutorHealth polls the health service every second until the
// executor is serving, the process exits, or the health timeout passes.
// It then checks the executor's protocol version.
func (p *Proxy) EnsureExecutorHealth(ctx context.Context) error {
	log := logging.FromContext(ctx)
	waitCtx, cancel := context.WithTimeout(ctx, p.healthTimeout)
	defer cancel()

	health := healthpb.NewHealthClient(p.handle.Conn)
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		if p.processExited() {
			return failure.System(failure.TargetExecutor, failure.CodeExecutorServiceUnhealthy,
				"The executor process exited before it became healthy.")
		}
		checkCtx, checkCancel := context.WithTimeout(waitCtx, healthCheckTimeout)
		resp, err := health.Check(checkCtx, &healthpb.HealthCheckRequest{Service: wire.ServiceName})
		checkCancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			break
		}
		log.Debug().Ctx(ctx).
			Str("component", "executor").
			Err(err).
			Msg("executor not healthy yet")

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return failure.System(failure.TargetExecutor, failure.CodeExecutorServiceUnhealthy,
				"The executor service is still not healthy after %s.", p.healthTimeout)
		case <-p.handle.Done:
			return failure.System(failure.TargetExecutor, failure.CodeExecutorServiceUnhealthy,
				"The executor process exited before it became healthy.")
		case <-ticker.C:
		}
	}

	return p.checkVersion(ctx)
}

func (p *Proxy) processExited() bool {
	if p.handle.Done == nil {
		return false
	}
	select {
	case <-p.handle.Done:
		return true
	default:
		return false
	}
}

func (p *Proxy) checkVersion(ctx context.Context) error {
	log := logging.FromContext(ctx)
	var info wire.InfoResponse
	if err := p.client.Call(ctx, wire.MethodInfo, nil, &info); err != nil {
		return failure.Wrap(failure.CategorySystem, failure.TargetExecutor, failure.CodeExecutorTransport, err,
			"Failed to get executor info: %v", err)
	}
	p.mu.Lock()
	p.info = &info
	p.mu.Unlock()

	result, err := CompareVersions(wire.ProtocolVersion, info.ProtocolVersion)
	if err != nil {
		log.Warn().Ctx(ctx).Str("component", "executor").Err(err).Msg("failed to parse executor protocol version")
		return nil
	}
	if result != MajorMismatch {
		return nil
	}
	log.Warn().Ctx(ctx).
		Str("component", "executor").
		Str("core_protocol", wire.ProtocolVersion).
		Str("executor_protocol", info.ProtocolVersion).
		Msg("executor protocol version mismatch: this may cause instability")
	if p.strict {
		return failure.System(failure.TargetExecutor, failure.CodeExecutorIncompatible,
			"executor protocol version %s is incompatible with %s", info.ProtocolVersion, wire.ProtocolVersion)
	}
	return nil
}

// Info returns the executor info fetched by EnsureExecutorHealth.
func (p *Proxy) Info() (wire.InfoResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.info == nil {
		return wire.InfoResponse{}, false
	}
	return *p.info, true
}

// ExecLine sends one line to the executor. Transport failures are returned
// as errors; any other call failure becomes a Failed line result.
func (p *Proxy) ExecLine(
	ctx context.Context,
	inputs map[string]any,
	index int,
	runID string,
) (*runinfo.LineResult, error) {
	start := time.Now().UTC()
	var result runinfo.LineResult
	err := p.client.Call(ctx, wire.MethodExecLine, wire.ExecLineRequest{Inputs: inputs, Index: index, RunID: runID}, &result)
	if err == nil {
		return &result, nil
	}
	if transportErr := p.transportError(ctx, err); transportErr != nil {
		return nil, transportErr
	}
	payload := failure.Present(failure.Unexpected(failure.TargetExecutor, err, fmt.Sprintf("executing line %d", index)))
	return runinfo.NewFailedLineResult(runinfo.NewFailedFlowRunInfo(start, inputs, index, runID, payload)), nil
}

// ExecAggregation sends the aggregation pass to the executor.
func (p *Proxy) ExecAggregation(
	ctx context.Context,
	batchInputs, aggregationInputs map[string][]any,
	runID string,
) (*runinfo.AggregationResult, error) {
	result := runinfo.NewAggregationResult()
	err := p.client.Call(ctx, wire.MethodExecAggregation, wire.ExecAggregationRequest{
		BatchInputs:       batchInputs,
		AggregationInputs: aggregationInputs,
		RunID:             runID,
	}, result)
	if err != nil {
		if transportErr := p.transportError(ctx, err); transportErr != nil {
			return nil, transportErr
		}
		return nil, failure.Wrap(failure.CategorySystem, failure.TargetExecutor, failure.CodeAggregationExecution, err,
			"Executor failed the aggregation pass: %v", err)
	}
	return result, nil
}

// InputsDefinition asks the executor for the flow inputs.
func (p *Proxy) InputsDefinition(ctx context.Context) (map[string]flow.InputDefinition, error) {
	var resp struct {
		Inputs map[string]flow.InputDefinition `json:"inputs"`
	}
	if err := p.client.Call(ctx, wire.MethodInputsDefinition, nil, &resp); err != nil {
		return nil, failure.Wrap(failure.CategorySystem, failure.TargetExecutor, failure.CodeExecutorTransport, err,
			"Failed to get the flow inputs from the executor: %v", err)
	}
	return resp.Inputs, nil
}

// Capabilities of an external flow. Aggregation node records come back in
// the result and are persisted by the engine.
func (p *Proxy) Capabilities() executor.Capabilities {
	return executor.Capabilities{
		ShouldApplyInputsMapping: true,
		AllowAggregation:         true,
		HasAggregation:           p.flow != nil && p.flow.HasAggregation(),
	}
}

// Destroy closes the connection and stops the process.
func (p *Proxy) Destroy(ctx context.Context) {
	p.destroyOnce.Do(func() {
		if p.handle.Close == nil {
			return
		}
		if err := p.handle.Close(); err != nil {
			logging.FromContext(ctx).Warn().Ctx(ctx).
				Str("component", "executor").
				Err(err).
				Msg("error closing executor")
		}
	})
}

// transportError returns the error to raise when err means the executor
// could not be reached, or nil when err is a failure of the call itself.
func (p *Proxy) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	code := status.Code(err)
	if code != codes.Unavailable && code != codes.Canceled && !p.processExited() {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return failure.Wrap(failure.CategorySystem, failure.TargetExecutor, failure.CodeExecutorTransport, err,
		"The executor could not be reached: %v", err)
}
