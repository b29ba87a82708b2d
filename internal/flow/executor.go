package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/logging"
	"github.com/rshade/flowbatch/internal/runinfo"
)

// Executor runs a flow for single lines and for the aggregation pass.
// It is safe for concurrent use.
type Executor struct {
	flow  *Flow
	tools *ToolRegistry
	now   func() time.Time
}

// NewExecutor returns an executor for f. A nil registry means DefaultTools.
func NewExecutor(f *Flow, tools *ToolRegistry) *Executor {
	if tools == nil {
		tools = DefaultTools()
	}
	return &Executor{flow: f, tools: tools, now: func() time.Time { return time.Now().UTC() }}
}

// Flow returns the executed flow.
func (e *Executor) Flow() *Flow { return e.flow }

// ExecLine runs the line nodes for one line. Node failures are recorded in
// the returned result; ExecLine never returns a nil result.
func (e *Executor) ExecLine(ctx context.Context, inputs map[string]any, index int, runID string) *runinfo.LineResult {
	start := e.now()
	lineRunID := runinfo.LineRunID(runID, index)
	logger := logging.FromContext(ctx)

	info := &runinfo.FlowRunInfo{
		RunID:       lineRunID,
		Status:      runinfo.StatusRunning,
		Inputs:      inputs,
		ParentRunID: runID,
		RootRunID:   runID,
		SourceRunID: runID,
		FlowID:      e.flow.Name,
		StartTime:   start,
		Index:       runinfo.IntPtr(index),
	}
	result := &runinfo.LineResult{
		Output:            map[string]any{},
		AggregationInputs: map[string]any{},
		RunInfo:           info,
		NodeRunInfos:      map[string]*runinfo.NodeRunInfo{},
	}

	lineInputs := e.flow.ApplyDefaults(withoutLineNumber(inputs))
	lineInputs, err := e.flow.CoerceInputs(lineInputs)
	if err != nil {
		e.finishLine(result, err, nil)
		return result
	}
	if err = e.checkRequiredInputs(lineInputs); err != nil {
		e.finishLine(result, err, nil)
		return result
	}

	outputs := make(map[string]any, len(e.flow.lineOrder))
	var calls []runinfo.APICall
	for _, node := range e.flow.lineOrder {
		if ctxErr := lineContextError(ctx); ctxErr != nil {
			e.finishLine(result, ctxErr, calls)
			return result
		}

		lookup := func(ref reference) (any, error) {
			if ref.isInput() {
				return lineInputs[ref.path[0]], nil
			}
			out, ok := outputs[ref.source]
			if !ok {
				return nil, fmt.Errorf("node %q has not produced an output", ref.source)
			}
			return walkPath(out, ref.path)
		}

		nodeInfo, call, nodeErr := e.runNode(ctx, node, lookup, lineRunID, runinfo.IntPtr(index))
		result.NodeRunInfos[node.Name] = nodeInfo
		calls = append(calls, call)
		if nodeErr != nil {
			logger.Debug().Ctx(ctx).
				Str("component", "flow").
				Str("node", node.Name).
				Int("line", index).
				Err(nodeErr).
				Msg("node failed")
			e.finishLine(result, nodeErr, calls)
			return result
		}
		outputs[node.Name] = nodeInfo.Output
	}

	lineOutputs, err := e.resolveOutputs(lineInputs, outputs, false)
	if err != nil {
		e.finishLine(result, err, calls)
		return result
	}
	result.Output = lineOutputs
	for _, name := range e.flow.AggregationSources() {
		if out, ok := outputs[name]; ok {
			result.AggregationInputs[name] = out
		}
	}
	e.finishLine(result, nil, calls)
	return result
}

// ExecAggregation runs the aggregation nodes once over column-oriented
// values. batchInputs holds flow inputs and aggregationInputs holds the
// collected outputs of line nodes referenced by aggregation nodes, both
// aligned to the same successful lines. A failing node is recorded in the
// result and stops the nodes after it.
func (e *Executor) ExecAggregation(
	ctx context.Context,
	batchInputs map[string][]any,
	aggregationInputs map[string][]any,
	runID string,
) (*runinfo.AggregationResult, error) {
	result := runinfo.NewAggregationResult()
	if !e.flow.HasAggregation() {
		return result, nil
	}

	ctx, sink := withMetricSink(ctx)
	outputs := make(map[string]any, len(e.flow.aggrOrder))
	for _, node := range e.flow.aggrOrder {
		if err := ctx.Err(); err != nil {
			return result, failure.Wrap(failure.CategorySystem, failure.TargetFlow,
				failure.CodeLineExecutionCanceled, err, "aggregation interrupted: %v", err)
		}

		lookup := func(ref reference) (any, error) {
			if ref.isInput() {
				return toAnySlice(batchInputs[ref.path[0]]), nil
			}
			if out, ok := outputs[ref.source]; ok {
				return walkPath(out, ref.path)
			}
			column, ok := aggregationInputs[ref.source]
			if !ok {
				return nil, failure.User(failure.TargetFlow, failure.CodeAggregationInputNotAligned,
					"aggregation input for node %q is missing", ref.source)
			}
			values := make([]any, len(column))
			for i, v := range column {
				resolved, err := walkPath(v, ref.path)
				if err != nil {
					return nil, err
				}
				values[i] = resolved
			}
			return values, nil
		}

		nodeInfo, _, nodeErr := e.runNode(ctx, node, lookup, runID, nil)
		result.NodeRunInfos[node.Name] = nodeInfo
		if nodeErr != nil {
			break
		}
		outputs[node.Name] = nodeInfo.Output
	}

	result.Metrics = sink.snapshot()
	if aggOutputs, err := e.resolveOutputs(nil, outputs, true); err == nil {
		result.Output = aggOutputs
	}
	return result, nil
}

// runNode resolves the node's inputs, invokes its tool, and records the
// outcome. The returned error is the classified node failure.
func (e *Executor) runNode(
	ctx context.Context,
	node Node,
	lookup func(reference) (any, error),
	flowRunID string,
	index *int,
) (*runinfo.NodeRunInfo, runinfo.APICall, error) {
	start := e.now()
	info := &runinfo.NodeRunInfo{
		Node:        node.Name,
		FlowRunID:   flowRunID,
		RunID:       runinfo.NodeRunID(flowRunID, node.Name, index),
		ParentRunID: flowRunID,
		Status:      runinfo.StatusRunning,
		StartTime:   start,
		Index:       index,
	}
	call := runinfo.APICall{Name: node.Tool, Type: "Tool", StartTime: start}

	args, err := resolveArgs(node, lookup)
	if err != nil {
		err = failure.Wrap(failure.CategoryUser, failure.TargetFlow, failure.CodeInvalidFlow, err,
			"resolving inputs of node '%s': %v", node.Name, err)
		return e.finishNode(info, call, nil, err, nil)
	}
	info.Inputs = args
	call.Inputs = args

	tool, ok := e.tools.Lookup(node.Tool)
	if !ok {
		err = failure.User(failure.TargetTool, failure.CodeToolNotFound,
			"tool '%s' used by node '%s' is not registered", node.Tool, node.Name)
		return e.finishNode(info, call, nil, err, nil)
	}

	toolCtx, u := withUsage(ctx)
	out, err := invokeTool(toolCtx, tool, args)
	if err != nil {
		err = classifyToolError(ctx, node, err)
	}
	return e.finishNode(info, call, out, err, u.systemMetrics())
}

func (e *Executor) finishNode(
	info *runinfo.NodeRunInfo,
	call runinfo.APICall,
	out any,
	err error,
	tokens map[string]any,
) (*runinfo.NodeRunInfo, runinfo.APICall, error) {
	end := e.now()
	info.EndTime = end
	call.EndTime = end

	metrics := map[string]any{MetricDuration: end.Sub(info.StartTime).Seconds()}
	for k, v := range tokens {
		metrics[k] = v
	}
	info.SystemMetrics = metrics
	call.SystemMetrics = tokens

	if err != nil {
		info.Status = statusFor(err)
		info.Error = failure.Present(err)
		call.Error = info.Error
	} else {
		info.Status = runinfo.StatusCompleted
		info.Output = out
		call.Output = out
	}
	info.APICalls = []runinfo.APICall{call}
	return info, call, err
}

func (e *Executor) finishLine(result *runinfo.LineResult, err error, calls []runinfo.APICall) {
	info := result.RunInfo
	info.EndTime = e.now()

	metrics := map[string]any{MetricDuration: info.EndTime.Sub(info.StartTime).Seconds()}
	var prompt, completion int
	var reported bool
	for _, c := range calls {
		if c.SystemMetrics == nil {
			continue
		}
		reported = true
		p, _ := c.SystemMetrics[MetricPromptTokens].(int)
		cp, _ := c.SystemMetrics[MetricCompletionTokens].(int)
		prompt += p
		completion += cp
	}
	if reported {
		metrics[MetricPromptTokens] = prompt
		metrics[MetricCompletionTokens] = completion
		metrics[MetricTotalTokens] = prompt + completion
	}
	info.SystemMetrics = metrics
	info.APICalls = []runinfo.APICall{{
		Name:      e.flow.Name,
		Type:      "Flow",
		Inputs:    info.Inputs,
		StartTime: info.StartTime,
		EndTime:   info.EndTime,
		Children:  calls,
	}}

	if err != nil {
		info.Status = statusFor(err)
		info.Error = failure.Present(err)
		info.APICalls[0].Error = info.Error
		result.Output = map[string]any{}
		result.AggregationInputs = map[string]any{}
		return
	}
	info.Status = runinfo.StatusCompleted
	info.Output = result.Output
	info.APICalls[0].Output = result.Output
}

func (e *Executor) checkRequiredInputs(inputs map[string]any) error {
	for _, name := range e.flow.InputNames() {
		if _, ok := inputs[name]; !ok {
			return failure.User(failure.TargetInputs, failure.CodeInputMapping,
				"input '%s' is required by the flow but was not provided", name)
		}
	}
	return nil
}

// resolveOutputs evaluates the flow outputs. With aggregation false only
// outputs that do not reference aggregation nodes are produced, and the
// reverse with aggregation true.
func (e *Executor) resolveOutputs(inputs, nodeOutputs map[string]any, aggregation bool) (map[string]any, error) {
	out := map[string]any{}
	for name, def := range e.flow.Outputs {
		ref, _, err := parseReference(def.Reference)
		if err != nil {
			return nil, err
		}
		if !ref.isInput() && e.flow.IsAggregationNode(ref.source) != aggregation {
			continue
		}
		if ref.isInput() && aggregation {
			continue
		}
		var v any
		if ref.isInput() {
			v = inputs[ref.path[0]]
		} else {
			nodeOut, ok := nodeOutputs[ref.source]
			if !ok {
				if aggregation {
					continue
				}
				return nil, failure.User(failure.TargetFlow, failure.CodeFlowOutputNotFound,
					"output '%s' references node '%s' which produced no output", name, ref.source)
			}
			if v, err = walkPath(nodeOut, ref.path); err != nil {
				return nil, failure.User(failure.TargetFlow, failure.CodeFlowOutputNotFound,
					"output '%s': %v", name, err)
			}
		}
		if def.Type != "" {
			if v, err = Coerce(def.Type, v); err != nil {
				return nil, fmt.Errorf("output %q: %w", name, err)
			}
		}
		out[name] = v
	}
	return out, nil
}

func resolveArgs(node Node, lookup func(reference) (any, error)) (map[string]any, error) {
	args := make(map[string]any, len(node.Inputs))
	for k, v := range node.Inputs {
		r, err := resolveValue(v, lookup)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", k, err)
		}
		args[k] = r
	}
	return args, nil
}

// invokeTool calls the tool and turns a panic into an error.
func invokeTool(ctx context.Context, tool Tool, args map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Invoke(ctx, args)
}

func classifyToolError(ctx context.Context, node Node, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Wrap(failure.CategoryUser, failure.TargetFlow, failure.CodeLineExecutionTimeout, err,
			"Line execution timeout while running node '%s'.", node.Name)
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return failure.Wrap(failure.CategorySystem, failure.TargetFlow, failure.CodeLineExecutionCanceled, err,
			"Line execution canceled while running node '%s'.", node.Name)
	}
	if _, classified := failure.As(err); classified {
		return err
	}
	return failure.Wrap(failure.CategoryUser, failure.TargetTool, failure.CodeToolExecution, err,
		"Execution failure in '%s': %s", node.Name, failure.TypeAndMessage(err))
}

func lineContextError(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return failure.Wrap(failure.CategoryUser, failure.TargetFlow, failure.CodeLineExecutionTimeout, err,
			"Line execution timeout.")
	default:
		return failure.Wrap(failure.CategorySystem, failure.TargetFlow, failure.CodeLineExecutionCanceled, err,
			"Line execution canceled.")
	}
}

func statusFor(err error) runinfo.Status {
	if failure.HasCode(err, failure.CodeLineExecutionCanceled) {
		return runinfo.StatusCanceled
	}
	return runinfo.StatusFailed
}

func withoutLineNumber(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if k == runinfo.LineNumberKey {
			continue
		}
		out[k] = v
	}
	return out
}

func toAnySlice(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}
