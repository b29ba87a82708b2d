package flow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/runinfo"
)

func loadExecutor(t *testing.T, name string, tools *ToolRegistry) *Executor {
	t.Helper()
	f, err := Load(filepath.Join("testdata", name))
	require.NoError(t, err)
	return NewExecutor(f, tools)
}

func TestExecLine_Success(t *testing.T) {
	e := loadExecutor(t, "basic.yaml", nil)

	res := e.ExecLine(context.Background(), map[string]any{"name": "Ada", runinfo.LineNumberKey: 4}, 4, "run")
	require.NotNil(t, res)

	info := res.RunInfo
	assert.Equal(t, runinfo.StatusCompleted, info.Status)
	assert.Nil(t, info.Error)
	assert.Equal(t, "run_4", info.RunID)
	assert.Equal(t, "run", info.RootRunID)
	assert.Equal(t, 4, info.LineIndex())
	assert.Equal(t, "greet", info.FlowID)
	assert.Equal(t, map[string]any{"greeting": "Hello Ada x1", "size": 12}, res.Output)
	assert.Empty(t, res.AggregationInputs)

	require.Len(t, res.NodeRunInfos, 2)
	render := res.NodeRunInfos["render"]
	assert.Equal(t, runinfo.StatusCompleted, render.Status)
	assert.Equal(t, "run_4_render_4", render.RunID)
	assert.Equal(t, "run_4", render.ParentRunID)
	assert.Equal(t, 4, *render.Index)
	assert.Contains(t, render.SystemMetrics, MetricDuration)

	require.Len(t, info.APICalls, 1)
	assert.Len(t, info.APICalls[0].Children, 2)
}

func TestExecLine_ToolFailureIsUserError(t *testing.T) {
	e := loadExecutor(t, "aggregation.yaml", nil)

	res := e.ExecLine(context.Background(), map[string]any{"value": 1, "should_fail": true}, 1, "run")

	assert.Equal(t, runinfo.StatusFailed, res.RunInfo.Status)
	require.NotNil(t, res.RunInfo.Error)
	assert.True(t, res.RunInfo.Error.IsUserError())
	assert.Equal(t, failure.CodeToolExecution, res.RunInfo.Error.InnermostCode())
	assert.Contains(t, res.RunInfo.Error.Message, "Execution failure in 'guard'")
	assert.Contains(t, res.RunInfo.Error.Message, "line rejected")
	assert.Empty(t, res.Output)
	assert.Empty(t, res.AggregationInputs)

	assert.Equal(t, runinfo.StatusFailed, res.NodeRunInfos["guard"].Status)
	assert.NotContains(t, res.NodeRunInfos, "score", "nodes after the failure are not started")
}

func TestExecLine_AggregationInputsAndTokens(t *testing.T) {
	e := loadExecutor(t, "aggregation.yaml", nil)

	res := e.ExecLine(context.Background(), map[string]any{"value": "2.5"}, 0, "run")
	require.Equal(t, runinfo.StatusCompleted, res.RunInfo.Status, "%+v", res.RunInfo.Error)

	assert.Equal(t, map[string]any{"score": 2.5}, res.Output)
	assert.Equal(t, map[string]any{"score": 2.5}, res.AggregationInputs)

	score := res.NodeRunInfos["score"]
	assert.Equal(t, 3, score.SystemMetrics[MetricPromptTokens])
	assert.Equal(t, 5, score.SystemMetrics[MetricTotalTokens])
	assert.Equal(t, 5, res.RunInfo.SystemMetrics[MetricTotalTokens])
}

func TestExecLine_MissingInput(t *testing.T) {
	e := loadExecutor(t, "basic.yaml", nil)

	res := e.ExecLine(context.Background(), map[string]any{}, 0, "run")
	assert.Equal(t, runinfo.StatusFailed, res.RunInfo.Status)
	assert.Equal(t, failure.CodeInputMapping, res.RunInfo.Error.InnermostCode())
}

func TestExecLine_BadInputType(t *testing.T) {
	e := loadExecutor(t, "basic.yaml", nil)

	res := e.ExecLine(context.Background(), map[string]any{"name": "x", "times": "many"}, 0, "run")
	assert.Equal(t, runinfo.StatusFailed, res.RunInfo.Status)
	assert.Equal(t, failure.CodeInputType, res.RunInfo.Error.InnermostCode())
}

func TestExecLine_Timeout(t *testing.T) {
	f, err := Parse([]byte(`name: slow
nodes:
  - {name: nap, tool: sleep, inputs: {seconds: 5}}
`))
	require.NoError(t, err)
	e := NewExecutor(f, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := e.ExecLine(ctx, map[string]any{}, 2, "run")
	assert.Equal(t, runinfo.StatusFailed, res.RunInfo.Status)
	assert.True(t, res.RunInfo.Error.IsUserError())
	assert.Equal(t, failure.CodeLineExecutionTimeout, res.RunInfo.Error.InnermostCode())
}

func TestExecLine_Canceled(t *testing.T) {
	e := loadExecutor(t, "basic.yaml", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.ExecLine(ctx, map[string]any{"name": "x"}, 0, "run")
	assert.Equal(t, runinfo.StatusCanceled, res.RunInfo.Status)
}

func TestExecLine_ToolPanicAndUnknownTool(t *testing.T) {
	tools := NewToolRegistry()
	require.NoError(t, tools.Register("boom", ToolFunc(func(context.Context, map[string]any) (any, error) {
		panic("kaput")
	})))
	f, err := Parse([]byte(`name: x
nodes:
  - {name: a, tool: boom}
`))
	require.NoError(t, err)

	res := NewExecutor(f, tools).ExecLine(context.Background(), nil, 0, "run")
	assert.Equal(t, failure.CodeToolExecution, res.RunInfo.Error.InnermostCode())
	assert.Contains(t, res.RunInfo.Error.Message, "kaput")

	f2, err := Parse([]byte(`name: y
nodes:
  - {name: a, tool: missing}
`))
	require.NoError(t, err)
	res = NewExecutor(f2, tools).ExecLine(context.Background(), nil, 0, "run")
	assert.Equal(t, failure.CodeToolNotFound, res.RunInfo.Error.InnermostCode())
}

func TestExecAggregation(t *testing.T) {
	e := loadExecutor(t, "aggregation.yaml", nil)

	res, err := e.ExecAggregation(context.Background(),
		map[string][]any{"value": {1.0, 2.0, 3.0}},
		map[string][]any{"score": {1.0, 2.0, 3.0}},
		"run")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"total_score": 6.0, "mean": 2.0}, res.Metrics)
	assert.Equal(t, map[string]any{"total": 6.0}, res.Output)

	total := res.NodeRunInfos["total"]
	require.NotNil(t, total)
	assert.Equal(t, runinfo.StatusCompleted, total.Status)
	assert.Nil(t, total.Index)
	assert.Equal(t, "run_total_reduce", total.RunID)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, total.Inputs["values"])
}

func TestExecAggregation_NodeFailureRecorded(t *testing.T) {
	e := loadExecutor(t, "aggregation.yaml", nil)

	res, err := e.ExecAggregation(context.Background(),
		map[string][]any{"value": {}},
		map[string][]any{"score": {}},
		"run")
	require.NoError(t, err)

	assert.Equal(t, runinfo.StatusCompleted, res.NodeRunInfos["total"].Status)
	average := res.NodeRunInfos["average"]
	require.NotNil(t, average)
	assert.Equal(t, runinfo.StatusFailed, average.Status)
	assert.Contains(t, average.Error.Message, "mean of an empty list")
}

func TestExecAggregation_NoAggregationNodes(t *testing.T) {
	e := loadExecutor(t, "basic.yaml", nil)
	res, err := e.ExecAggregation(context.Background(), nil, nil, "run")
	require.NoError(t, err)
	assert.Empty(t, res.Metrics)
	assert.Empty(t, res.NodeRunInfos)
}

func TestToolRegistry(t *testing.T) {
	r := DefaultTools()
	assert.Contains(t, r.Names(), "sum")
	err := r.Register("sum", ToolFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }))
	assert.ErrorIs(t, err, ErrToolExists)

	_, ok := r.Lookup("nope")
	assert.False(t, ok)
}

func TestBuiltinTools(t *testing.T) {
	ctx := context.Background()

	out, err := countTool(ctx, map[string]any{"values": []any{"a", "b", "a"}, "match": "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	out, err = failTool(ctx, map[string]any{"when": false, "value": 9})
	require.NoError(t, err)
	assert.Equal(t, 9, out)

	_, err = failTool(ctx, map[string]any{})
	require.Error(t, err)

	_, err = sumTool(ctx, map[string]any{"values": []any{1, "x"}})
	require.Error(t, err)

	_, err = templateTool(ctx, map[string]any{"template": "{{.missing}}"})
	require.Error(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = sleepTool(cctx, map[string]any{"seconds": 10})
	assert.True(t, errors.Is(err, context.Canceled))

	assert.False(t, LogMetric(ctx, "x", 1), "metrics outside aggregation are dropped")
}
