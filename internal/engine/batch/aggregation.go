package batch

import (
	"context"
	"fmt"
	"sort"

	"github.com/rshade/flowbatch/internal/flow"
	"github.com/rshade/flowbatch/internal/logging"
	"github.com/rshade/flowbatch/internal/runinfo"
)

// transposeForAggregation turns the completed lines into the column
// lists ExecAggregation expects. Lines are taken in line-number order.
// batchInputs has one column per flow input, taken from the line inputs
// the run scheduled; aggregationInputs has one column per key found in any
// line's aggregation inputs, with nil where a line lacks the key.
func transposeForAggregation(
	lines []*runinfo.LineResult,
	lineInputs map[int]map[string]any,
	inputNames []string,
	f *flow.Flow,
) (batchInputs, aggregationInputs map[string][]any) {
	completed := make([]*runinfo.LineResult, 0, len(lines))
	for _, line := range lines {
		if line.RunInfo != nil && line.RunInfo.Status == runinfo.StatusCompleted {
			completed = append(completed, line)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].RunInfo.LineIndex() < completed[j].RunInfo.LineIndex()
	})

	batchInputs = make(map[string][]any, len(inputNames))
	for _, name := range inputNames {
		batchInputs[name] = make([]any, 0, len(completed))
	}
	aggrNames := map[string]bool{}
	for _, line := range completed {
		for name := range line.AggregationInputs {
			aggrNames[name] = true
		}
	}
	aggregationInputs = make(map[string][]any, len(aggrNames))
	for name := range aggrNames {
		aggregationInputs[name] = make([]any, 0, len(completed))
	}

	for _, line := range completed {
		inputs := lineInputs[line.RunInfo.LineIndex()]
		if f != nil {
			if coerced, err := f.CoerceInputs(inputs); err == nil {
				inputs = coerced
			}
		}
		for _, name := range inputNames {
			batchInputs[name] = append(batchInputs[name], inputs[name])
		}
		for name := range aggrNames {
			aggregationInputs[name] = append(aggregationInputs[name], line.AggregationInputs[name])
		}
	}
	return batchInputs, aggregationInputs
}

// aggregate runs the aggregation pass and persists its node records unless
// the proxy already did.
func (r *batchRun) aggregate(ctx context.Context) (*runinfo.AggregationResult, error) {
	lines, _ := r.acc.snapshot()
	batchInputs, aggregationInputs := transposeForAggregation(lines, r.lineInputs, r.inputNames, r.engine.cfg.Flow)

	logging.FromContext(ctx).Info().Ctx(ctx).
		Str("component", "batch").
		Str("run_id", r.runID).
		Int("lines", countCompleted(lines)).
		Msg("executing aggregation nodes")

	result, err := r.proxy.ExecAggregation(ctx, batchInputs, aggregationInputs, r.runID)
	if err != nil {
		return nil, classify(err, "executing aggregation nodes")
	}
	if result == nil {
		result = runinfo.NewAggregationResult()
	}
	if !r.caps.PersistsAggregationRuns {
		for _, name := range sortedNodeNames(result.NodeRunInfos) {
			if err = r.engine.storage.PersistNodeRun(ctx, result.NodeRunInfos[name]); err != nil {
				return nil, classify(fmt.Errorf("persisting aggregation node %s: %w", name, err),
					"persisting aggregation node runs")
			}
		}
	}
	return result, nil
}

func countCompleted(lines []*runinfo.LineResult) int {
	n := 0
	for _, line := range lines {
		if line.RunInfo != nil && line.RunInfo.Status == runinfo.StatusCompleted {
			n++
		}
	}
	return n
}

func sortedNodeNames(infos map[string]*runinfo.NodeRunInfo) []string {
	names := make([]string, 0, len(infos))
	for name, info := range infos {
		if info != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
