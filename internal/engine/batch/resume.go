package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/rshade/flowbatch/internal/flow"
	"github.com/rshade/flowbatch/internal/logging"
	"github.com/rshade/flowbatch/internal/runinfo"
	"github.com/rshade/flowbatch/internal/storage"
)

// resume copies the completed lines of a previous run into this run and
// returns the lines that still need executing. Lines are matched by line
// number only, unless strict is set, in which case a line whose stored
// inputs differ from the new inputs is executed again.
func (r *batchRun) resume(
	ctx context.Context,
	src storage.ResumeSource,
	lines []map[string]any,
	strict bool,
) ([]map[string]any, error) {
	logger := logging.FromContext(ctx)
	pending := make([]map[string]any, 0, len(lines))
	reused := 0

	for _, line := range lines {
		index, _ := runinfo.LineNumberOf(line)
		prev, err := src.LoadFlowRunInfo(ctx, index)
		if err != nil {
			return nil, resumeCopyError(err)
		}
		if prev == nil || prev.Status != runinfo.StatusCompleted {
			pending = append(pending, line)
			continue
		}
		if strict && !sameInputs(prev.Inputs, line) {
			logger.Info().Ctx(ctx).
				Str("component", "batch").
				Int("line", index).
				Msg("inputs changed since the previous run, executing line again")
			pending = append(pending, line)
			continue
		}

		if !r.acc.reserve() {
			return nil, errRunAbandoned
		}
		result, err := r.copyLine(ctx, src, prev, index)
		if err != nil {
			r.acc.release()
			return nil, resumeCopyError(err)
		}
		r.acc.commit(result)
		r.observe(ctx, result)
		reused++
	}

	logger.Info().Ctx(ctx).
		Str("component", "batch").
		Int("reused", reused).
		Int("pending", len(pending)).
		Msg("resumed from previous run")
	return pending, nil
}

// copyLine rewrites the lineage of a previous line record to this run and
// stores it, node records first. Aggregation node records filed under the
// line are skipped.
func (r *batchRun) copyLine(
	ctx context.Context,
	src storage.ResumeSource,
	prev *runinfo.FlowRunInfo,
	index int,
) (*runinfo.LineResult, error) {
	info, err := prev.Clone()
	if err != nil {
		return nil, err
	}
	info.RootRunID = r.runID
	info.ParentRunID = r.runID

	nodes, err := src.LoadNodeRunInfosForLine(ctx, index)
	if err != nil {
		return nil, err
	}
	f := r.engine.cfg.Flow
	result := &runinfo.LineResult{
		Output:            info.Output,
		AggregationInputs: map[string]any{},
		RunInfo:           info,
		NodeRunInfos:      make(map[string]*runinfo.NodeRunInfo, len(nodes)),
	}
	if result.Output == nil {
		result.Output = map[string]any{}
	}
	for _, node := range nodes {
		if node == nil || node.Index == nil || (f != nil && f.IsAggregationNode(node.Node)) {
			continue
		}
		if err = r.engine.storage.PersistNodeRun(ctx, node); err != nil {
			return nil, fmt.Errorf("copying node %s of line %d: %w", node.Node, index, err)
		}
		result.NodeRunInfos[node.Node] = node
	}
	if err = r.engine.storage.UpdateFlowRunInfo(ctx, info); err != nil {
		return nil, fmt.Errorf("copying line %d: %w", index, err)
	}
	fillAggregationInputs(result, f)
	return result, nil
}

// fillAggregationInputs rebuilds the aggregation inputs of a copied line
// from the outputs of the nodes aggregation reads.
func fillAggregationInputs(result *runinfo.LineResult, f *flow.Flow) {
	if f == nil {
		return
	}
	for _, name := range f.AggregationSources() {
		if node, ok := result.NodeRunInfos[name]; ok {
			result.AggregationInputs[name] = node.Output
		}
	}
}

func sameInputs(stored, current map[string]any) bool {
	a, errA := json.Marshal(withoutLineNumber(stored))
	b, errB := json.Marshal(withoutLineNumber(current))
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func withoutLineNumber(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k != runinfo.LineNumberKey {
			out[k] = v
		}
	}
	return out
}
