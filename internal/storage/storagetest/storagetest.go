// Package storagetest holds the behavior every run storage backend must
// share, as a reusable test suite.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/flowbatch/internal/runinfo"
)

// Store is the union of the storage contracts exercised by the suite.
type Store interface {
	PersistFlowRun(ctx context.Context, info *runinfo.FlowRunInfo) error
	PersistNodeRun(ctx context.Context, info *runinfo.NodeRunInfo) error
	UpdateFlowRunInfo(ctx context.Context, info *runinfo.FlowRunInfo) error
	LoadFlowRunInfo(ctx context.Context, index int) (*runinfo.FlowRunInfo, error)
	LoadNodeRunInfosForLine(ctx context.Context, index int) ([]*runinfo.NodeRunInfo, error)
}

// FlowRun builds a completed flow run record for line index.
func FlowRun(runID string, index int) *runinfo.FlowRunInfo {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &runinfo.FlowRunInfo{
		RunID:       runinfo.LineRunID(runID, index),
		Status:      runinfo.StatusCompleted,
		Inputs:      map[string]any{"question": "q", runinfo.LineNumberKey: float64(index)},
		Output:      map[string]any{"answer": "a"},
		ParentRunID: runID,
		RootRunID:   runID,
		FlowID:      "flow",
		StartTime:   start,
		EndTime:     start.Add(time.Second),
		Index:       runinfo.IntPtr(index),
	}
}

// NodeRun builds a completed node run record. A nil index marks an
// aggregation node.
func NodeRun(runID, node string, index *int) *runinfo.NodeRunInfo {
	flowRunID := runID
	if index != nil {
		flowRunID = runinfo.LineRunID(runID, *index)
	}
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &runinfo.NodeRunInfo{
		Node:        node,
		FlowRunID:   flowRunID,
		RunID:       runinfo.NodeRunID(flowRunID, node, index),
		ParentRunID: flowRunID,
		Status:      runinfo.StatusCompleted,
		Inputs:      map[string]any{"value": "x"},
		Output:      "x",
		StartTime:   start,
		EndTime:     start.Add(time.Millisecond),
		Index:       index,
	}
}

// Run exercises store. newStore must return an empty store bound to runID.
func Run(t *testing.T, newStore func(t *testing.T, runID string) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing flow run loads as nil", func(t *testing.T) {
		s := newStore(t, "run-missing")
		info, err := s.LoadFlowRunInfo(ctx, 7)
		require.NoError(t, err)
		assert.Nil(t, info)

		nodes, err := s.LoadNodeRunInfosForLine(ctx, 7)
		require.NoError(t, err)
		assert.Empty(t, nodes)
	})

	t.Run("flow run round trip", func(t *testing.T) {
		s := newStore(t, "run-flow")
		want := FlowRun("run-flow", 3)
		require.NoError(t, s.PersistFlowRun(ctx, want))

		got, err := s.LoadFlowRunInfo(ctx, 3)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.RunID, got.RunID)
		assert.Equal(t, runinfo.StatusCompleted, got.Status)
		assert.Equal(t, 3, got.LineIndex())
		assert.Equal(t, "a", got.Output["answer"])
		assert.True(t, want.StartTime.Equal(got.StartTime))
	})

	t.Run("update overwrites flow run", func(t *testing.T) {
		s := newStore(t, "run-update")
		info := FlowRun("run-update", 0)
		require.NoError(t, s.PersistFlowRun(ctx, info))

		info.Status = runinfo.StatusFailed
		info.Error = &runinfo.ErrorPayload{Code: "UserError", Message: "boom"}
		require.NoError(t, s.UpdateFlowRunInfo(ctx, info))

		got, err := s.LoadFlowRunInfo(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, runinfo.StatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "boom", got.Error.Message)
	})

	t.Run("node runs are grouped by line", func(t *testing.T) {
		s := newStore(t, "run-nodes")
		require.NoError(t, s.PersistNodeRun(ctx, NodeRun("run-nodes", "b", runinfo.IntPtr(1))))
		require.NoError(t, s.PersistNodeRun(ctx, NodeRun("run-nodes", "a", runinfo.IntPtr(1))))
		require.NoError(t, s.PersistNodeRun(ctx, NodeRun("run-nodes", "a", runinfo.IntPtr(2))))

		nodes, err := s.LoadNodeRunInfosForLine(ctx, 1)
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "a", nodes[0].Node)
		assert.Equal(t, "b", nodes[1].Node)

		nodes, err = s.LoadNodeRunInfosForLine(ctx, 2)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
	})

	t.Run("aggregation node runs are filed under line zero", func(t *testing.T) {
		s := newStore(t, "run-aggr")
		require.NoError(t, s.PersistNodeRun(ctx, NodeRun("run-aggr", "total", nil)))

		nodes, err := s.LoadNodeRunInfosForLine(ctx, 0)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "total", nodes[0].Node)
		assert.Nil(t, nodes[0].Index)
	})

	t.Run("nil records are rejected", func(t *testing.T) {
		s := newStore(t, "run-nil")
		require.Error(t, s.PersistFlowRun(ctx, nil))
		require.Error(t, s.PersistNodeRun(ctx, nil))
	})
}
