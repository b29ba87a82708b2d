package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/flowbatch/internal/runinfo"
	"github.com/rshade/flowbatch/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(*testing.T, string) storagetest.Store { return New() })
}

func TestEventsRecordWriteOrder(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.PersistNodeRun(ctx, storagetest.NodeRun("r", "greet", runinfo.IntPtr(4))))
	require.NoError(t, s.PersistFlowRun(ctx, storagetest.FlowRun("r", 4)))
	require.NoError(t, s.UpdateFlowRunInfo(ctx, storagetest.FlowRun("r", 4)))

	assert.Equal(t, []Event{
		{Kind: EventNodeRun, Index: 4, Node: "greet"},
		{Kind: EventFlowRun, Index: 4},
		{Kind: EventFlowUpdate, Index: 4},
	}, s.Events())
	assert.Equal(t, 1, s.FlowRunCount())
}

func TestStoredRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	info := storagetest.FlowRun("r", 0)
	require.NoError(t, s.PersistFlowRun(ctx, info))

	info.Output["answer"] = "mutated"

	got, err := s.LoadFlowRunInfo(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Output["answer"])
}
