package runinfo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		status     Status
		terminated bool
		lower      string
	}{
		{StatusCompleted, true, "completed"},
		{StatusFailed, true, "failed"},
		{StatusBypassed, true, "bypassed"},
		{StatusCanceled, true, "canceled"},
		{StatusRunning, false, "running"},
		{StatusNotStarted, false, "notstarted"},
		{StatusCancelRequested, false, "cancelrequested"},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminated, tt.status.IsTerminated())
			assert.Equal(t, tt.lower, tt.status.Lower())
		})
	}
}

func TestErrorPayload_Codes(t *testing.T) {
	p := &ErrorPayload{
		Code: CodeUserError,
		InnerError: &InnerError{
			Code:       "ToolExecutionError",
			InnerError: &InnerError{Code: "ValueError"},
		},
	}
	assert.True(t, p.IsUserError())
	assert.Equal(t, "ValueError", p.InnermostCode())
	assert.Equal(t, []string{CodeUserError, "ToolExecutionError", "ValueError"}, p.Codes())

	var nilPayload *ErrorPayload
	assert.False(t, nilPayload.IsUserError())
	assert.Empty(t, nilPayload.InnermostCode())
	assert.Nil(t, nilPayload.Codes())
}

func TestNewFailedFlowRunInfo(t *testing.T) {
	start := time.Now().UTC()
	payload := &ErrorPayload{Code: CodeSystemError, Message: "executor crashed"}
	info := NewFailedFlowRunInfo(start, map[string]any{"q": "hi"}, 3, "run-1", payload)

	assert.Equal(t, "run-1_3", info.RunID)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, "run-1", info.RootRunID)
	assert.Equal(t, "run-1", info.ParentRunID)
	assert.Equal(t, DefaultFlowID, info.FlowID)
	assert.Equal(t, 3, info.LineIndex())
	assert.Same(t, payload, info.Error)
	assert.False(t, info.EndTime.Before(start))

	result := NewFailedLineResult(info)
	assert.Empty(t, result.Output)
	assert.Empty(t, result.NodeRunInfos)
}

func TestFlowRunInfo_Clone(t *testing.T) {
	orig := &FlowRunInfo{
		RunID:  "r_0",
		Status: StatusCompleted,
		Output: map[string]any{"answer": "42"},
		Index:  IntPtr(0),
	}
	clone, err := orig.Clone()
	require.NoError(t, err)
	clone.Output["answer"] = "changed"
	*clone.Index = 9

	assert.Equal(t, "42", orig.Output["answer"])
	assert.Equal(t, 0, orig.LineIndex())

	var nilInfo *FlowRunInfo
	c, err := nilInfo.Clone()
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, -1, nilInfo.LineIndex())
}

func TestRunIDs(t *testing.T) {
	assert.Equal(t, "run_7", LineRunID("run", 7))
	assert.Equal(t, "run_7_answer_7", NodeRunID("run_7", "answer", IntPtr(7)))
	assert.Equal(t, "run_score_reduce", NodeRunID("run", "score", nil))
}

func TestLineNumberOf(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   int
		wantOK bool
	}{
		{"int", 3, 3, true},
		{"int64", int64(4), 4, true},
		{"whole float", float64(5), 5, true},
		{"fractional float", 1.5, 0, false},
		{"negative float", float64(-1), 0, false},
		{"string", "2", 0, false},
		{"missing", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LineNumberOf(map[string]any{LineNumberKey: tt.value})
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNodeRunInfo_StorageIndex(t *testing.T) {
	assert.Equal(t, 4, (&NodeRunInfo{Index: IntPtr(4)}).StorageIndex())
	assert.Equal(t, 0, (&NodeRunInfo{}).StorageIndex())
}
