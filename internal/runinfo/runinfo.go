package runinfo

import (
	"encoding/json"
	"fmt"
	"time"
)

// LineNumberKey is the reserved key carrying a line's index in line inputs
// and in the output file.
const LineNumberKey = "line_number"

// DefaultFlowID is used when a failed line never reached the flow executor.
const DefaultFlowID = "default_flow_id"

// FlowRunInfo records one execution of the flow for one line.
type FlowRunInfo struct {
	RunID         string         `json:"run_id"`
	Status        Status         `json:"status"`
	Error         *ErrorPayload  `json:"error,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	ParentRunID   string         `json:"parent_run_id"`
	RootRunID     string         `json:"root_run_id"`
	SourceRunID   string         `json:"source_run_id,omitempty"`
	FlowID        string         `json:"flow_id"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Index         *int           `json:"index,omitempty"`
	APICalls      []APICall      `json:"api_calls,omitempty"`
	SystemMetrics map[string]any `json:"system_metrics,omitempty"`
	Tags          map[string]any `json:"tags,omitempty"`
}

// NodeRunInfo records one execution of a single node within a line, or of
// an aggregation node for the whole batch (Index is nil in that case).
type NodeRunInfo struct {
	Node          string         `json:"node"`
	FlowRunID     string         `json:"flow_run_id"`
	RunID         string         `json:"run_id"`
	ParentRunID   string         `json:"parent_run_id"`
	Status        Status         `json:"status"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Output        any            `json:"output,omitempty"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	Error         *ErrorPayload  `json:"error,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Index         *int           `json:"index,omitempty"`
	APICalls      []APICall      `json:"api_calls,omitempty"`
	SystemMetrics map[string]any `json:"system_metrics,omitempty"`
}

// APICall is a trace of a call made by a node (tool, LLM, nested function).
// Children form a tree.
type APICall struct {
	Name          string         `json:"name"`
	Type          string         `json:"type,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Output        any            `json:"output,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Error         *ErrorPayload  `json:"error,omitempty"`
	SystemMetrics map[string]any `json:"system_metrics,omitempty"`
	Children      []APICall      `json:"children,omitempty"`
}

// LineResult is the outcome of executing one line.
type LineResult struct {
	Output            map[string]any          `json:"output"`
	AggregationInputs map[string]any          `json:"aggregation_inputs"`
	RunInfo           *FlowRunInfo            `json:"run_info"`
	NodeRunInfos      map[string]*NodeRunInfo `json:"node_run_infos"`
}

// AggregationResult is the outcome of the single aggregation pass.
type AggregationResult struct {
	Output       map[string]any          `json:"output"`
	Metrics      map[string]any          `json:"metrics"`
	NodeRunInfos map[string]*NodeRunInfo `json:"node_run_infos"`
}

// NewAggregationResult returns an empty aggregation result.
func NewAggregationResult() *AggregationResult {
	return &AggregationResult{
		Output:       map[string]any{},
		Metrics:      map[string]any{},
		NodeRunInfos: map[string]*NodeRunInfo{},
	}
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }

// LineIndex returns the line index of the record, or -1 when unset.
func (f *FlowRunInfo) LineIndex() int {
	if f == nil || f.Index == nil {
		return -1
	}
	return *f.Index
}

// LineRunID returns the flow run id of line index within batch run runID.
func LineRunID(runID string, index int) string {
	return fmt.Sprintf("%s_%d", runID, index)
}

// NodeRunID returns the run id of node within the flow run flowRunID.
func NodeRunID(flowRunID, node string, index *int) string {
	if index == nil {
		return fmt.Sprintf("%s_%s_reduce", flowRunID, node)
	}
	return fmt.Sprintf("%s_%s_%d", flowRunID, node, *index)
}

// NewFailedFlowRunInfo builds the record of a line whose execution failed
// before the flow executor produced one.
func NewFailedFlowRunInfo(
	start time.Time,
	inputs map[string]any,
	index int,
	runID string,
	payload *ErrorPayload,
) *FlowRunInfo {
	return &FlowRunInfo{
		RunID:       LineRunID(runID, index),
		Status:      StatusFailed,
		Error:       payload,
		Inputs:      inputs,
		ParentRunID: runID,
		RootRunID:   runID,
		SourceRunID: runID,
		FlowID:      DefaultFlowID,
		StartTime:   start,
		EndTime:     time.Now().UTC(),
		Index:       IntPtr(index),
	}
}

// NewFailedLineResult wraps a failed flow run info into a LineResult with
// empty outputs.
func NewFailedLineResult(info *FlowRunInfo) *LineResult {
	return &LineResult{
		Output:            map[string]any{},
		AggregationInputs: map[string]any{},
		RunInfo:           info,
		NodeRunInfos:      map[string]*NodeRunInfo{},
	}
}

// Clone returns a deep copy made through the JSON encoding.
func (f *FlowRunInfo) Clone() (*FlowRunInfo, error) {
	return cloneJSON(f)
}

// Clone returns a deep copy made through the JSON encoding.
func (n *NodeRunInfo) Clone() (*NodeRunInfo, error) {
	return cloneJSON(n)
}

func cloneJSON[T any](v *T) (*T, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling %T: %w", v, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshalling %T: %w", v, err)
	}
	return &out, nil
}

// StorageIndex returns the line a node record is filed under. Aggregation
// node records carry no index and are filed under line 0.
func (n *NodeRunInfo) StorageIndex() int {
	if n == nil || n.Index == nil {
		return 0
	}
	return *n.Index
}

// LineNumberOf returns the line number stamped on line inputs.
func LineNumberOf(inputs map[string]any) (int, bool) {
	switch n := inputs[LineNumberKey].(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n < 0 || n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
