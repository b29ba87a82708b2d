package batch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/flow"
	"github.com/rshade/flowbatch/internal/runinfo"
)

// Result summarizes one batch run. It is built once by NewResult and never
// modified afterwards.
type Result struct {
	RunID          string         `json:"run_id"`
	Status         runinfo.Status `json:"status"`
	TotalLines     int            `json:"total_lines"`
	CompletedLines int            `json:"completed_lines"`
	FailedLines    int            `json:"failed_lines"`
	// NodeStatus counts node runs by "{node}.{status}".
	NodeStatus    map[string]int `json:"node_status"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Metrics       map[string]any `json:"metrics"`
	SystemMetrics SystemMetrics  `json:"system_metrics"`
	ErrorSummary  ErrorSummary   `json:"error_summary"`
	// OutputPath is the output file, empty when none was written.
	OutputPath string `json:"output_path,omitempty"`
	// Err is the timeout error of a run cut short by the batch budget.
	Err error `json:"-"`
}

// MarshalJSON adds the timeout error message, when present, as "error".
func (r *Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		*plain
		Error string `json:"error,omitempty"`
	}{plain: (*plain)(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// SystemMetrics aggregates token usage and wall time.
type SystemMetrics struct {
	TotalTokens      int           `json:"total_tokens"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Duration         time.Duration `json:"-"`
	DurationSeconds  float64       `json:"duration"`
}

// LineError is the error of one failed line.
type LineError struct {
	LineNumber int                   `json:"line_number"`
	Error      *runinfo.ErrorPayload `json:"error"`
}

// ErrorSummary describes what failed during a run.
type ErrorSummary struct {
	FailedUserErrorLines   int         `json:"failed_user_error_lines"`
	FailedSystemErrorLines int         `json:"failed_system_error_lines"`
	ErrorList              []LineError `json:"error_list"`
	// AggrErrorDict maps failed aggregation nodes to their error message.
	AggrErrorDict map[string]string `json:"aggr_error_dict,omitempty"`
	// BatchErrorDict holds the error that ended the batch, if any.
	BatchErrorDict *runinfo.ErrorPayload `json:"batch_error_dict,omitempty"`
}

// ResultOptions carries the parts of a Result that do not come from line
// and aggregation results.
type ResultOptions struct {
	RunID      string
	OutputPath string
	// Err is the timeout error of a run cut short by the batch budget.
	Err error
}

// NewResult builds the summary of a run from its line results and
// aggregation result.
func NewResult(
	start, end time.Time,
	lines []*runinfo.LineResult,
	aggr *runinfo.AggregationResult,
	status runinfo.Status,
	opts ResultOptions,
) *Result {
	if aggr == nil {
		aggr = runinfo.NewAggregationResult()
	}
	r := &Result{
		RunID:      opts.RunID,
		Status:     status,
		TotalLines: len(lines),
		NodeStatus: nodeStatus(lines, aggr),
		StartTime:  start,
		EndTime:    end,
		Metrics:    aggr.Metrics,
		OutputPath: opts.OutputPath,
		Err:        opts.Err,
	}
	if r.Metrics == nil {
		r.Metrics = map[string]any{}
	}
	for _, line := range lines {
		if line.RunInfo != nil && line.RunInfo.Status == runinfo.StatusCompleted {
			r.CompletedLines++
		}
	}
	r.FailedLines = r.TotalLines - r.CompletedLines
	r.SystemMetrics = systemMetrics(start, end, lines, aggr)
	r.ErrorSummary = errorSummary(lines, aggr, failure.Present(opts.Err))
	return r
}

func nodeStatus(lines []*runinfo.LineResult, aggr *runinfo.AggregationResult) map[string]int {
	counts := map[string]int{}
	add := func(infos map[string]*runinfo.NodeRunInfo) {
		for name, info := range infos {
			if info == nil {
				continue
			}
			counts[fmt.Sprintf("%s.%s", name, info.Status.Lower())]++
		}
	}
	for _, line := range lines {
		add(line.NodeRunInfos)
	}
	add(aggr.NodeRunInfos)
	return counts
}

func systemMetrics(
	start, end time.Time,
	lines []*runinfo.LineResult,
	aggr *runinfo.AggregationResult,
) SystemMetrics {
	var m SystemMetrics
	add := func(info *runinfo.NodeRunInfo) {
		if info == nil {
			return
		}
		total, hasTotal := intMetric(info.SystemMetrics, flow.MetricTotalTokens)
		prompt, hasPrompt := intMetric(info.SystemMetrics, flow.MetricPromptTokens)
		completion, hasCompletion := intMetric(info.SystemMetrics, flow.MetricCompletionTokens)
		if hasTotal && hasPrompt && hasCompletion {
			m.TotalTokens += total
			m.PromptTokens += prompt
			m.CompletionTokens += completion
			return
		}
		for _, call := range info.APICalls {
			addCallTokens(&m, call)
		}
	}
	for _, line := range lines {
		for _, info := range line.NodeRunInfos {
			add(info)
		}
	}
	for _, info := range aggr.NodeRunInfos {
		add(info)
	}
	m.Duration = end.Sub(start)
	m.DurationSeconds = m.Duration.Seconds()
	return m
}

// addCallTokens sums the token usage of an API call tree. A call reporting
// usage itself is not descended into.
func addCallTokens(m *SystemMetrics, call runinfo.APICall) {
	prompt, hasPrompt := intMetric(call.SystemMetrics, flow.MetricPromptTokens)
	completion, hasCompletion := intMetric(call.SystemMetrics, flow.MetricCompletionTokens)
	if hasPrompt || hasCompletion {
		total, hasTotal := intMetric(call.SystemMetrics, flow.MetricTotalTokens)
		if !hasTotal {
			total = prompt + completion
		}
		m.PromptTokens += prompt
		m.CompletionTokens += completion
		m.TotalTokens += total
		return
	}
	for _, child := range call.Children {
		addCallTokens(m, child)
	}
}

func intMetric(metrics map[string]any, key string) (int, bool) {
	switch v := metrics[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func errorSummary(
	lines []*runinfo.LineResult,
	aggr *runinfo.AggregationResult,
	batchErr *runinfo.ErrorPayload,
) ErrorSummary {
	s := ErrorSummary{ErrorList: []LineError{}, BatchErrorDict: batchErr}
	for _, line := range lines {
		info := line.RunInfo
		if info == nil || info.Status != runinfo.StatusFailed {
			continue
		}
		if info.Error.IsUserError() {
			s.FailedUserErrorLines++
		} else {
			s.FailedSystemErrorLines++
		}
		s.ErrorList = append(s.ErrorList, LineError{LineNumber: info.LineIndex(), Error: info.Error})
	}
	sort.SliceStable(s.ErrorList, func(i, j int) bool {
		return s.ErrorList[i].LineNumber < s.ErrorList[j].LineNumber
	})

	for name, info := range aggr.NodeRunInfos {
		if info == nil || info.Status != runinfo.StatusFailed || info.Error == nil {
			continue
		}
		if s.AggrErrorDict == nil {
			s.AggrErrorDict = map[string]string{}
		}
		s.AggrErrorDict[name] = info.Error.Message
	}
	return s
}
