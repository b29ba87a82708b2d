package flow

import (
	"context"
	"sync"
)

// System metric keys recorded on node and flow run infos.
const (
	MetricDuration         = "duration"
	MetricPromptTokens     = "prompt_tokens"
	MetricCompletionTokens = "completion_tokens"
	MetricTotalTokens      = "total_tokens"
)

type metricSinkKey struct{}

type usageKey struct{}

// metricSink collects metrics logged by aggregation tools.
type metricSink struct {
	mu      sync.Mutex
	metrics map[string]any
}

func withMetricSink(ctx context.Context) (context.Context, *metricSink) {
	sink := &metricSink{metrics: map[string]any{}}
	return context.WithValue(ctx, metricSinkKey{}, sink), sink
}

func (s *metricSink) snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.metrics))
	for k, v := range s.metrics {
		out[k] = v
	}
	return out
}

// LogMetric records a batch-level metric. It only has an effect inside an
// aggregation node; calls from line nodes are ignored.
func LogMetric(ctx context.Context, name string, value any) bool {
	sink, ok := ctx.Value(metricSinkKey{}).(*metricSink)
	if !ok {
		return false
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.metrics[name] = value
	return true
}

// usage accumulates token counts reported by a single tool invocation.
type usage struct {
	prompt, completion int
	reported           bool
}

func withUsage(ctx context.Context) (context.Context, *usage) {
	u := &usage{}
	return context.WithValue(ctx, usageKey{}, u), u
}

// ReportTokens attributes token usage to the tool invocation running under
// ctx.
func ReportTokens(ctx context.Context, prompt, completion int) {
	u, ok := ctx.Value(usageKey{}).(*usage)
	if !ok {
		return
	}
	u.prompt += prompt
	u.completion += completion
	u.reported = true
}

func (u *usage) systemMetrics() map[string]any {
	if !u.reported {
		return nil
	}
	return map[string]any{
		MetricPromptTokens:     u.prompt,
		MetricCompletionTokens: u.completion,
		MetricTotalTokens:      u.prompt + u.completion,
	}
}
