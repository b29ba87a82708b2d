package flow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"text/template"
	"time"
)

// Tool is the unit of work a node invokes.
type Tool interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Invoke calls fn.
func (fn ToolFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return fn(ctx, args)
}

// ErrToolExists is returned when registering a tool name twice.
var ErrToolExists = errors.New("tool already registered")

// ToolRegistry maps tool names to implementations.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]Tool{}}
}

// DefaultTools returns a registry with the built-in tools.
func DefaultTools() *ToolRegistry {
	r := NewToolRegistry()
	for name, t := range map[string]Tool{
		"echo":     ToolFunc(echoTool),
		"template": ToolFunc(templateTool),
		"length":   ToolFunc(lengthTool),
		"fail":     ToolFunc(failTool),
		"sleep":    ToolFunc(sleepTool),
		"sum":      ToolFunc(sumTool),
		"mean":     ToolFunc(meanTool),
		"count":    ToolFunc(countTool),
	} {
		_ = r.Register(name, t)
	}
	return r
}

// Register adds a tool.
func (r *ToolRegistry) Register(name string, t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %s", ErrToolExists, name)
	}
	r.tools[name] = t
	return nil
}

// Lookup returns the named tool.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists the registered tools in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// echoTool returns args["value"] when present, otherwise all args. Optional
// prompt_tokens and completion_tokens are reported as usage.
func echoTool(ctx context.Context, args map[string]any) (any, error) {
	prompt, hasPrompt := intArg(args, "prompt_tokens")
	completion, hasCompletion := intArg(args, "completion_tokens")
	if hasPrompt || hasCompletion {
		ReportTokens(ctx, prompt, completion)
	}
	if v, ok := args["value"]; ok {
		return v, nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if k == "prompt_tokens" || k == "completion_tokens" {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func templateTool(_ context.Context, args map[string]any) (any, error) {
	text, ok := args["template"].(string)
	if !ok {
		return nil, errors.New("template tool requires a string 'template' input")
	}
	tmpl, err := template.New("node").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, args); err != nil {
		return nil, fmt.Errorf("rendering template: %w", err)
	}
	return buf.String(), nil
}

func lengthTool(_ context.Context, args map[string]any) (any, error) {
	switch v := args["value"].(type) {
	case string:
		return len([]rune(v)), nil
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	case nil:
		return 0, nil
	default:
		return nil, fmt.Errorf("length of %T is undefined", v)
	}
}

// failTool returns an error with args["message"]. When "when" is present
// and false the tool passes args["value"] through instead.
func failTool(_ context.Context, args map[string]any) (any, error) {
	if when, ok := args["when"]; ok {
		if b, isBool := when.(bool); isBool && !b {
			return args["value"], nil
		}
	}
	msg, _ := args["message"].(string)
	if msg == "" {
		msg = "failure requested by flow"
	}
	return nil, errors.New(msg)
}

func sleepTool(ctx context.Context, args map[string]any) (any, error) {
	seconds, _ := floatArg(args, "seconds")
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return args["value"], nil
	}
}

func sumTool(ctx context.Context, args map[string]any) (any, error) {
	values, err := numberList(args)
	if err != nil {
		return nil, err
	}
	var total float64
	for _, v := range values {
		total += v
	}
	logAggregate(ctx, args, "sum", total)
	return total, nil
}

func meanTool(ctx context.Context, args map[string]any) (any, error) {
	values, err := numberList(args)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.New("mean of an empty list is undefined")
	}
	var total float64
	for _, v := range values {
		total += v
	}
	mean := total / float64(len(values))
	logAggregate(ctx, args, "mean", mean)
	return mean, nil
}

func countTool(ctx context.Context, args map[string]any) (any, error) {
	values, ok := args["values"].([]any)
	if !ok {
		return nil, errors.New("count tool requires a list 'values' input")
	}
	n := 0
	if match, hasMatch := args["match"]; hasMatch {
		for _, v := range values {
			if fmt.Sprint(v) == fmt.Sprint(match) {
				n++
			}
		}
	} else {
		n = len(values)
	}
	logAggregate(ctx, args, "count", n)
	return n, nil
}

func logAggregate(ctx context.Context, args map[string]any, fallback string, value any) {
	name, _ := args["metric"].(string)
	if name == "" {
		name = fallback
	}
	LogMetric(ctx, name, value)
}

func numberList(args map[string]any) ([]float64, error) {
	raw, ok := args["values"].([]any)
	if !ok {
		return nil, errors.New("tool requires a list 'values' input")
	}
	out := make([]float64, 0, len(raw))
	for i, v := range raw {
		f, err := Coerce(TypeDouble, v)
		if err != nil || f == nil {
			return nil, fmt.Errorf("values[%d] is not a number: %v", i, v)
		}
		out = append(out, f.(float64))
	}
	return out, nil
}

func intArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	n, err := Coerce(TypeInt, v)
	if err != nil || n == nil {
		return 0, false
	}
	return n.(int), true
}

func floatArg(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	f, err := Coerce(TypeDouble, v)
	if err != nil || f == nil {
		return 0, false
	}
	return f.(float64), true
}
