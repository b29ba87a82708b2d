// Package flow loads flow descriptors and executes them one line at a time.
//
// A flow is a small DAG of nodes, each invoking a named tool with inputs
// that may reference flow inputs (${inputs.x}) or the output of another node
// (${node.output} or ${node.output.field}). Nodes marked as aggregation run
// once per batch over column-oriented values collected from all successful
// lines.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Language selects how a flow is executed.
type Language string

// Supported flow languages.
const (
	LanguageNative   Language = "native"
	LanguageExternal Language = "external"
)

// ErrFlowNotFound is returned when the flow file does not exist.
var ErrFlowNotFound = errors.New("flow file not found")

// Flow is a parsed and validated flow descriptor.
type Flow struct {
	Name        string                      `yaml:"name" json:"name"`
	Description string                      `yaml:"description,omitempty" json:"description,omitempty"`
	Language    Language                    `yaml:"language,omitempty" json:"language,omitempty"`
	Inputs      map[string]InputDefinition  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs     map[string]OutputDefinition `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Nodes       []Node                      `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	Executor    *ExecutorSpec               `yaml:"executor,omitempty" json:"executor,omitempty"`

	path      string
	lineOrder []Node
	aggrOrder []Node
}

// InputDefinition declares one flow input.
type InputDefinition struct {
	Type        ValueType `yaml:"type" json:"type"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// HasDefault reports whether the input declares a default value.
func (d InputDefinition) HasDefault() bool { return d.Default != nil }

// OutputDefinition declares one flow output and where its value comes from.
type OutputDefinition struct {
	Type        ValueType `yaml:"type,omitempty" json:"type,omitempty"`
	Reference   string    `yaml:"reference" json:"reference"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// Node is one step of the flow.
type Node struct {
	Name        string         `yaml:"name" json:"name"`
	Tool        string         `yaml:"tool" json:"tool"`
	Inputs      map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Aggregation bool           `yaml:"aggregation,omitempty" json:"aggregation,omitempty"`
}

// ExecutorSpec configures the external executor process for external flows.
type ExecutorSpec struct {
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Load reads, schema-validates, and semantically validates a flow file.
func Load(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, path)
		}
		return nil, fmt.Errorf("reading flow %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading flow %s: %w", path, err)
	}
	if abs, absErr := filepath.Abs(path); absErr == nil {
		f.path = abs
	} else {
		f.path = path
	}
	return f, nil
}

// Parse decodes and validates a flow from YAML or JSON bytes.
func Parse(data []byte) (*Flow, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, invalidFlow("flow is not valid YAML: %v", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, invalidFlow("decoding flow: %v", err)
	}
	if f.Language == "" {
		f.Language = LanguageNative
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Path returns the absolute path the flow was loaded from, if any.
func (f *Flow) Path() string { return f.path }

// Dir returns the directory containing the flow file, or "." when unknown.
func (f *Flow) Dir() string {
	if f.path == "" {
		return "."
	}
	return filepath.Dir(f.path)
}

// InputNames returns the declared input names in sorted order.
func (f *Flow) InputNames() []string {
	names := make([]string, 0, len(f.Inputs))
	for name := range f.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LineNodes returns the per-line nodes in execution order.
func (f *Flow) LineNodes() []Node { return f.lineOrder }

// AggregationNodes returns the aggregation nodes in execution order.
func (f *Flow) AggregationNodes() []Node { return f.aggrOrder }

// HasAggregation reports whether the flow declares any aggregation node.
func (f *Flow) HasAggregation() bool { return len(f.aggrOrder) > 0 }

// IsAggregationNode reports whether name is an aggregation node.
func (f *Flow) IsAggregationNode(name string) bool {
	for _, n := range f.aggrOrder {
		if n.Name == name {
			return true
		}
	}
	return false
}

// AggregationSources lists the line nodes whose outputs aggregation nodes
// read, in first-reference order.
func (f *Flow) AggregationSources() []string {
	seen := map[string]bool{}
	var names []string
	for _, n := range f.aggrOrder {
		refs, _ := collectReferences(anyMap(n.Inputs))
		for _, ref := range refs {
			if ref.isInput() || f.IsAggregationNode(ref.source) || seen[ref.source] {
				continue
			}
			seen[ref.source] = true
			names = append(names, ref.source)
		}
	}
	return names
}

// ApplyDefaults returns a copy of inputs with defaults filled in for
// declared inputs that are absent.
func (f *Flow) ApplyDefaults(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs)+len(f.Inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for name, def := range f.Inputs {
		if _, ok := out[name]; !ok && def.HasDefault() {
			out[name] = def.Default
		}
	}
	return out
}

// toJSONValue converts a decoded YAML document into the shape produced by
// encoding/json, which is what the schema validator expects.
func toJSONValue(doc any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var v any
	if err = json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
