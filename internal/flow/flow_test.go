package flow

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/flowbatch/internal/failure"
)

func TestLoad(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "basic.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "greet", f.Name)
	assert.Equal(t, LanguageNative, f.Language)
	assert.Equal(t, []string{"name", "times"}, f.InputNames())
	assert.False(t, f.HasAggregation())
	assert.True(t, filepath.IsAbs(f.Path()))
	assert.Equal(t, filepath.Dir(f.Path()), f.Dir())

	order := make([]string, 0, len(f.LineNodes()))
	for _, n := range f.LineNodes() {
		order = append(order, n.Name)
	}
	assert.Equal(t, []string{"render", "size"}, order)
}

func TestLoad_Aggregation(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "aggregation.yaml"))
	require.NoError(t, err)
	assert.True(t, f.HasAggregation())
	assert.True(t, f.IsAggregationNode("total"))
	assert.False(t, f.IsAggregationNode("score"))
	assert.Len(t, f.AggregationNodes(), 2)
	assert.Len(t, f.LineNodes(), 2)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "nope.yaml"))
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		message string
	}{
		{
			name:    "schema: missing name",
			yaml:    "nodes: []\n",
			message: "schema",
		},
		{
			name:    "schema: unknown language",
			yaml:    "name: x\nlanguage: cobol\n",
			message: "schema",
		},
		{
			name:    "schema: node without tool",
			yaml:    "name: x\nnodes:\n  - name: a\n",
			message: "schema",
		},
		{
			name: "duplicate node",
			yaml: `name: x
nodes:
  - {name: a, tool: echo}
  - {name: a, tool: echo}
`,
			message: `duplicate node name "a"`,
		},
		{
			name: "unknown input",
			yaml: `name: x
nodes:
  - {name: a, tool: echo, inputs: {value: "${inputs.missing}"}}
`,
			message: `unknown input "missing"`,
		},
		{
			name: "unknown node",
			yaml: `name: x
outputs:
  o: {reference: "${ghost.output}"}
`,
			message: `unknown node "ghost"`,
		},
		{
			name: "cycle",
			yaml: `name: x
nodes:
  - {name: a, tool: echo, inputs: {value: "${b.output}"}}
  - {name: b, tool: echo, inputs: {value: "${a.output}"}}
`,
			message: "cycle",
		},
		{
			name: "line node reads aggregation node",
			yaml: `name: x
nodes:
  - {name: agg, tool: count, aggregation: true, inputs: {values: []}}
  - {name: a, tool: echo, inputs: {value: "${agg.output}"}}
`,
			message: "cannot reference aggregation node",
		},
		{
			name: "reference without output segment",
			yaml: `name: x
nodes:
  - {name: a, tool: echo}
  - {name: b, tool: echo, inputs: {value: "${a.result}"}}
`,
			message: "${node.output[.path]}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
			assert.True(t, failure.HasCode(err, failure.CodeInvalidFlow))
			assert.Equal(t, failure.CategoryUser, failure.CategoryOf(err))
		})
	}
}

func TestTopoSort_KeepsDeclarationOrder(t *testing.T) {
	f, err := Parse([]byte(`name: x
nodes:
  - {name: c, tool: echo, inputs: {value: "${a.output}"}}
  - {name: b, tool: echo}
  - {name: a, tool: echo}
`))
	require.NoError(t, err)

	var order []string
	for _, n := range f.LineNodes() {
		order = append(order, n.Name)
	}
	assert.Equal(t, []string{"b", "a", "c"}, order)
}

func TestApplyDefaults(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "basic.yaml"))
	require.NoError(t, err)

	in := map[string]any{"name": "Ada"}
	out := f.ApplyDefaults(in)
	assert.Equal(t, map[string]any{"name": "Ada", "times": 1}, out)
	assert.NotContains(t, in, "times", "input map must not be mutated")

	out = f.ApplyDefaults(map[string]any{"name": "Ada", "times": 5})
	assert.Equal(t, 5, out["times"])
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		typ     ValueType
		in      any
		want    any
		wantErr bool
	}{
		{"string from number", TypeString, 3.5, "3.5", false},
		{"string from list", TypeString, []any{"a"}, `["a"]`, false},
		{"int from string", TypeInt, " 42 ", 42, false},
		{"int from float", TypeInt, 7.0, 7, false},
		{"int from fraction", TypeInt, 7.5, nil, true},
		{"double from int", TypeDouble, 2, 2.0, false},
		{"double from string", TypeDouble, "1.25", 1.25, false},
		{"bool from string", TypeBool, "true", true, false},
		{"bool from number", TypeBool, 1.0, nil, true},
		{"list from json", TypeList, `[1, 2]`, []any{1.0, 2.0}, false},
		{"object from json", TypeObject, `{"a": 1}`, map[string]any{"a": 1.0}, false},
		{"object from list", TypeObject, []any{}, nil, true},
		{"nil passes through", TypeInt, nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.typ, tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, failure.HasCode(err, failure.CodeInputType))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
