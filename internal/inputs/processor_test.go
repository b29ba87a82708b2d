package inputs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/flow"
	"github.com/rshade/flowbatch/internal/runinfo"
)

func testdata(name string) string { return filepath.Join("testdata", name) }

func TestLoadRows_Formats(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		file string
		want int
	}{
		{"data.jsonl", 3},
		{"data.csv", 3},
		{"data.tsv", 1},
		{"data.json", 2},
		{"dir", 3},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			rows, err := LoadRows(ctx, testdata(tt.file), 0)
			require.NoError(t, err)
			assert.Len(t, rows, tt.want)
		})
	}

	t.Run("directory order", func(t *testing.T) {
		rows, err := LoadRows(ctx, testdata("dir"), 0)
		require.NoError(t, err)
		assert.Equal(t, "d0", rows[0]["question"])
		assert.Equal(t, "d2", rows[2]["question"])
	})

	t.Run("truncation", func(t *testing.T) {
		rows, err := LoadRows(ctx, testdata("data.jsonl"), 2)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := LoadRows(ctx, testdata("missing.jsonl"), 0)
		require.Error(t, err)
		assert.True(t, failure.HasCode(err, failure.CodeInputDataNotFound))
		assert.Equal(t, failure.CategoryUser, failure.CategoryOf(err))
	})
}

func TestLoadRows_BadJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	writeFile(t, path, "{\"a\": 1}\nnot json\n")

	_, err := LoadRows(context.Background(), path, 0)
	require.Error(t, err)
	assert.True(t, failure.HasCode(err, failure.CodeInputDataParse))
	assert.Contains(t, err.Error(), "line 2")
}

func TestProcess_DefaultMapping(t *testing.T) {
	p := NewProcessor(map[string]flow.InputDefinition{
		"question": {Type: flow.TypeString},
		"lang":     {Type: flow.TypeString, Default: "en"},
	}, 0)

	lines, err := p.Process(context.Background(), map[string]string{"data": testdata("data.jsonl")}, nil)
	require.NoError(t, err)
	require.Len(t, lines, 3)

	for i, line := range lines {
		assert.Equal(t, i, line[runinfo.LineNumberKey])
		assert.NotContains(t, line, "lang", "inputs with defaults are left to the executor")
	}
	assert.Equal(t, "q1", lines[1]["question"])
}

func TestProcess_ExplicitMappingAndLiterals(t *testing.T) {
	p := NewProcessor(map[string]flow.InputDefinition{
		"question": {Type: flow.TypeString},
		"answer":   {Type: flow.TypeString},
		"k":        {Type: flow.TypeInt},
	}, 0)

	lines, err := p.Process(context.Background(),
		map[string]string{
			"data":        testdata("data.jsonl"),
			"run.outputs": testdata("outputs.jsonl"),
		},
		map[string]any{
			"answer": "${run.outputs.answer}",
			"k":      3,
			"note":   "plain text",
		})
	require.NoError(t, err)

	// outputs.jsonl only has lines 0 and 2, so line 1 is dropped.
	require.Len(t, lines, 2)
	assert.Equal(t, 0, lines[0][runinfo.LineNumberKey])
	assert.Equal(t, "out0", lines[0]["answer"])
	assert.Equal(t, "q0", lines[0]["question"])
	assert.Equal(t, 3, lines[0]["k"])
	assert.Equal(t, "plain text", lines[0]["note"])
	assert.Equal(t, 2, lines[1][runinfo.LineNumberKey])
	assert.Equal(t, "out2", lines[1]["answer"])
}

func TestProcess_UnresolvedReferencesReportedTogether(t *testing.T) {
	p := NewProcessor(map[string]flow.InputDefinition{
		"question": {Type: flow.TypeString},
		"context":  {Type: flow.TypeString},
	}, 0)

	_, err := p.Process(context.Background(),
		map[string]string{"data": testdata("data.jsonl")},
		map[string]any{"question": "${data.nope}"})
	require.Error(t, err)
	assert.True(t, failure.HasCode(err, failure.CodeInputMapping))
	assert.Contains(t, err.Error(), "${data.context}, ${data.nope}")
}

func TestProcess_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	writeFile(t, path, "\n")

	p := NewProcessor(nil, 0)
	_, err := p.Process(context.Background(), map[string]string{"data": path}, nil)
	require.Error(t, err)
	assert.True(t, failure.HasCode(err, failure.CodeEmptyInputsData))
}

func TestMergeByLine_MisalignedPositionalSources(t *testing.T) {
	_, err := MergeByLine(map[string][]map[string]any{
		"a": {{"x": 1}, {"x": 2}},
		"b": {{"y": 1}},
	})
	require.Error(t, err)
	assert.True(t, failure.HasCode(err, failure.CodeLineNumberNotAligned))
}

func TestLookupReference_ShortestSourceFirst(t *testing.T) {
	sources := map[string]map[string]any{
		"run":         {"outputs.answer": "short"},
		"run.outputs": {"answer": "long"},
	}
	v, ok := lookupReference(sources, "run.outputs.answer")
	require.True(t, ok)
	assert.Equal(t, "short", v)

	delete(sources, "run")
	v, ok = lookupReference(sources, "run.outputs.answer")
	require.True(t, ok)
	assert.Equal(t, "long", v)
}

func TestProcessWithoutMapping(t *testing.T) {
	p := NewProcessor(nil, 0)

	lines, err := p.ProcessWithoutMapping(context.Background(), map[string]string{"data": testdata("data.jsonl")})
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, map[string]any{"question": "q2", "answer": "a2", runinfo.LineNumberKey: 2}, lines[2])

	_, err = p.ProcessWithoutMapping(context.Background(), map[string]string{"other": testdata("data.jsonl")})
	require.Error(t, err)
	assert.True(t, failure.HasCode(err, failure.CodeInputDataNotFound))
}
