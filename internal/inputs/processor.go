// Package inputs turns raw input data sources and a declarative column
// mapping into the ordered list of per-line inputs a batch run executes.
package inputs

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/flow"
	"github.com/rshade/flowbatch/internal/logging"
	"github.com/rshade/flowbatch/internal/runinfo"
)

// DefaultSource is the input source name used by default mappings.
const DefaultSource = "data"

var mappingReference = regexp.MustCompile(`^\$\{(.+)\}$`)

// Processor resolves input data for a flow.
type Processor struct {
	// FlowInputs are the inputs declared by the flow.
	FlowInputs map[string]flow.InputDefinition
	// MaxLinesCount truncates every source when > 0.
	MaxLinesCount int
}

// NewProcessor returns a Processor for the given flow inputs.
func NewProcessor(flowInputs map[string]flow.InputDefinition, maxLinesCount int) *Processor {
	return &Processor{FlowInputs: flowInputs, MaxLinesCount: maxLinesCount}
}

// Process loads every source in inputDirs (keyed by source name, such as
// "data" or "run.outputs"), merges the rows by line number and applies
// mapping. The result is sorted by line number and every line carries
// runinfo.LineNumberKey.
func (p *Processor) Process(
	ctx context.Context,
	inputDirs map[string]string,
	mapping map[string]any,
) ([]map[string]any, error) {
	logger := logging.FromContext(ctx)

	sources := make(map[string][]map[string]any, len(inputDirs))
	total := 0
	for _, name := range sortedKeys(inputDirs) {
		rows, err := LoadRows(ctx, inputDirs[name], p.MaxLinesCount)
		if err != nil {
			return nil, err
		}
		sources[name] = rows
		total += len(rows)
		logger.Debug().Ctx(ctx).
			Str("component", "inputs").
			Str("source", name).
			Int("rows", len(rows)).
			Msg("loaded input source")
	}
	if total == 0 {
		return nil, emptyInputs(inputDirs)
	}

	merged, err := MergeByLine(sources)
	if err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return nil, emptyInputs(inputDirs)
	}

	return p.ApplyMapping(merged, p.CompleteMapping(mapping))
}

// ProcessWithoutMapping loads the DefaultSource rows as line inputs
// unchanged, for executors that resolve their own inputs. Every line
// carries runinfo.LineNumberKey.
func (p *Processor) ProcessWithoutMapping(ctx context.Context, inputDirs map[string]string) ([]map[string]any, error) {
	dir, ok := inputDirs[DefaultSource]
	if !ok {
		return nil, failure.User(failure.TargetInputs, failure.CodeInputDataNotFound,
			"The input for batch run is incorrect. Couldn't find input data source %q in %v.",
			DefaultSource, inputDirs)
	}
	rows, err := LoadRows(ctx, dir, p.MaxLinesCount)
	if err != nil {
		return nil, err
	}
	merged, err := MergeByLine(map[string][]map[string]any{DefaultSource: rows})
	if err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return nil, emptyInputs(inputDirs)
	}
	out := make([]map[string]any, 0, len(merged))
	for _, line := range merged {
		row := line.Sources[DefaultSource]
		inputs := make(map[string]any, len(row)+1)
		for k, v := range row {
			inputs[k] = v
		}
		inputs[runinfo.LineNumberKey] = line.LineNumber
		out = append(out, inputs)
	}
	return out, nil
}

// CompleteMapping returns mapping plus a default ${data.<input>} entry for
// each flow input that has neither a mapping nor a default.
func (p *Processor) CompleteMapping(mapping map[string]any) map[string]any {
	out := make(map[string]any, len(mapping)+len(p.FlowInputs))
	for k, v := range mapping {
		out[k] = v
	}
	for name, def := range p.FlowInputs {
		if _, ok := out[name]; ok || def.HasDefault() {
			continue
		}
		out[name] = "${" + DefaultSource + "." + name + "}"
	}
	return out
}

// MergedLine is one line of merged source rows.
type MergedLine struct {
	LineNumber int
	Sources    map[string]map[string]any
}

// MergeByLine aligns rows from every source by line number. Rows carrying
// a line_number key use it; otherwise the row position is the line number,
// and all such sources must have the same length. Lines missing from any
// source are dropped.
func MergeByLine(sources map[string][]map[string]any) ([]MergedLine, error) {
	byLine := map[int]map[string]map[string]any{}
	counts := map[int]int{}
	positional := map[string]int{}

	names := sortedKeys(sources)
	for _, name := range names {
		rows := sources[name]
		hasLineNumbers := len(rows) > 0
		for _, row := range rows {
			if _, ok := row[runinfo.LineNumberKey]; !ok {
				hasLineNumbers = false
				break
			}
		}
		if !hasLineNumbers {
			positional[name] = len(rows)
		}

		for i, row := range rows {
			line := i
			if hasLineNumbers {
				n, err := lineNumberOf(row[runinfo.LineNumberKey])
				if err != nil {
					return nil, failure.Wrap(failure.CategoryUser, failure.TargetInputs,
						failure.CodeLineNumberNotAligned, err, "source %q row %d: %v", name, i, err)
				}
				line = n
			}
			if byLine[line] == nil {
				byLine[line] = map[string]map[string]any{}
			}
			if _, dup := byLine[line][name]; !dup {
				counts[line]++
			}
			byLine[line][name] = row
		}
	}

	if len(positional) > 1 {
		lengths := map[int]bool{}
		for _, n := range positional {
			lengths[n] = true
		}
		if len(lengths) > 1 {
			return nil, failure.User(failure.TargetInputs, failure.CodeLineNumberNotAligned,
				"input sources without %s must have the same number of rows, got %v",
				runinfo.LineNumberKey, positional)
		}
	}

	lines := make([]int, 0, len(byLine))
	for line, count := range counts {
		if count == len(sources) {
			lines = append(lines, line)
		}
	}
	sort.Ints(lines)

	merged := make([]MergedLine, 0, len(lines))
	for _, line := range lines {
		merged = append(merged, MergedLine{LineNumber: line, Sources: byLine[line]})
	}
	return merged, nil
}

// ApplyMapping evaluates mapping for every merged line. All unresolved
// references across all lines are reported in one InputMappingError.
func (p *Processor) ApplyMapping(lines []MergedLine, mapping map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(lines))
	unresolved := map[string]bool{}

	for _, line := range lines {
		inputs := make(map[string]any, len(mapping)+1)
		for key, value := range mapping {
			if key == runinfo.LineNumberKey {
				continue
			}
			expr, ok := value.(string)
			if !ok {
				inputs[key] = value
				continue
			}
			m := mappingReference.FindStringSubmatch(expr)
			if m == nil {
				inputs[key] = expr
				continue
			}
			resolved, found := lookupReference(line.Sources, m[1])
			if !found {
				unresolved[expr] = true
				continue
			}
			inputs[key] = resolved
		}
		inputs[runinfo.LineNumberKey] = line.LineNumber
		out = append(out, inputs)
	}

	if len(unresolved) > 0 {
		refs := sortedKeys(unresolved)
		return nil, failure.User(failure.TargetInputs, failure.CodeInputMapping,
			"Couldn't find these mapping relations: %s. Please make sure your input mapping keys and values "+
				"match your flow inputs and input data.", strings.Join(refs, ", "))
	}
	return out, nil
}

// lookupReference resolves "source.column" against the line's sources. The
// source name may itself contain dots, so each split point is tried from the
// shortest source name to the longest.
func lookupReference(sources map[string]map[string]any, expr string) (any, bool) {
	for i := 0; i < len(expr); i++ {
		if expr[i] != '.' {
			continue
		}
		row, ok := sources[expr[:i]]
		if !ok {
			continue
		}
		if v, found := row[expr[i+1:]]; found {
			return v, true
		}
	}
	return nil, false
}

func lineNumberOf(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n != math.Trunc(n) || n < 0 {
			return 0, fmt.Errorf("invalid %s %v", runinfo.LineNumberKey, v)
		}
		return int(n), nil
	default:
		c, err := flow.Coerce(flow.TypeInt, v)
		if err != nil || c == nil {
			return 0, fmt.Errorf("invalid %s %v", runinfo.LineNumberKey, v)
		}
		return c.(int), nil
	}
}

func emptyInputs(inputDirs map[string]string) error {
	return failure.User(failure.TargetInputs, failure.CodeEmptyInputsData,
		"Couldn't find any inputs data at the given input paths %v. Please review the provided path "+
			"and consider resubmitting.", inputDirs)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
