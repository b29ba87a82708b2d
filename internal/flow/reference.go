package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const inputsSource = "inputs"

var referencePattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\.([^}]+)\}$`)

// reference is a parsed ${source.field...} expression. For node references
// the leading "output" segment is dropped from path.
type reference struct {
	source string
	path   []string
}

func (r reference) isInput() bool { return r.source == inputsSource }

// parseReference parses s as a reference. ok is false for literals.
func parseReference(s string) (reference, bool, error) {
	m := referencePattern.FindStringSubmatch(s)
	if m == nil {
		return reference{}, false, nil
	}
	parts := strings.Split(m[2], ".")
	if m[1] == inputsSource {
		if len(parts) != 1 {
			return reference{}, true, fmt.Errorf("input reference %q must name exactly one input", s)
		}
		return reference{source: inputsSource, path: parts}, true, nil
	}
	if parts[0] != "output" {
		return reference{}, true, fmt.Errorf("node reference %q must be of the form ${node.output[.path]}", s)
	}
	return reference{source: m[1], path: parts[1:]}, true, nil
}

// walkPath descends into v following path through maps and list indexes.
func walkPath(v any, path []string) (any, error) {
	cur := v
	for _, seg := range path {
		switch x := cur.(type) {
		case map[string]any:
			next, ok := x[seg]
			if !ok {
				return nil, fmt.Errorf("key %q not found", seg)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(x) {
				return nil, fmt.Errorf("index %q out of range", seg)
			}
			cur = x[i]
		default:
			return nil, fmt.Errorf("cannot index %T with %q", cur, seg)
		}
	}
	return cur, nil
}

// collectReferences returns every reference found in a node input value,
// descending into lists and maps.
func collectReferences(v any) ([]reference, error) {
	var refs []reference
	var walk func(any) error
	walk = func(x any) error {
		switch t := x.(type) {
		case string:
			ref, ok, err := parseReference(t)
			if err != nil {
				return err
			}
			if ok {
				refs = append(refs, ref)
			}
		case []any:
			for _, e := range t {
				if err := walk(e); err != nil {
					return err
				}
			}
		case map[string]any:
			for _, e := range t {
				if err := walk(e); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(v); err != nil {
		return nil, err
	}
	return refs, nil
}

// resolveValue replaces every reference inside v using lookup.
func resolveValue(v any, lookup func(reference) (any, error)) (any, error) {
	switch t := v.(type) {
	case string:
		ref, ok, err := parseReference(t)
		if err != nil {
			return nil, err
		}
		if !ok {
			return t, nil
		}
		return lookup(ref)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := resolveValue(e, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := resolveValue(e, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
