package flow

import (
	"sort"
)

// validate checks node names, references, and acyclicity, then computes the
// execution order of line and aggregation nodes.
func (f *Flow) validate() error {
	byName := make(map[string]Node, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.Name == inputsSource {
			return invalidFlow("node name %q is reserved", inputsSource)
		}
		if _, dup := byName[n.Name]; dup {
			return invalidFlow("duplicate node name %q", n.Name)
		}
		byName[n.Name] = n
	}

	deps := make(map[string][]string, len(f.Nodes))
	for _, n := range f.Nodes {
		refs, err := collectReferences(anyMap(n.Inputs))
		if err != nil {
			return invalidFlow("node %q: %v", n.Name, err)
		}
		for _, ref := range refs {
			if err = f.checkReference(ref, byName); err != nil {
				return invalidFlow("node %q: %v", n.Name, err)
			}
			if ref.isInput() {
				continue
			}
			target := byName[ref.source]
			if !n.Aggregation && target.Aggregation {
				return invalidFlow("line node %q cannot reference aggregation node %q", n.Name, ref.source)
			}
			// Aggregation nodes read line node outputs from the collected
			// aggregation inputs, so only same-phase edges order execution.
			if target.Aggregation == n.Aggregation {
				deps[n.Name] = append(deps[n.Name], ref.source)
			}
		}
	}

	for name, out := range f.Outputs {
		ref, ok, err := parseReference(out.Reference)
		if err != nil || !ok {
			return invalidFlow("output %q has invalid reference %q", name, out.Reference)
		}
		if err = f.checkReference(ref, byName); err != nil {
			return invalidFlow("output %q: %v", name, err)
		}
	}

	var lineNodes, aggrNodes []Node
	for _, n := range f.Nodes {
		if n.Aggregation {
			aggrNodes = append(aggrNodes, n)
		} else {
			lineNodes = append(lineNodes, n)
		}
	}

	var err error
	if f.lineOrder, err = topoSort(lineNodes, deps); err != nil {
		return err
	}
	if f.aggrOrder, err = topoSort(aggrNodes, deps); err != nil {
		return err
	}
	return nil
}

func (f *Flow) checkReference(ref reference, nodes map[string]Node) error {
	if ref.isInput() {
		if _, ok := f.Inputs[ref.path[0]]; !ok {
			return errUnknown("input", ref.path[0])
		}
		return nil
	}
	if _, ok := nodes[ref.source]; !ok {
		return errUnknown("node", ref.source)
	}
	return nil
}

type unknownRefError struct{ kind, name string }

func (e unknownRefError) Error() string { return "references unknown " + e.kind + " \"" + e.name + "\"" }

func errUnknown(kind, name string) error { return unknownRefError{kind: kind, name: name} }

// topoSort orders nodes so each appears after its dependencies, keeping
// declaration order among independent nodes.
func topoSort(nodes []Node, deps map[string][]string) ([]Node, error) {
	position := make(map[string]int, len(nodes))
	for i, n := range nodes {
		position[n.Name] = i
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		seen := map[string]bool{}
		for _, d := range deps[n.Name] {
			if _, inPhase := position[d]; !inPhase || seen[d] {
				continue
			}
			seen[d] = true
			indegree[n.Name]++
			dependents[d] = append(dependents[d], n.Name)
		}
	}

	var ready []string
	for _, n := range nodes {
		if indegree[n.Name] == 0 {
			ready = append(ready, n.Name)
		}
	}

	ordered := make([]Node, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, nodes[position[name]])
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(ordered) != len(nodes) {
		var cyclic []string
		for _, n := range nodes {
			if indegree[n.Name] > 0 {
				cyclic = append(cyclic, n.Name)
			}
		}
		return nil, invalidFlow("flow contains a cycle through nodes %v", cyclic)
	}
	return ordered, nil
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
