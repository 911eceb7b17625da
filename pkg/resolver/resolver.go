package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/hutch/pkg/types"
)

// Node is one vertex of the dependency graph
type Node struct {
	ID        string
	DependsOn []string
}

// CircularDependencyError indicates the graph contains a cycle.
// Cycle is a closed path: the first id is repeated at the end.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Cycle, " -> "))
}

// Members returns the ids on the cycle without the closing repeat
func (e *CircularDependencyError) Members() []string {
	if len(e.Cycle) < 2 {
		return append([]string(nil), e.Cycle...)
	}
	return append([]string(nil), e.Cycle[:len(e.Cycle)-1]...)
}

// MissingDependencyError indicates a node depends on an id that is not in the graph
type MissingDependencyError struct {
	Node       string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("container %q depends on unknown container %q", e.Node, e.Dependency)
}

func (e *MissingDependencyError) Is(target error) bool { return target == types.ErrValidation }

// Resolve groups nodes into start levels. Every node in level N has all of its
// dependencies in levels < N, and each node sits in the earliest level its
// dependencies allow. Ids inside a level are sorted for deterministic output.
//
// An empty graph yields a single empty level.
func Resolve(nodes []Node) ([][]string, error) {
	if len(nodes) == 0 {
		return [][]string{{}}, nil
	}

	edges := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, &types.ValidationError{Field: "container id", Reason: "must not be empty"}
		}
		if _, dup := edges[n.ID]; dup {
			return nil, &types.ValidationError{Field: "container id", Reason: fmt.Sprintf("duplicate id %q", n.ID)}
		}
		edges[n.ID] = dedupe(n.DependsOn)
	}

	// Reverse edges and in-degrees (number of unresolved dependencies)
	dependents := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for id, deps := range edges {
		inDegree[id] = len(deps)
		for _, dep := range deps {
			if _, ok := edges[dep]; !ok {
				return nil, &MissingDependencyError{Node: id, Dependency: dep}
			}
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var current []string
	for id, deg := range inDegree {
		if deg == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	placed := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		placed += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if placed != len(edges) {
		remaining := make(map[string]bool)
		for id, deg := range inDegree {
			if deg > 0 {
				remaining[id] = true
			}
		}
		return nil, &CircularDependencyError{Cycle: findCycle(edges, remaining)}
	}

	return levels, nil
}

// findCycle walks dependency edges among the unresolved nodes and returns the
// first closed path it finds. Every unresolved node either sits on a cycle or
// depends on one, so the walk always terminates on a cycle.
func findCycle(edges map[string][]string, remaining map[string]bool) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	color := make(map[string]int, len(ids))
	var stack []string
	var cycle []string

	var dfs func(string) bool
	dfs = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		deps := append([]string(nil), edges[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if !remaining[dep] {
				continue
			}
			switch color[dep] {
			case gray:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), dep)
				return true
			case white:
				if dfs(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && dfs(id) {
			return cycle
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// FromDefinitions builds resolver nodes from container definitions
func FromDefinitions(defs []*types.ContainerDefinition) []Node {
	nodes := make([]Node, 0, len(defs))
	for _, def := range defs {
		deps := make([]string, 0, len(def.DependsOn))
		for _, d := range def.DependsOn {
			deps = append(deps, d.ContainerID)
		}
		nodes = append(nodes, Node{ID: def.ID, DependsOn: deps})
	}
	return nodes
}
