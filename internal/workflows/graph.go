// Package workflows holds the workflow graph model, definition validation and
// the predefined workflow catalogue.
package workflows

import (
	"fmt"
	"slices"

	"testforge/backend/pkg/models"
)

// Graph is the dependency graph of a workflow's steps. Edges point from a
// dependency to its dependents. A Graph is immutable once built.
type Graph struct {
	order        []string // definition order
	index        map[string]int
	dependencies map[string][]string
	dependents   map[string][]string
}

// NewGraph builds the dependency graph for steps. It fails on duplicate or
// empty step ids, dependencies on unknown steps, self-dependencies and cycles.
func NewGraph(steps []models.StepDefinition) (*Graph, error) {
	g := &Graph{
		index:        make(map[string]int, len(steps)),
		dependencies: make(map[string][]string, len(steps)),
		dependents:   make(map[string][]string, len(steps)),
	}
	for i, s := range steps {
		if s.ID == "" {
			return nil, fmt.Errorf("step %d has no id", i)
		}
		if _, dup := g.index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate step id: %s", s.ID)
		}
		g.index[s.ID] = i
		g.order = append(g.order, s.ID)
	}
	for _, s := range steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, fmt.Errorf("step %s has self-dependency", s.ID)
			}
			if _, ok := g.index[dep]; !ok {
				return nil, fmt.Errorf("step %s depends on unknown step %s", s.ID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.dependencies[s.ID] = append(g.dependencies[s.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, fmt.Errorf("cycle detected in workflow: %v", cycle)
	}
	return g, nil
}

// findCycle runs a DFS over dependents and returns the first cycle found.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.dependents[id] {
			switch color[next] {
			case grey:
				start := slices.Index(stack, next)
				return append(slices.Clone(stack[start:]), next)
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.order) }

// IDs returns step ids in definition order.
func (g *Graph) IDs() []string { return slices.Clone(g.order) }

// Has reports whether id is a step of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string { return slices.Clone(g.dependencies[id]) }

// Dependents returns the steps that directly depend on id, in definition order.
func (g *Graph) Dependents(id string) []string { return slices.Clone(g.dependents[id]) }

// Roots returns the steps without dependencies, in definition order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.dependencies[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// TopologicalOrder returns every step after all of its dependencies. Among
// steps that are ready at the same time, definition order wins.
func (g *Graph) TopologicalOrder() []string {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.dependencies[id])
	}
	out := make([]string, 0, len(g.order))
	done := make(map[string]bool, len(g.order))
	for len(out) < len(g.order) {
		for _, id := range g.order {
			if done[id] || inDegree[id] > 0 {
				continue
			}
			done[id] = true
			out = append(out, id)
			for _, d := range g.dependents[id] {
				inDegree[d]--
			}
			break
		}
	}
	return out
}

// Descendants returns every step that transitively depends on id, in
// definition order.
func (g *Graph) Descendants(id string) []string {
	return g.reach(id, g.dependents)
}

// Ancestors returns every step id transitively depends on, in definition order.
func (g *Graph) Ancestors(id string) []string {
	return g.reach(id, g.dependencies)
}

// IsAncestor reports whether anc is a transitive dependency of id.
func (g *Graph) IsAncestor(anc, id string) bool {
	return slices.Contains(g.Ancestors(id), anc)
}

func (g *Graph) reach(id string, edges map[string][]string) []string {
	seen := map[string]bool{}
	queue := slices.Clone(edges[id])
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, edges[cur]...)
	}
	var out []string
	for _, s := range g.order {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}
