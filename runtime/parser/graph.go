package parser

import (
	"github.com/BDNK1/reflow/runtime"
)

// Graph is the dependency graph of one flow. Edges point from a step to the
// steps it depends on.
type Graph struct {
	flow string

	// nodes in declaration order
	nodes []string

	// edges maps step id to the steps it depends on
	edges map[string][]string

	// reverseEdges maps step id to the steps that depend on it
	reverseEdges map[string][]string
}

// BuildGraph constructs the dependency graph of a flow from each step's
// Dependencies. Dependencies on undeclared steps are ignored; the parser
// reports those separately.
func BuildGraph(flow *runtime.FlowDefinition) *Graph {
	g := &Graph{
		flow:         flow.Name,
		nodes:        make([]string, 0, len(flow.Steps)),
		edges:        make(map[string][]string, len(flow.Steps)),
		reverseEdges: make(map[string][]string, len(flow.Steps)),
	}

	for _, step := range flow.Steps {
		g.nodes = append(g.nodes, step.ID)
		g.edges[step.ID] = []string{}
		g.reverseEdges[step.ID] = []string{}
	}

	for _, step := range flow.Steps {
		for _, dep := range step.Dependencies {
			if _, exists := g.edges[dep]; !exists {
				continue
			}
			g.edges[step.ID] = append(g.edges[step.ID], dep)
			g.reverseEdges[dep] = append(g.reverseEdges[dep], step.ID)
		}
	}

	return g
}

// TopologicalOrder returns the flow's step ids with every step after the
// steps it depends on. Ties keep declaration order, so the result is
// deterministic. A cyclic flow yields a CycleDetected error.
func TopologicalOrder(flow *runtime.FlowDefinition) ([]string, error) {
	return BuildGraph(flow).TopologicalSort()
}

// TopologicalSort orders nodes depth-first: each node is emitted after all
// of its dependencies.
func (g *Graph) TopologicalSort() ([]string, error) {
	if cycle := g.FindCycle(); cycle != nil {
		return nil, runtime.NewCycleDetected(g.flow, cycle)
	}

	done := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(node string)
	visit = func(node string) {
		if done[node] {
			return
		}
		done[node] = true
		for _, dep := range g.edges[node] {
			visit(dep)
		}
		result = append(result, node)
	}

	for _, node := range g.nodes {
		visit(node)
	}
	return result, nil
}

// FindCycle returns a dependency cycle as a path that starts and ends on the
// same step, or nil. A node reached again while it is still on the DFS stack
// closes the cycle.
func (g *Graph) FindCycle() []string {
	visited := make(map[string]bool, len(g.nodes))
	visiting := make(map[string]bool, len(g.nodes))
	var stack []string

	var dfs func(node string) []string
	dfs = func(node string) []string {
		visited[node] = true
		visiting[node] = true
		stack = append(stack, node)

		for _, dep := range g.edges[node] {
			if visiting[dep] {
				start := 0
				for i, n := range stack {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append([]string{}, stack[start:]...)
				return append(cycle, dep)
			}
			if !visited[dep] {
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			}
		}

		visiting[node] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, node := range g.nodes {
		if !visited[node] {
			if cycle := dfs(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency
func (g *Graph) HasCycle() bool {
	return g.FindCycle() != nil
}

// Dependencies returns the steps the given step depends on
func (g *Graph) Dependencies(stepID string) []string {
	return g.edges[stepID]
}

// Dependents returns the steps that depend on the given step
func (g *Graph) Dependents(stepID string) []string {
	return g.reverseEdges[stepID]
}

// Nodes returns all step ids in declaration order
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.nodes...)
}
