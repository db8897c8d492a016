package selection

import (
	"github.com/animus-labs/reexec/internal/execution/graph"
)

// Resolve expands clauses into the set of graph steps they select. Every
// named step must exist in the graph.
func Resolve(g *graph.Graph, clauses []Clause) (graph.StepSet, error) {
	selected := graph.NewStepSet()
	for _, clause := range clauses {
		up, err := g.Ancestors(clause.Step, clause.Upstream, true)
		if err != nil {
			return nil, err
		}
		down, err := g.Descendants(clause.Step, clause.Downstream, false)
		if err != nil {
			return nil, err
		}
		selected.Union(up).Union(down)
	}
	return selected, nil
}

// ParseAndResolve parses an expression and resolves it against g.
func ParseAndResolve(g *graph.Graph, expression string) (graph.StepSet, error) {
	clauses, err := Parse(expression)
	if err != nil {
		return nil, err
	}
	return Resolve(g, clauses)
}
