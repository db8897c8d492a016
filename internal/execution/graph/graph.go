package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/specvalidator"
)

// Depth bounds an ancestor or descendant walk. Unbounded walks to the graph edge.
type Depth int

// Unbounded is the depth of a walk with no limit.
const Unbounded Depth = -1

// Graph is an immutable, validated pipeline DAG. It is safe for concurrent reads.
type Graph struct {
	name       string
	hash       string
	steps      map[string]domain.PipelineStep
	names      []string
	upstream   map[string][]string
	downstream map[string][]string
	order      []string
}

// New validates the pipeline document and builds the graph. Structural issues
// are returned as *specvalidator.ValidationError, cycles as *domain.CycleError.
func New(spec domain.PipelineSpec) (*Graph, error) {
	if err := specvalidator.ValidatePipelineSpec(spec); err != nil {
		return nil, err
	}

	g := &Graph{
		name:       spec.Name(),
		steps:      make(map[string]domain.PipelineStep, len(spec.Spec.Steps)),
		upstream:   make(map[string][]string, len(spec.Spec.Steps)),
		downstream: make(map[string][]string, len(spec.Spec.Steps)),
	}
	for _, step := range spec.Spec.Steps {
		step = step.Canonical()
		g.steps[step.Name] = step
		g.names = append(g.names, step.Name)
	}
	sort.Strings(g.names)

	seen := make(map[domain.PipelineDependency]struct{})
	for _, edge := range spec.DependencyEdges() {
		if _, dup := seen[edge]; dup {
			continue
		}
		seen[edge] = struct{}{}
		g.upstream[edge.To] = append(g.upstream[edge.To], edge.From)
		g.downstream[edge.From] = append(g.downstream[edge.From], edge.To)
	}
	for _, name := range g.names {
		sort.Strings(g.upstream[name])
		sort.Strings(g.downstream[name])
	}

	if path := g.findCycle(); len(path) > 0 {
		return nil, &domain.CycleError{Pipeline: g.name, Path: path}
	}

	g.order = g.topoSort()

	hash, err := g.computeHash()
	if err != nil {
		return nil, err
	}
	g.hash = hash
	return g, nil
}

// Name is the pipeline name.
func (g *Graph) Name() string { return g.name }

// Hash identifies the graph shape; two pipelines with the same steps, edges and
// artifact bindings hash identically.
func (g *Graph) Hash() string { return g.hash }

// Steps returns all step names in lexicographic order.
func (g *Graph) Steps() []string {
	return append([]string(nil), g.names...)
}

// Has reports whether the graph declares the step.
func (g *Graph) Has(name string) bool {
	_, ok := g.steps[name]
	return ok
}

// Step returns the step definition with trimmed bindings.
func (g *Graph) Step(name string) (domain.PipelineStep, bool) {
	step, ok := g.steps[name]
	return step, ok
}

// Upstream returns the direct dependencies of a step.
func (g *Graph) Upstream(name string) ([]string, error) {
	if !g.Has(name) {
		return nil, g.unknown(name)
	}
	return append([]string(nil), g.upstream[name]...), nil
}

// Downstream returns the direct dependents of a step.
func (g *Graph) Downstream(name string) ([]string, error) {
	if !g.Has(name) {
		return nil, g.unknown(name)
	}
	return append([]string(nil), g.downstream[name]...), nil
}

// Inputs returns the artifact inputs a step reads from upstream steps.
func (g *Graph) Inputs(name string) ([]domain.PipelineArtifactInput, error) {
	step, ok := g.steps[name]
	if !ok {
		return nil, g.unknown(name)
	}
	return append([]domain.PipelineArtifactInput(nil), step.Inputs.Artifacts...), nil
}

// Descendants returns the steps reachable downstream of name within depth.
func (g *Graph) Descendants(name string, depth Depth, inclusive bool) (StepSet, error) {
	return g.walk(name, depth, inclusive, g.downstream)
}

// Ancestors returns the steps reachable upstream of name within depth.
func (g *Graph) Ancestors(name string, depth Depth, inclusive bool) (StepSet, error) {
	return g.walk(name, depth, inclusive, g.upstream)
}

func (g *Graph) walk(name string, depth Depth, inclusive bool, adj map[string][]string) (StepSet, error) {
	if !g.Has(name) {
		return nil, g.unknown(name)
	}
	out := NewStepSet()
	if inclusive {
		out.Add(name)
	}
	visited := NewStepSet(name)
	frontier := []string{name}
	for level := 0; len(frontier) > 0; level++ {
		if depth >= 0 && level >= int(depth) {
			break
		}
		var next []string
		for _, current := range frontier {
			for _, neighbor := range adj[current] {
				if visited.Has(neighbor) {
					continue
				}
				visited.Add(neighbor)
				out.Add(neighbor)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return out, nil
}

// TopologicalOrder returns the members of set ordered so that every step comes
// after its dependencies. Ties are broken lexicographically, so the order is
// stable across calls.
func (g *Graph) TopologicalOrder(set StepSet) ([]string, error) {
	for _, name := range set.Sorted() {
		if !g.Has(name) {
			return nil, g.unknown(name)
		}
	}
	out := make([]string, 0, len(set))
	for _, name := range g.order {
		if set.Has(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (g *Graph) unknown(name string) error {
	return &domain.UnknownStepError{Pipeline: g.name, Step: name}
}

func (g *Graph) findCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.names))
	stack := make([]string, 0, len(g.names))
	var cycle []string

	var visit func(string) bool
	visit = func(node string) bool {
		state[node] = visiting
		stack = append(stack, node)
		for _, next := range g.downstream[node] {
			switch state[next] {
			case visiting:
				for i, onStack := range stack {
					if onStack == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						break
					}
				}
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		return false
	}

	for _, node := range g.names {
		if state[node] == unvisited && visit(node) {
			return cycle
		}
	}
	return nil
}

func (g *Graph) topoSort() []string {
	inDegree := make(map[string]int, len(g.names))
	for _, name := range g.names {
		inDegree[name] = len(g.upstream[name])
	}

	ready := make([]string, 0, len(g.names))
	for _, name := range g.names {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	ordered := make([]string, 0, len(g.names))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, name)
		for _, neighbor := range g.downstream[name] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				ready = append(ready, neighbor)
				sort.Strings(ready)
			}
		}
	}
	return ordered
}

type hashPayload struct {
	Name  string            `json:"name"`
	Steps []hashStepPayload `json:"steps"`
}

type hashStepPayload struct {
	Name     string   `json:"name"`
	Upstream []string `json:"upstream"`
	Inputs   []string `json:"inputs"`
	Outputs  []string `json:"outputs"`
}

func (g *Graph) computeHash() (string, error) {
	payload := hashPayload{Name: g.name, Steps: make([]hashStepPayload, 0, len(g.names))}
	for _, name := range g.names {
		step := g.steps[name]
		entry := hashStepPayload{
			Name:     name,
			Upstream: append([]string{}, g.upstream[name]...),
			Inputs:   make([]string, 0, len(step.Inputs.Artifacts)),
			Outputs:  step.OutputNames(),
		}
		for _, input := range step.Inputs.Artifacts {
			entry.Inputs = append(entry.Inputs, fmt.Sprintf("%s=%s.%s", input.Name, input.FromStep, input.Artifact))
		}
		sort.Strings(entry.Inputs)
		sort.Strings(entry.Outputs)
		payload.Steps = append(payload.Steps, entry)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
