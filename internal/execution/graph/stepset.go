package graph

import "sort"

// StepSet is an unordered set of step names.
type StepSet map[string]struct{}

func NewStepSet(names ...string) StepSet {
	set := make(StepSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func (s StepSet) Add(name string) {
	s[name] = struct{}{}
}

func (s StepSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s StepSet) Len() int {
	return len(s)
}

// Union adds every member of other to s and returns s.
func (s StepSet) Union(other StepSet) StepSet {
	for name := range other {
		s[name] = struct{}{}
	}
	return s
}

// Sorted returns the members in lexicographic order.
func (s StepSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s StepSet) Clone() StepSet {
	out := make(StepSet, len(s))
	for name := range s {
		out[name] = struct{}{}
	}
	return out
}
