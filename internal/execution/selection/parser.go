// Package selection parses step-selection expressions and resolves them
// against a pipeline graph.
//
// An expression is a comma separated list of clauses. Each clause names one
// step, optionally prefixed with an upstream operator and suffixed with a
// downstream operator:
//
//	train        the step itself
//	*train       train and all of its ancestors
//	++train      train and ancestors up to two levels up
//	train+       train and its direct dependents
//	train*       train and all of its descendants
//	*train*      both directions, unbounded
//
// "*+" and "+*" are accepted as unbounded spellings of the prefix and suffix.
package selection

import (
	"fmt"
	"strings"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/graph"
)

// Clause is one parsed selection term.
type Clause struct {
	Step       string
	Upstream   graph.Depth
	Downstream graph.Depth
}

func (c Clause) String() string {
	return depthOperator(c.Upstream) + c.Step + depthOperator(c.Downstream)
}

// Parse turns an expression into clauses. It performs no graph lookups.
func Parse(expression string) ([]Clause, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, &domain.MalformedSelectionError{Expression: expression, Reason: "selection is empty"}
	}
	parts := strings.Split(expression, ",")
	clauses := make([]Clause, 0, len(parts))
	for _, part := range parts {
		clause, reason := parseClause(strings.TrimSpace(part))
		if reason != "" {
			return nil, &domain.MalformedSelectionError{Expression: expression, Clause: part, Reason: reason}
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

func parseClause(raw string) (Clause, string) {
	if raw == "" {
		return Clause{}, "empty clause"
	}
	clause := Clause{}
	rest := raw

	switch {
	case strings.HasPrefix(rest, "*+"):
		clause.Upstream = graph.Unbounded
		rest = rest[2:]
	case strings.HasPrefix(rest, "*"):
		clause.Upstream = graph.Unbounded
		rest = rest[1:]
	default:
		n := countPlus(rest)
		clause.Upstream = graph.Depth(n)
		rest = rest[n:]
	}

	end := 0
	for end < len(rest) && isNameByte(rest[end]) {
		end++
	}
	if end == 0 {
		if rest == "" {
			return Clause{}, "missing step name"
		}
		return Clause{}, fmt.Sprintf("unexpected character %q", rest[0])
	}
	if !isNameStart(rest[0]) {
		return Clause{}, fmt.Sprintf("step name cannot start with %q", rest[0])
	}
	clause.Step = rest[:end]
	rest = rest[end:]

	switch {
	case rest == "":
	case rest == "*" || rest == "+*":
		clause.Downstream = graph.Unbounded
	default:
		n := countPlus(rest)
		if n == 0 || n != len(rest) {
			return Clause{}, fmt.Sprintf("unexpected character %q", rest[n])
		}
		clause.Downstream = graph.Depth(n)
	}
	return clause, ""
}

func countPlus(s string) int {
	n := 0
	for n < len(s) && s[n] == '+' {
		n++
	}
	return n
}

func isNameStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isNameByte(b byte) bool {
	return isNameStart(b) || b == '.' || b == '-' || b == '/'
}

func depthOperator(d graph.Depth) string {
	if d < 0 {
		return "*"
	}
	return strings.Repeat("+", int(d))
}
