package selection

import (
	"errors"
	"reflect"
	"testing"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/graph/graphtest"
)

func TestParseAndResolve(t *testing.T) {
	g := graphtest.New(t, "chain", "A->B", "B->C", "C->D", "X->C")

	tests := []struct {
		expr string
		want []string
	}{
		{expr: "B", want: []string{"B"}},
		{expr: "B+", want: []string{"B", "C"}},
		{expr: "B*", want: []string{"B", "C", "D"}},
		{expr: "+C", want: []string{"B", "C", "X"}},
		{expr: "*C", want: []string{"A", "B", "C", "X"}},
		{expr: "++D", want: []string{"B", "C", "D", "X"}},
		{expr: "A,D", want: []string{"A", "D"}},
		{expr: "A+,B+", want: []string{"A", "B", "C"}},
	}
	for _, tt := range tests {
		got, err := ParseAndResolve(g, tt.expr)
		if err != nil {
			t.Fatalf("resolve %q: %v", tt.expr, err)
		}
		if !reflect.DeepEqual(got.Sorted(), tt.want) {
			t.Fatalf("resolve %q = %v, want %v", tt.expr, got.Sorted(), tt.want)
		}
	}
}

func TestResolveUnknownStep(t *testing.T) {
	g := graphtest.Linear(t)
	_, err := ParseAndResolve(g, "A,Q+")
	var unknown *domain.UnknownStepError
	if !errors.As(err, &unknown) || unknown.Step != "Q" {
		t.Fatalf("expected UnknownStepError for Q, got %v", err)
	}
}

func TestResolveMalformedNeverTouchesGraph(t *testing.T) {
	g := graphtest.Linear(t)
	_, err := ParseAndResolve(g, "+++")
	var malformed *domain.MalformedSelectionError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedSelectionError, got %v", err)
	}
}
