package postgres

import (
	"strings"
	"testing"

	"github.com/animus-labs/reexec/internal/repo"
)

func TestRunQueriesAreAppendOnly(t *testing.T) {
	if !strings.Contains(insertRunQuery, "ON CONFLICT (run_id) DO NOTHING") {
		t.Fatalf("expected conflict guard on run insert")
	}
	if !strings.Contains(insertStepStatusQuery, "ON CONFLICT (run_id, step_name) DO NOTHING") {
		t.Fatalf("expected one status per step")
	}
	for name, query := range map[string]string{
		"insert step status": insertStepStatusQuery,
		"update run state":   updateRunStateQuery,
	} {
		if !strings.Contains(query, "state NOT IN ('succeeded', 'failed')") {
			t.Fatalf("%s: expected sealed-run guard", name)
		}
	}
	if !strings.Contains(listStepStatusesQuery, "ORDER BY seq ASC") {
		t.Fatalf("expected statuses in recording order")
	}
	if strings.Contains(updateRunStateQuery, "parent_run_id") || strings.Contains(updateRunStateQuery, "planned_steps") {
		t.Fatalf("state update must not touch lineage columns")
	}
}

func TestListRunsQuery(t *testing.T) {
	query, args := listRunsQuery(repo.RunFilter{RootRunID: "run-1", ParentRunID: "run-2", Limit: 5})
	if !strings.Contains(query, "parent_run_id = $1 AND root_run_id = $2") {
		t.Fatalf("unexpected predicates: %s", query)
	}
	if !strings.HasSuffix(query, "ORDER BY created_at DESC, run_id DESC LIMIT $3") {
		t.Fatalf("unexpected ordering: %s", query)
	}
	if len(args) != 3 || args[0] != "run-2" || args[1] != "run-1" || args[2] != 5 {
		t.Fatalf("unexpected args %v", args)
	}

	query, args = listRunsQuery(repo.RunFilter{})
	if strings.Contains(query, "WHERE") || len(args) != 0 {
		t.Fatalf("expected unfiltered query, got %s %v", query, args)
	}
}

func TestEncodeJSONUsesEmptyForNil(t *testing.T) {
	raw, err := encodeJSON[map[string]string](nil, map[string]string{})
	if err != nil || string(raw) != "{}" {
		t.Fatalf("encodeJSON(nil) = %s, %v", raw, err)
	}
	raw, err = encodeJSON([]string(nil), []string{})
	if err != nil || string(raw) != "[]" {
		t.Fatalf("encodeJSON(nil slice) = %s, %v", raw, err)
	}
}
