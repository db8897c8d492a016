package lineageevent

import (
	"context"
	"testing"
	"time"
)

func reexecutionEvent() Event {
	return Event{
		OccurredAt: time.Unix(1700000000, 0),
		Actor:      "scheduler",
		RequestID:  "req-123",
		Subject:    RunNode("run-2"),
		Predicate:  PredicateReexecutionOf,
		Object:     RunNode("run-1"),
	}
}

func TestIntegritySHA256(t *testing.T) {
	event := reexecutionEvent()
	metadataJSON := []byte(`{"mode":"FROM_FAILURE"}`)

	a, err := IntegritySHA256(event, metadataJSON)
	if err != nil {
		t.Fatalf("IntegritySHA256() err=%v", err)
	}
	event.Actor = " scheduler "
	event.Subject.ID = "run-2\n"
	b, err := IntegritySHA256(event, metadataJSON)
	if err != nil {
		t.Fatalf("IntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("expected normalised events to hash equally: %q vs %q", a, b)
	}

	c, err := IntegritySHA256(event, []byte(`{"mode":"ALL"}`))
	if err != nil {
		t.Fatalf("IntegritySHA256() err=%v", err)
	}
	if a == c {
		t.Fatalf("expected integrity to differ on metadata")
	}
}

func TestValidate(t *testing.T) {
	event := reexecutionEvent()
	event.Object = Node{Type: NodeRun}
	if err := event.Validate(); err == nil {
		t.Fatalf("expected missing object error")
	}
	event.Object.ID = "run-1"
	if err := event.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	event.Predicate = " "
	if err := event.Validate(); err == nil {
		t.Fatalf("expected missing predicate error")
	}
}

func TestInsertRequiresQueryer(t *testing.T) {
	if _, err := NewWriter(nil).Insert(context.Background(), reexecutionEvent()); err == nil {
		t.Fatalf("expected error without queryer")
	}
}
