package auditlog

import (
	"strings"
	"testing"
	"time"
)

func TestSealNormalisesFields(t *testing.T) {
	event := Event{
		OccurredAt: time.Unix(1700000000, 0),
		Actor:      "scheduler",
		Action:     ActionDispatched,
		Subject:    "run-2",
		Payload:    map[string]any{"mode": "FROM_FAILURE"},
	}
	a, err := Seal(event)
	if err != nil {
		t.Fatalf("Seal() err=%v", err)
	}
	event.Actor = "  scheduler "
	event.Subject = "run-2 "
	b, err := Seal(event)
	if err != nil {
		t.Fatalf("Seal() err=%v", err)
	}
	if a.Integrity != b.Integrity {
		t.Fatalf("expected trimmed fields to hash equally")
	}
	if a.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp")
	}

	ok, err := Verify(a.Event, a.PayloadJSON, a.Integrity)
	if err != nil || !ok {
		t.Fatalf("Verify() = %v, %v", ok, err)
	}
	ok, err = Verify(a.Event, []byte(`{"mode":"ALL"}`), a.Integrity)
	if err != nil || ok {
		t.Fatalf("expected tampered payload to fail verification")
	}
}

func TestSealDefaultsPayload(t *testing.T) {
	sealed, err := Seal(Event{Actor: "a", Action: ActionRejected, Subject: "run-1"})
	if err != nil {
		t.Fatalf("Seal() err=%v", err)
	}
	if string(sealed.PayloadJSON) != "{}" || sealed.OccurredAt.IsZero() {
		t.Fatalf("unexpected sealed event: %+v", sealed)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		event Event
		field string
	}{
		{Event{Actor: "a", Action: ActionLaunched, Subject: "r"}, "OccurredAt"},
		{Event{OccurredAt: time.Now(), Action: ActionLaunched, Subject: "r"}, "Actor"},
		{Event{OccurredAt: time.Now(), Actor: "a", Subject: "r"}, "Action"},
		{Event{OccurredAt: time.Now(), Actor: "a", Action: ActionLaunched}, "Subject"},
	}
	for _, tc := range cases {
		if err := tc.event.Validate(); err == nil || !strings.Contains(err.Error(), tc.field) {
			t.Fatalf("expected %s error, got %v", tc.field, err)
		}
	}
}

func TestInsertRequiresQueryer(t *testing.T) {
	if _, err := NewWriter(nil).Insert(t.Context(), Event{}); err == nil {
		t.Fatalf("expected error without a database")
	}
}
