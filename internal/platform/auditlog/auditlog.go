// Package auditlog records the outcome of every re-execution request in the
// append-only audit_events table.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Action string

const (
	ActionDispatched Action = "reexecution.dispatched"
	ActionRejected   Action = "reexecution.rejected"
	ActionLaunched   Action = "run.launched"
)

// Event is one audited request outcome. Subject is the new run once one was
// registered, otherwise what the request named: the parent run of a
// re-execution or the pipeline of a launch.
type Event struct {
	OccurredAt time.Time
	Actor      string
	Action     Action
	Subject    string
	RequestID  string
	Payload    map[string]any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (e Event) Validate() error {
	switch {
	case e.OccurredAt.IsZero():
		return errors.New("OccurredAt is required")
	case strings.TrimSpace(e.Actor) == "":
		return errors.New("Actor is required")
	case strings.TrimSpace(string(e.Action)) == "":
		return errors.New("Action is required")
	case strings.TrimSpace(e.Subject) == "":
		return errors.New("Subject is required")
	}
	return nil
}

// Sealed is an event with its canonical payload and integrity hash.
type Sealed struct {
	Event
	PayloadJSON []byte
	Integrity   string
}

// Seal normalises the event and computes its integrity hash.
func Seal(event Event) (Sealed, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	event.OccurredAt = event.OccurredAt.UTC()
	event.Actor = strings.TrimSpace(event.Actor)
	event.Action = Action(strings.TrimSpace(string(event.Action)))
	event.Subject = strings.TrimSpace(event.Subject)
	event.RequestID = strings.TrimSpace(event.RequestID)
	if err := event.Validate(); err != nil {
		return Sealed{}, err
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return Sealed{}, fmt.Errorf("marshal payload: %w", err)
	}
	sum, err := integrity(event, payloadJSON)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{Event: event, PayloadJSON: payloadJSON, Integrity: sum}, nil
}

// Verify recomputes the hash of a stored event.
func Verify(event Event, payloadJSON []byte, want string) (bool, error) {
	got, err := integrity(event, payloadJSON)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

func integrity(event Event, payloadJSON []byte) (string, error) {
	blob, err := json.Marshal(struct {
		OccurredAt time.Time       `json:"occurred_at"`
		Actor      string          `json:"actor"`
		Action     Action          `json:"action"`
		Subject    string          `json:"subject"`
		RequestID  string          `json:"request_id,omitempty"`
		Payload    json.RawMessage `json:"payload"`
	}{
		OccurredAt: event.OccurredAt.UTC(),
		Actor:      event.Actor,
		Action:     event.Action,
		Subject:    event.Subject,
		RequestID:  event.RequestID,
		Payload:    payloadJSON,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

const insertEventQuery = `INSERT INTO audit_events (
		occurred_at, actor, action, subject, request_id, payload, integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	RETURNING event_id`

// Writer appends audit events to Postgres.
type Writer struct {
	db QueryRower
}

func NewWriter(db QueryRower) *Writer {
	return &Writer{db: db}
}

func (w *Writer) Append(ctx context.Context, event Event) error {
	_, err := w.Insert(ctx, event)
	return err
}

// Insert stores the event and returns its id.
func (w *Writer) Insert(ctx context.Context, event Event) (int64, error) {
	if w.db == nil {
		return 0, errors.New("queryer is required")
	}
	sealed, err := Seal(event)
	if err != nil {
		return 0, err
	}
	var requestID sql.NullString
	if sealed.RequestID != "" {
		requestID = sql.NullString{String: sealed.RequestID, Valid: true}
	}

	var id int64
	err = w.db.QueryRowContext(ctx, insertEventQuery,
		sealed.OccurredAt,
		sealed.Actor,
		string(sealed.Action),
		sealed.Subject,
		requestID,
		sealed.PayloadJSON,
		sealed.Integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}
