// Package lineageevent appends subject-predicate-object lineage facts to the
// lineage_events table. Events are never updated; each carries an integrity
// hash over its content.
package lineageevent

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

type Predicate string

// PredicateReexecutionOf links a re-execution run to its parent run.
const PredicateReexecutionOf Predicate = "reexecution_of"

const NodeRun = "pipeline_run"

// Node is one end of a lineage fact.
type Node struct {
	Type string
	ID   string
}

func RunNode(runID string) Node {
	return Node{Type: NodeRun, ID: runID}
}

func (n Node) valid() bool {
	return strings.TrimSpace(n.Type) != "" && strings.TrimSpace(n.ID) != ""
}

func (n Node) trimmed() Node {
	return Node{Type: strings.TrimSpace(n.Type), ID: strings.TrimSpace(n.ID)}
}

type Event struct {
	OccurredAt time.Time
	Actor      string
	RequestID  string
	Subject    Node
	Predicate  Predicate
	Object     Node
	Metadata   map[string]any
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
	case !e.Subject.valid():
		return errors.New("subject is required")
	case strings.TrimSpace(string(e.Predicate)) == "":
		return errors.New("Predicate is required")
	case !e.Object.valid():
		return errors.New("object is required")
	}
	return nil
}

func (e Event) normalise() Event {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = e.OccurredAt.UTC()
	e.Actor = strings.TrimSpace(e.Actor)
	e.RequestID = strings.TrimSpace(e.RequestID)
	e.Subject = e.Subject.trimmed()
	e.Predicate = Predicate(strings.TrimSpace(string(e.Predicate)))
	e.Object = e.Object.trimmed()
	return e
}

// IntegritySHA256 hashes the normalised event together with its metadata.
func IntegritySHA256(event Event, metadataJSON []byte) (string, error) {
	event = event.normalise()
	blob, err := json.Marshal(struct {
		OccurredAt  time.Time       `json:"occurred_at"`
		Actor       string          `json:"actor"`
		RequestID   string          `json:"request_id,omitempty"`
		SubjectType string          `json:"subject_type"`
		SubjectID   string          `json:"subject_id"`
		Predicate   Predicate       `json:"predicate"`
		ObjectType  string          `json:"object_type"`
		ObjectID    string          `json:"object_id"`
		Metadata    json.RawMessage `json:"metadata"`
	}{
		OccurredAt:  event.OccurredAt,
		Actor:       event.Actor,
		RequestID:   event.RequestID,
		SubjectType: event.Subject.Type,
		SubjectID:   event.Subject.ID,
		Predicate:   event.Predicate,
		ObjectType:  event.Object.Type,
		ObjectID:    event.Object.ID,
		Metadata:    metadataJSON,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

const insertEventQuery = `INSERT INTO lineage_events (
		occurred_at, actor, request_id,
		subject_type, subject_id, predicate, object_type, object_id,
		metadata, integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	RETURNING event_id`

// Writer appends events to Postgres.
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
	event = event.normalise()
	if err := event.Validate(); err != nil {
		return 0, err
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	integrity, err := IntegritySHA256(event, metadataJSON)
	if err != nil {
		return 0, err
	}
	var requestID sql.NullString
	if event.RequestID != "" {
		requestID = sql.NullString{String: event.RequestID, Valid: true}
	}

	var id int64
	err = w.db.QueryRowContext(ctx, insertEventQuery,
		event.OccurredAt,
		event.Actor,
		requestID,
		event.Subject.Type,
		event.Subject.ID,
		string(event.Predicate),
		event.Object.Type,
		event.Object.ID,
		metadataJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert lineage event: %w", err)
	}
	return id, nil
}
