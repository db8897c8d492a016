package lineageevent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Filter narrows a listing. Zero fields match everything; BeforeID pages
// backwards through event ids.
type Filter struct {
	SubjectType string
	SubjectID   string
	ObjectType  string
	ObjectID    string
	Predicate   string
	BeforeID    int64
	Limit       int
}

// Record is a stored event.
type Record struct {
	EventID     int64           `json:"eventId"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Actor       string          `json:"actor"`
	RequestID   string          `json:"requestId,omitempty"`
	SubjectType string          `json:"subjectType"`
	SubjectID   string          `json:"subjectId"`
	Predicate   string          `json:"predicate"`
	ObjectType  string          `json:"objectType"`
	ObjectID    string          `json:"objectId"`
	Metadata    json.RawMessage `json:"metadata"`
}

// List returns matching events, newest first.
func List(ctx context.Context, q Querier, filter Filter) ([]Record, error) {
	query, args := listQuery(filter)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lineage events: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec         Record
			requestID   sql.NullString
			metadataRaw []byte
		)
		if err := rows.Scan(&rec.EventID, &rec.OccurredAt, &rec.Actor, &requestID, &rec.SubjectType, &rec.SubjectID, &rec.Predicate, &rec.ObjectType, &rec.ObjectID, &metadataRaw); err != nil {
			return nil, fmt.Errorf("scan lineage event: %w", err)
		}
		rec.RequestID = strings.TrimSpace(requestID.String)
		rec.Metadata = normalizeJSON(metadataRaw)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list lineage events: %w", err)
	}
	return out, nil
}

func listQuery(filter Filter) (string, []any) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 7)
	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, column+" $"+strconv.Itoa(len(args)))
	}

	if filter.BeforeID > 0 {
		add("event_id <", filter.BeforeID)
	}
	if v := strings.TrimSpace(filter.SubjectType); v != "" {
		add("subject_type =", v)
	}
	if v := strings.TrimSpace(filter.SubjectID); v != "" {
		add("subject_id =", v)
	}
	if v := strings.TrimSpace(filter.ObjectType); v != "" {
		add("object_type =", v)
	}
	if v := strings.TrimSpace(filter.ObjectID); v != "" {
		add("object_id =", v)
	}
	if v := strings.TrimSpace(filter.Predicate); v != "" {
		add("predicate =", v)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	args = append(args, limit)

	query := `SELECT event_id, occurred_at, actor, request_id, subject_type, subject_id, predicate, object_type, object_id, metadata
		FROM lineage_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY event_id DESC LIMIT $" + strconv.Itoa(len(args))
	return query, args
}

func normalizeJSON(raw []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}
