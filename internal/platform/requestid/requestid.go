// Package requestid carries the correlation id of an inbound request through
// contexts so audit and lineage writes can reference it.
package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

const (
	Header    = "X-Request-Id"
	maxLength = 128
)

type ctxKey struct{}

func New() string {
	return uuid.NewString()
}

// Normalize returns the trimmed id, or "" when it is too long or holds
// characters other than printable ASCII.
func Normalize(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > maxLength {
		return ""
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return ""
		}
	}
	return id
}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Normalize(id))
}

func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
