package specvalidator

import (
	"fmt"
	"strings"
)

// ValidationError aggregates every issue found in one pipeline document.
type ValidationError struct {
	Pipeline string
	Issues   []string
}

func (e *ValidationError) Error() string {
	subject := "pipeline"
	if e.Pipeline != "" {
		subject = fmt.Sprintf("pipeline %q", e.Pipeline)
	}
	switch len(e.Issues) {
	case 0:
		return subject + " is invalid"
	case 1:
		return subject + " is invalid: " + e.Issues[0]
	default:
		return fmt.Sprintf("%s is invalid (%d issues): %s", subject, len(e.Issues), strings.Join(e.Issues, "; "))
	}
}

// Addf records an issue; blank messages are dropped.
func (e *ValidationError) Addf(format string, args ...any) {
	issue := strings.TrimSpace(fmt.Sprintf(format, args...))
	if issue == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
