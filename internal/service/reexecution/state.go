package reexecution

import (
	"fmt"
	"log/slog"
)

// RequestState is the lifecycle of one re-execution request.
type RequestState string

const (
	StateReceived   RequestState = "received"
	StateValidating RequestState = "validating"
	StatePlanned    RequestState = "planned"
	StateDispatched RequestState = "dispatched"
	StateRejected   RequestState = "rejected"
)

// IsTerminal reports whether the request reached a final state.
func (s RequestState) IsTerminal() bool {
	return s == StateDispatched || s == StateRejected
}

// CanTransition enforces the request state machine.
func CanTransition(from, to RequestState) bool {
	switch from {
	case StateReceived:
		return to == StateValidating || to == StateRejected
	case StateValidating:
		return to == StatePlanned || to == StateRejected
	case StatePlanned:
		return to == StateDispatched || to == StateRejected
	default:
		return false
	}
}

type requestFlow struct {
	logger *slog.Logger
	state  RequestState
}

func newRequestFlow(logger *slog.Logger) *requestFlow {
	return &requestFlow{logger: logger, state: StateReceived}
}

func (f *requestFlow) advance(to RequestState) error {
	if !CanTransition(f.state, to) {
		return fmt.Errorf("request cannot move from %s to %s", f.state, to)
	}
	f.logger.Debug("reexecution request transition", "from", f.state, "to", to)
	f.state = to
	return nil
}
