package incidents

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIncidentNotFound       = errors.New("incident not found")
	ErrUnknownStage           = errors.New("unknown incident stage")
	ErrInvalidTransition      = errors.New("invalid stage transition")
	ErrVersionConflict        = errors.New("incident was modified concurrently")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// TransitionError reports a disallowed edge of the lifecycle graph.
type TransitionError struct {
	From Stage
	To   Stage
}

func (e *TransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("incident is %s, a terminal stage, and cannot move to %s", e.From, e.To)
	}
	next := AllowedTransitions(e.From)
	names := make([]string, len(next))
	for i, st := range next {
		names[i] = string(st)
	}
	return fmt.Sprintf("invalid stage transition %s -> %s (allowed: %s)", e.From, e.To, strings.Join(names, ", "))
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistenceUnavailable, err)
}
