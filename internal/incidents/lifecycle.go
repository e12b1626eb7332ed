package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"threatdesk/internal/metrics"
)

const DefaultTransitionRetries = 3

var transitions = map[Stage][]Stage{
	StageOpen:          {StageInvestigating, StageFalsePositive},
	StageInvestigating: {StageContained, StageFalsePositive},
	StageContained:     {StageResolved, StageFalsePositive},
	StageResolved:      {},
	StageFalsePositive: {},
}

// Valid reports whether s is one of the five lifecycle stages.
func (s Stage) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal stages have no outgoing edges.
func (s Stage) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, s)
	}
	return st, nil
}

// AllowedTransitions returns the stages reachable from s in one step.
func AllowedTransitions(s Stage) []Stage {
	return append([]Stage(nil), transitions[s]...)
}

// CheckTransition accepts the same stage as an idempotent re-application.
func CheckTransition(from, to Stage) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStage, to)
	}
	if from == to {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// Lifecycle applies stage transitions. Each accepted transition is written
// as one version-guarded update carrying the stage, the history entry and
// any enrichment payload the edge requires.
type Lifecycle struct {
	repo       Repository
	dispatcher *Dispatcher
	retries    int
	logger     *zap.Logger
}

func NewLifecycle(repo Repository, dispatcher *Dispatcher, retries int, logger *zap.Logger) *Lifecycle {
	if retries <= 0 {
		retries = DefaultTransitionRetries
	}
	return &Lifecycle{repo: repo, dispatcher: dispatcher, retries: retries, logger: logger}
}

func (l *Lifecycle) Transition(ctx context.Context, id string, requested Stage, notes string, now time.Time) (*Incident, error) {
	if !requested.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, requested)
	}
	now = now.UTC()
	log := l.logger.With(zap.String("incident_id", id), zap.String("to", string(requested)))

	// Payloads survive version conflicts so a retry does not call the
	// reasoning service twice.
	var deep *DeepInvestigation
	var closure *ClosureReport
	var deepTried, closureTried bool
	for attempt := 1; attempt <= l.retries; attempt++ {
		current, err := l.repo.Get(ctx, id)
		if errors.Is(err, ErrIncidentNotFound) {
			return nil, err
		}
		if err != nil {
			return nil, persistenceErr("get incident", err)
		}
		from := current.Stage
		if err := CheckTransition(from, requested); err != nil {
			metrics.Transitions.WithLabelValues(string(from), string(requested), "rejected").Inc()
			return nil, err
		}

		next := current.Clone()
		next.Stage = requested
		next.UpdatedAt = now
		next.History = append(next.History, HistoryEntry{Stage: requested, Timestamp: now, Notes: notes})

		if from != requested && l.dispatcher != nil {
			switch requested {
			case StageInvestigating:
				if next.DeepInvestigation == nil {
					if !deepTried {
						deep = l.dispatcher.DeepInvestigation(ctx, next)
						deepTried = true
					}
					next.DeepInvestigation = deep
				}
			case StageResolved:
				if next.ClosureReport == nil {
					if !closureTried {
						closure = l.dispatcher.ClosureReport(ctx, next)
						closureTried = true
					}
					next.ClosureReport = closure
				}
			}
		}

		err = l.repo.Update(ctx, next, current.Version)
		if errors.Is(err, ErrVersionConflict) {
			log.Debug("version conflict, retrying", zap.Int("attempt", attempt), zap.Int64("version", current.Version))
			continue
		}
		if errors.Is(err, ErrIncidentNotFound) {
			return nil, err
		}
		if err != nil {
			metrics.Transitions.WithLabelValues(string(from), string(requested), "failed").Inc()
			return nil, persistenceErr("update incident", err)
		}
		metrics.Transitions.WithLabelValues(string(from), string(requested), "applied").Inc()
		log.Info("incident stage updated",
			zap.String("from", string(from)),
			zap.Bool("deep_investigation", next.DeepInvestigation != nil),
			zap.Bool("closure_report", next.ClosureReport != nil),
		)
		return next, nil
	}
	metrics.Transitions.WithLabelValues("", string(requested), "conflict").Inc()
	return nil, fmt.Errorf("transition %s after %d attempts: %w", id, l.retries, ErrVersionConflict)
}
