package incidents

import (
	"context"
)

// Repository is the incident document store.
//
// Create assigns ID and sets Version to 1. Update writes inc only if the
// stored version still equals expectedVersion, and bumps inc.Version on
// success; otherwise it returns ErrVersionConflict (or ErrIncidentNotFound
// if the record is gone). Get returns ErrIncidentNotFound for unknown ids.
type Repository interface {
	SimilarCounter
	Create(ctx context.Context, inc *Incident) error
	Get(ctx context.Context, id string) (*Incident, error)
	Update(ctx context.Context, inc *Incident, expectedVersion int64) error
	List(ctx context.Context, f ListFilter) ([]Incident, error)
	SeverityCounts(ctx context.Context) (map[Severity]int, error)
}

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func (f ListFilter) matches(inc *Incident) bool {
	if f.Stage != "" && inc.Stage != f.Stage {
		return false
	}
	if f.Severity != "" && inc.Severity != f.Severity {
		return false
	}
	if f.SourceIP != "" && inc.SourceIP != f.SourceIP {
		return false
	}
	if f.ThreatType != "" && inc.ThreatType != NormalizeThreatType(f.ThreatType) {
		return false
	}
	if f.RepeatOffender != nil && inc.RepeatOffender != *f.RepeatOffender {
		return false
	}
	return true
}
