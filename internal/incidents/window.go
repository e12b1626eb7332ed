package incidents

import (
	"context"
	"time"
)

const (
	DefaultDuplicateWindow  = 10 * time.Minute
	DefaultEscalationWindow = 30 * time.Minute
	DefaultRepeatThreshold  = 3
)

// SimilarCounter is the read side of the incident store the window needs.
// The range is [from, to): inclusive start, exclusive end.
type SimilarCounter interface {
	CountSimilar(ctx context.Context, sourceIP, threatType string, from, to time.Time) (int, error)
}

// Window evaluates the duplicate-suppression and escalation windows for a
// (source_ip, threat_type) pair. It only reads.
type Window struct {
	store      SimilarCounter
	duplicate  time.Duration
	escalation time.Duration
}

func NewWindow(store SimilarCounter, duplicate, escalation time.Duration) *Window {
	if duplicate <= 0 {
		duplicate = DefaultDuplicateWindow
	}
	if escalation <= 0 {
		escalation = DefaultEscalationWindow
	}
	return &Window{store: store, duplicate: duplicate, escalation: escalation}
}

func (w *Window) DuplicateWindow() time.Duration { return w.duplicate }

// IsDuplicate reports whether an incident for the pair was created in
// [now-duplicate, now).
func (w *Window) IsDuplicate(ctx context.Context, sourceIP, threatType string, now time.Time) (bool, error) {
	n, err := w.store.CountSimilar(ctx, sourceIP, threatType, now.Add(-w.duplicate), now)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountOccurrences returns prior incidents for the pair in
// [now-escalation, now). The caller adds one for the current detection.
func (w *Window) CountOccurrences(ctx context.Context, sourceIP, threatType string, now time.Time) (int, error) {
	return w.store.CountSimilar(ctx, sourceIP, threatType, now.Add(-w.escalation), now)
}
