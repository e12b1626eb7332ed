package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"threatdesk/internal/reasoning"
)

func openIncident(repo *memRepo) *Incident {
	return repo.seed(&Incident{
		ThreatType:      "CREDENTIAL_DUMPING",
		SourceIP:        "1.2.3.4",
		RiskScore:       95,
		Severity:        SeverityCritical,
		Stage:           StageOpen,
		OccurrenceCount: 1,
		Mitre:           Classify("CREDENTIAL_DUMPING"),
		History:         []HistoryEntry{{Stage: StageOpen, Timestamp: t0, Notes: "Incident created"}},
		CreatedAt:       t0,
		UpdatedAt:       t0,
	})
}

func newTestLifecycle(t *testing.T, repo Repository, r Reasoner) *Lifecycle {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewLifecycle(repo, NewDispatcher(r, time.Second, logger), 0, logger)
}

// assertValidWalk checks that consecutive history stages follow the
// transition table.
func assertValidWalk(t *testing.T, inc *Incident) {
	t.Helper()
	require.NotEmpty(t, inc.History)
	assert.Equal(t, StageOpen, inc.History[0].Stage)
	for i := 1; i < len(inc.History); i++ {
		assert.NoError(t, CheckTransition(inc.History[i-1].Stage, inc.History[i].Stage),
			"history step %d", i)
	}
	assert.Equal(t, inc.History[len(inc.History)-1].Stage, inc.Stage)
}

func TestTransitionTable(t *testing.T) {
	allowed := map[Stage]map[Stage]bool{
		StageOpen:          {StageInvestigating: true, StageFalsePositive: true},
		StageInvestigating: {StageContained: true, StageFalsePositive: true},
		StageContained:     {StageResolved: true, StageFalsePositive: true},
		StageResolved:      {},
		StageFalsePositive: {},
	}
	stages := []Stage{StageOpen, StageInvestigating, StageContained, StageResolved, StageFalsePositive}
	for _, from := range stages {
		for _, to := range stages {
			err := CheckTransition(from, to)
			if from == to || allowed[from][to] {
				assert.NoError(t, err, "%s -> %s", from, to)
				continue
			}
			var te *TransitionError
			require.ErrorAs(t, err, &te, "%s -> %s", from, to)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, from, te.From)
			assert.Equal(t, to, te.To)
		}
	}
	assert.True(t, StageResolved.Terminal())
	assert.True(t, StageFalsePositive.Terminal())
	assert.False(t, StageOpen.Terminal())
	assert.Equal(t, []Stage{StageInvestigating, StageFalsePositive}, AllowedTransitions(StageOpen))
}

func TestTransitionErrorNamesAllowedStages(t *testing.T) {
	err := CheckTransition(StageOpen, StageResolved)
	assert.EqualError(t, err, "invalid stage transition OPEN -> RESOLVED (allowed: INVESTIGATING, FALSE_POSITIVE)")

	err = CheckTransition(StageResolved, StageOpen)
	assert.EqualError(t, err, "incident is RESOLVED, a terminal stage, and cannot move to OPEN")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestParseStage(t *testing.T) {
	st, err := ParseStage(" investigating ")
	require.NoError(t, err)
	assert.Equal(t, StageInvestigating, st)

	_, err = ParseStage("CLOSED")
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestTransitionInvalidLeavesIncidentUnchanged(t *testing.T) {
	repo := newMemRepo()
	inc := openIncident(repo)
	l := newTestLifecycle(t, repo, newFakeReasoner())

	_, err := l.Transition(context.Background(), inc.ID, StageContained, "skip ahead", t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := repo.Get(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc, stored)
	assert.Equal(t, 0, repo.updates)
}

func TestTransitionCommitsWhenReasonerUnavailable(t *testing.T) {
	repo := newMemRepo()
	inc := openIncident(repo)
	r := newFakeReasoner()
	r.err = reasoning.ErrUnavailable
	l := newTestLifecycle(t, repo, r)

	now := t0.Add(5 * time.Minute)
	got, err := l.Transition(context.Background(), inc.ID, StageInvestigating, "triage", now)
	require.NoError(t, err)
	assert.Equal(t, StageInvestigating, got.Stage)
	assert.Nil(t, got.DeepInvestigation)
	assert.Equal(t, 1, r.callCount(reasoning.KindDeepInvestigation))

	stored, err := repo.Get(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StageInvestigating, stored.Stage)
	assert.Nil(t, stored.DeepInvestigation)
	require.Len(t, stored.History, 2)
	assert.Equal(t, HistoryEntry{Stage: StageInvestigating, Timestamp: now, Notes: "triage"}, stored.History[1])
	assert.Equal(t, now, stored.UpdatedAt)
	assert.Equal(t, int64(2), stored.Version)
}

func TestTransitionTimeoutDoesNotBlockCommit(t *testing.T) {
	repo := newMemRepo()
	inc := openIncident(repo)
	logger := zaptest.NewLogger(t)
	l := NewLifecycle(repo, NewDispatcher(slowReasoner{}, 20*time.Millisecond, logger), 0, logger)

	started := time.Now()
	got, err := l.Transition(context.Background(), inc.ID, StageInvestigating, "", t0)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Nil(t, got.DeepInvestigation)
}

type slowReasoner struct{}

func (slowReasoner) Generate(ctx context.Context, kind reasoning.Kind, input reasoning.Context) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTransitionFullWalkWithEnrichment(t *testing.T) {
	repo := newMemRepo()
	inc := openIncident(repo)
	r := newFakeReasoner()
	l := newTestLifecycle(t, repo, r)
	ctx := context.Background()

	got, err := l.Transition(ctx, inc.ID, StageInvestigating, "triage", t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got.DeepInvestigation)
	assert.Equal(t, "isolate host", got.DeepInvestigation.ContainmentStrategy)
	assert.False(t, got.DeepInvestigation.GeneratedAt.IsZero())
	assert.Nil(t, got.ClosureReport)
	assert.Equal(t, "INVESTIGATING", r.inputs[reasoning.KindDeepInvestigation]["incident_stage"])

	got, err = l.Transition(ctx, inc.ID, StageContained, "host isolated", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got.ClosureReport)

	got, err = l.Transition(ctx, inc.ID, StageResolved, "reimaged", t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got.ClosureReport)
	assert.Equal(t, "enable credential guard", got.ClosureReport.LessonsLearned)
	assert.Contains(t, r.inputs[reasoning.KindClosureReport]["history"], "CONTAINED (host isolated)")

	stored, err := repo.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StageResolved, stored.Stage)
	assert.NotNil(t, stored.DeepInvestigation)
	assert.NotNil(t, stored.ClosureReport)
	assert.Len(t, stored.History, 4)
	assertValidWalk(t, stored)

	_, err = l.Transition(ctx, inc.ID, StageInvestigating, "reopen", t0.Add(4*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, r.callCount(reasoning.KindDeepInvestigation))
	assert.Equal(t, 1, r.callCount(reasoning.KindClosureReport))
}

func TestTransitionSameStageIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	inc := openIncident(repo)
	r := newFakeReasoner()
	l := newTestLifecycle(t, repo, r)
	ctx := context.Background()

	_, err := l.Transition(ctx, inc.ID, StageInvestigating, "", t0.Add(time.Minute))
	require.NoError(t, err)
	first, err := repo.Get(ctx, inc.ID)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		now := t0.Add(time.Duration(1+i) * time.Minute)
		got, err := l.Transition(ctx, inc.ID, StageInvestigating, "still looking", now)
		require.NoError(t, err)
		assert.Equal(t, StageInvestigating, got.Stage)
		assert.Len(t, got.History, 2+i)
		assert.Equal(t, now, got.UpdatedAt)
		assert.Equal(t, first.DeepInvestigation, got.DeepInvestigation)
	}
	assert.Equal(t, 1, r.callCount(reasoning.KindDeepInvestigation))

	stored, err := repo.Get(ctx, inc.ID)
	require.NoError(t, err)
	assertValidWalk(t, stored)
}

func TestTransitionTerminalSameStageStillAppends(t *testing.T) {
	repo := newMemRepo()
	inc := openIncident(repo)
	l := newTestLifecycle(t, repo, nil)
	ctx := context.Background()

	_, err := l.Transition(ctx, inc.ID, StageFalsePositive, "scanner", t0.Add(time.Minute))
	require.NoError(t, err)
	got, err := l.Transition(ctx, inc.ID, StageFalsePositive, "confirmed", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StageFalsePositive, got.Stage)
	assert.Len(t, got.History, 3)

	_, err = l.Transition(ctx, inc.ID, StageOpen, "", t0.Add(3*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionUnknownStageCheckedFirst(t *testing.T) {
	repo := newMemRepo()
	l := newTestLifecycle(t, repo, nil)

	_, err := l.Transition(context.Background(), "does-not-exist", Stage("CLOSED"), "", t0)
	assert.ErrorIs(t, err, ErrUnknownStage)
	assert.False(t, errors.Is(err, ErrIncidentNotFound))

	_, err = l.Transition(context.Background(), "does-not-exist", StageInvestigating, "", t0)
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestTransitionRetriesOnVersionConflict(t *testing.T) {
	repo := newMemRepo()
	inc := openIncident(repo)
	r := newFakeReasoner()
	l := newTestLifecycle(t, repo, r)

	conflicts := 1
	repo.beforeUpdate = func(id string) {
		if conflicts > 0 {
			conflicts--
			repo.bump(id)
		}
	}
	got, err := l.Transition(context.Background(), inc.ID, StageInvestigating, "", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.NotNil(t, got.DeepInvestigation)
	// The payload from the first attempt is reused.
	assert.Equal(t, 1, r.callCount(reasoning.KindDeepInvestigation))
	assert.Len(t, got.History, 2)
}

func TestTransitionConcurrentRequestsFromSameStage(t *testing.T) {
	repo := newMemRepo()
	inc := openIncident(repo)
	l := newTestLifecycle(t, repo, nil)
	ctx := context.Background()

	// A competing request lands between our read and our write and moves
	// the incident to FALSE_POSITIVE. The re-read then rejects our edge.
	var competing error
	repo.beforeUpdate = func(id string) {
		repo.beforeUpdate = nil
		_, competing = l.Transition(ctx, id, StageFalsePositive, "benign", t0.Add(time.Minute))
	}
	_, err := l.Transition(ctx, inc.ID, StageInvestigating, "", t0.Add(time.Minute))
	require.NoError(t, competing)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := repo.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StageFalsePositive, stored.Stage)
	assert.Len(t, stored.History, 2)
	assertValidWalk(t, stored)
}

func TestTransitionGivesUpAfterRetries(t *testing.T) {
	repo := newMemRepo()
	inc := openIncident(repo)
	l := newTestLifecycle(t, repo, nil)
	repo.beforeUpdate = repo.bump

	_, err := l.Transition(context.Background(), inc.ID, StageInvestigating, "", t0)
	assert.ErrorIs(t, err, ErrVersionConflict)
	stored, err := repo.Get(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StageOpen, stored.Stage)
	assert.Len(t, stored.History, 1)
}

func TestTransitionPersistenceFailure(t *testing.T) {
	repo := newMemRepo()
	inc := openIncident(repo)
	l := newTestLifecycle(t, repo, nil)

	repo.updateErr = errStoreDown
	_, err := l.Transition(context.Background(), inc.ID, StageInvestigating, "", t0)
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)

	repo.updateErr = nil
	repo.getErr = errStoreDown
	_, err = l.Transition(context.Background(), inc.ID, StageInvestigating, "", t0)
	assert.ErrorIs(t, err, ErrPersistenceUnavailable)
	assert.False(t, errors.Is(err, ErrIncidentNotFound))
}
