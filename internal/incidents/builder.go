package incidents

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultAnalysisMinRisk = 80

type Outcome string

const (
	OutcomeCreated    Outcome = "CREATED"
	OutcomeSuppressed Outcome = "DUPLICATE_SUPPRESSED"
	OutcomeNoThreat   Outcome = "NO_THREAT"
)

var ErrInvalidThreat = errors.New("threat event needs source_ip and threat_type")

// Claimer reserves a correlation key across processes for ttl. Claim
// returns false when another holder already owns the key.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type BuilderConfig struct {
	DuplicateWindow  time.Duration
	EscalationWindow time.Duration
	RepeatThreshold  int
	// AnalysisMinRisk is the score a threat must exceed to get an initial
	// analysis at creation time.
	AnalysisMinRisk float64
}

type BuildResult struct {
	Outcome  Outcome   `json:"outcome"`
	Incident *Incident `json:"incident,omitempty"`
}

// Builder turns a detected threat into a persisted incident, or suppresses
// it when an incident for the same (source_ip, threat_type) already exists
// in the duplicate window.
//
// Without a Claimer the duplicate check and the create are two separate
// store operations, so two concurrent builds for one pair can both create.
// A Claimer closes that gap.
type Builder struct {
	repo       Repository
	window     *Window
	claimer    Claimer
	dispatcher *Dispatcher
	threshold  int
	minRisk    float64
	logger     *zap.Logger
}

func NewBuilder(repo Repository, claimer Claimer, dispatcher *Dispatcher, cfg BuilderConfig, logger *zap.Logger) *Builder {
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = DefaultRepeatThreshold
	}
	if cfg.AnalysisMinRisk <= 0 {
		cfg.AnalysisMinRisk = DefaultAnalysisMinRisk
	}
	return &Builder{
		repo:       repo,
		window:     NewWindow(repo, cfg.DuplicateWindow, cfg.EscalationWindow),
		claimer:    claimer,
		dispatcher: dispatcher,
		threshold:  cfg.RepeatThreshold,
		minRisk:    cfg.AnalysisMinRisk,
		logger:     logger,
	}
}

func (b *Builder) Build(ctx context.Context, threat ThreatEvent, now time.Time) (BuildResult, error) {
	threatType := NormalizeThreatType(threat.ThreatType)
	sourceIP := strings.TrimSpace(threat.SourceIP)
	if threatType == "" || sourceIP == "" {
		return BuildResult{}, ErrInvalidThreat
	}
	now = now.UTC()
	log := b.logger.With(zap.String("source_ip", sourceIP), zap.String("threat_type", threatType))

	dup, err := b.window.IsDuplicate(ctx, sourceIP, threatType, now)
	if err != nil {
		return BuildResult{}, persistenceErr("duplicate check", err)
	}
	if dup {
		log.Debug("duplicate suppressed")
		return BuildResult{Outcome: OutcomeSuppressed}, nil
	}

	key := sourceIP + "|" + threatType
	claimed := false
	if b.claimer != nil {
		ok, err := b.claimer.Claim(ctx, key, b.window.DuplicateWindow())
		switch {
		case err != nil:
			log.Warn("correlation claim failed, continuing without it", zap.Error(err))
		case !ok:
			log.Debug("duplicate suppressed by claim")
			return BuildResult{Outcome: OutcomeSuppressed}, nil
		default:
			claimed = true
		}
	}

	prior, err := b.window.CountOccurrences(ctx, sourceIP, threatType, now)
	if err != nil {
		b.release(ctx, claimed, key)
		return BuildResult{}, persistenceErr("count occurrences", err)
	}
	count := prior + 1

	inc := &Incident{
		ThreatType:      threatType,
		SourceIP:        sourceIP,
		User:            threat.User,
		RiskScore:       threat.RiskScore,
		Severity:        EscalateSeverity(ClassifySeverity(threat.RiskScore), count, b.threshold),
		Stage:           StageOpen,
		RepeatOffender:  IsRepeatOffender(count, b.threshold),
		OccurrenceCount: count,
		Mitre:           Classify(threatType),
		History:         []HistoryEntry{{Stage: StageOpen, Timestamp: now, Notes: "Incident created"}},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if threat.RiskScore > b.minRisk && b.dispatcher != nil {
		inc.Analysis = b.dispatcher.InitialAnalysis(ctx, inc)
	}

	if err := b.repo.Create(ctx, inc); err != nil {
		b.release(ctx, claimed, key)
		return BuildResult{}, persistenceErr("create incident", err)
	}
	log.Info("incident created",
		zap.String("incident_id", inc.ID),
		zap.String("severity", string(inc.Severity)),
		zap.Int("occurrence_count", inc.OccurrenceCount),
		zap.Bool("repeat_offender", inc.RepeatOffender),
	)
	return BuildResult{Outcome: OutcomeCreated, Incident: inc}, nil
}

func (b *Builder) release(ctx context.Context, claimed bool, key string) {
	if !claimed {
		return
	}
	if err := b.claimer.Release(ctx, key); err != nil {
		b.logger.Warn("release correlation claim", zap.String("key", key), zap.Error(err))
	}
}
