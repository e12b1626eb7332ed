package incidents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"threatdesk/internal/metrics"
)

// Detector produces the threats seen up to now. An empty slice means no
// threat was detected.
type Detector interface {
	Detect(ctx context.Context, now time.Time) ([]ThreatEvent, error)
}

type ThreatResult struct {
	Threat     ThreatEvent `json:"threat"`
	Outcome    Outcome     `json:"outcome,omitempty"`
	IncidentID string      `json:"incident_id,omitempty"`
	Severity   Severity    `json:"severity,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type RunReport struct {
	Outcome    Outcome        `json:"outcome"`
	StartedAt  time.Time      `json:"started_at"`
	Threats    int            `json:"threats"`
	Created    int            `json:"created"`
	Suppressed int            `json:"suppressed"`
	Failed     int            `json:"failed"`
	Results    []ThreatResult `json:"results"`
}

type Service struct {
	repo      Repository
	detector  Detector
	builder   *Builder
	lifecycle *Lifecycle
	logger    *zap.Logger
	clock     func() time.Time
}

func NewService(repo Repository, detector Detector, builder *Builder, lifecycle *Lifecycle, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		detector:  detector,
		builder:   builder,
		lifecycle: lifecycle,
		logger:    logger,
		clock:     time.Now,
	}
}

// RunDetection runs the detector once and feeds every threat through the
// builder. Threats that fail to persist do not stop the run; their errors
// are joined into the returned error alongside the full report.
func (s *Service) RunDetection(ctx context.Context) (RunReport, error) {
	started := s.clock().UTC()
	defer func() {
		metrics.DetectionRunDuration.Observe(time.Since(started).Seconds())
	}()

	report := RunReport{StartedAt: started, Results: []ThreatResult{}}
	threats, err := s.detector.Detect(ctx, started)
	if err != nil {
		return report, fmt.Errorf("detect: %w", err)
	}
	report.Threats = len(threats)
	if len(threats) == 0 {
		report.Outcome = OutcomeNoThreat
		metrics.Detections.WithLabelValues("no_threat").Inc()
		s.logger.Debug("no threat detected")
		return report, nil
	}

	var errs []error
	for _, threat := range threats {
		res := ThreatResult{Threat: threat}
		built, err := s.builder.Build(ctx, threat, s.clock())
		if err != nil {
			res.Error = err.Error()
			report.Failed++
			errs = append(errs, err)
			metrics.Detections.WithLabelValues("failed").Inc()
			s.logger.Error("build incident",
				zap.String("source_ip", threat.SourceIP),
				zap.String("threat_type", threat.ThreatType),
				zap.Error(err),
			)
			report.Results = append(report.Results, res)
			continue
		}
		res.Outcome = built.Outcome
		switch built.Outcome {
		case OutcomeCreated:
			report.Created++
			res.IncidentID = built.Incident.ID
			res.Severity = built.Incident.Severity
			metrics.Detections.WithLabelValues("created").Inc()
		case OutcomeSuppressed:
			report.Suppressed++
			metrics.Detections.WithLabelValues("suppressed").Inc()
		}
		report.Results = append(report.Results, res)
	}
	report.Outcome = summarize(report)
	s.logger.Info("detection run finished",
		zap.Int("threats", report.Threats),
		zap.Int("created", report.Created),
		zap.Int("suppressed", report.Suppressed),
		zap.Int("failed", report.Failed),
	)
	return report, errors.Join(errs...)
}

func summarize(r RunReport) Outcome {
	if r.Created > 0 {
		return OutcomeCreated
	}
	if r.Suppressed > 0 {
		return OutcomeSuppressed
	}
	return ""
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Incident, error) {
	res, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, persistenceErr("list incidents", err)
	}
	return res, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Incident, error) {
	inc, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrIncidentNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, persistenceErr("get incident", err)
	}
	return inc, nil
}

func (s *Service) Summary(ctx context.Context) (Summary, error) {
	counts, err := s.repo.SeverityCounts(ctx)
	if err != nil {
		return Summary{}, persistenceErr("severity counts", err)
	}
	sum := Summary{BySeverity: map[Severity]int{}}
	for _, sev := range Severities {
		sum.BySeverity[sev] = counts[sev]
	}
	for _, n := range counts {
		sum.TotalIncidents += n
	}
	sum.HighSeverity = counts[SeverityHigh]
	sum.CriticalSeverity = counts[SeverityCritical]
	return sum, nil
}

func (s *Service) Transition(ctx context.Context, id, stage, notes string) (*Incident, error) {
	st, err := ParseStage(stage)
	if err != nil {
		return nil, err
	}
	return s.lifecycle.Transition(ctx, id, st, notes, s.clock())
}
