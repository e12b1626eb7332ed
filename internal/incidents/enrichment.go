package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"threatdesk/internal/metrics"
	"threatdesk/internal/reasoning"
)

const DefaultEnrichmentTimeout = 20 * time.Second

// Reasoner is the generative collaborator behind every enrichment payload.
type Reasoner interface {
	Generate(ctx context.Context, kind reasoning.Kind, input reasoning.Context) (json.RawMessage, error)
}

// Dispatcher requests enrichment payloads. Every call is bounded by the
// configured timeout and a failure yields nil, never an error: the caller
// commits without the payload.
type Dispatcher struct {
	reasoner Reasoner
	timeout  time.Duration
	logger   *zap.Logger
	clock    func() time.Time
}

func NewDispatcher(r Reasoner, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if r == nil {
		r = reasoning.Disabled{}
	}
	if timeout <= 0 {
		timeout = DefaultEnrichmentTimeout
	}
	return &Dispatcher{
		reasoner: r,
		timeout:  timeout,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) InitialAnalysis(ctx context.Context, inc *Incident) *Analysis {
	var out Analysis
	if !d.generate(ctx, reasoning.KindInitialAnalysis, inc, &out) {
		return nil
	}
	out.GeneratedAt = d.clock()
	return &out
}

func (d *Dispatcher) DeepInvestigation(ctx context.Context, inc *Incident) *DeepInvestigation {
	var out DeepInvestigation
	if !d.generate(ctx, reasoning.KindDeepInvestigation, inc, &out) {
		return nil
	}
	out.GeneratedAt = d.clock()
	return &out
}

func (d *Dispatcher) ClosureReport(ctx context.Context, inc *Incident) *ClosureReport {
	var out ClosureReport
	if !d.generate(ctx, reasoning.KindClosureReport, inc, &out) {
		return nil
	}
	out.GeneratedAt = d.clock()
	return &out
}

func (d *Dispatcher) generate(ctx context.Context, kind reasoning.Kind, inc *Incident, out interface{}) bool {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	started := time.Now()
	raw, err := d.reasoner.Generate(ctx, kind, reasoningContext(kind, inc))
	metrics.EnrichmentDuration.WithLabelValues(string(kind)).Observe(time.Since(started).Seconds())
	if err == nil {
		if uerr := json.Unmarshal(raw, out); uerr != nil {
			err = fmt.Errorf("%w: %v", reasoning.ErrMalformed, uerr)
		}
	}
	if err != nil {
		result := "unavailable"
		if errors.Is(err, reasoning.ErrMalformed) {
			result = "malformed"
		}
		metrics.Enrichments.WithLabelValues(string(kind), result).Inc()
		d.logger.Warn("enrichment skipped",
			zap.String("kind", string(kind)),
			zap.String("incident_id", inc.ID),
			zap.Error(err),
		)
		return false
	}
	metrics.Enrichments.WithLabelValues(string(kind), "ok").Inc()
	return true
}

func reasoningContext(kind reasoning.Kind, inc *Incident) reasoning.Context {
	c := reasoning.Context{
		"threat_type":      inc.ThreatType,
		"source_ip":        inc.SourceIP,
		"user":             inc.User,
		"risk_score":       inc.RiskScore,
		"severity":         string(inc.Severity),
		"incident_stage":   string(inc.Stage),
		"mitre_tactic":     inc.Mitre.Tactic,
		"mitre_technique":  inc.Mitre.Technique,
		"occurrence_count": inc.OccurrenceCount,
		"repeat_offender":  inc.RepeatOffender,
	}
	if kind == reasoning.KindClosureReport {
		steps := make([]string, 0, len(inc.History))
		for _, h := range inc.History {
			entry := string(h.Stage)
			if h.Notes != "" {
				entry += " (" + h.Notes + ")"
			}
			steps = append(steps, entry)
		}
		c["history"] = strings.Join(steps, " -> ")
	}
	return c
}
