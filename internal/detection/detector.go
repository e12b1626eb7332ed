package detection

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"threatdesk/internal/events"
	"threatdesk/internal/incidents"
)

const (
	DefaultLookback     = 60 * time.Minute
	DefaultMinRiskScore = 50

	// Upper bounds on what a single run reads from the event store.
	maxBuckets    = 500
	maxScanEvents = 1000
)

type Config struct {
	// Lookback is the default query window for rules that set none.
	Lookback     time.Duration
	MinRiskScore float64
}

// Detector turns raw events into threat events. It implements
// incidents.Detector.
type Detector struct {
	events   events.Repository
	rules    []RuleConfig
	sigma    *SigmaEngine
	lookback time.Duration
	minRisk  float64
	logger   *zap.Logger
}

// New builds a detector. rules must already be in priority order, as
// returned by LoadRules; sigma may be nil.
func New(repo events.Repository, rules []RuleConfig, sigma *SigmaEngine, cfg Config, logger *zap.Logger) *Detector {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.MinRiskScore <= 0 {
		cfg.MinRiskScore = DefaultMinRiskScore
	}
	return &Detector{
		events:   repo,
		rules:    rules,
		sigma:    sigma,
		lookback: cfg.Lookback,
		minRisk:  cfg.MinRiskScore,
		logger:   logger,
	}
}

type pairKey struct {
	sourceIP   string
	threatType string
}

// Detect evaluates every rule over the events seen up to now. At most one
// threat is returned per (source_ip, threat_type) pair: the one from the
// highest-priority rule. Threats below the minimum risk score are dropped.
func (d *Detector) Detect(ctx context.Context, now time.Time) ([]incidents.ThreatEvent, error) {
	var raw []incidents.ThreatEvent
	for _, rule := range d.rules {
		found, err := d.evalRule(ctx, rule, now)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		raw = append(raw, found...)
	}
	if d.sigma.Len() > 0 {
		found, err := d.evalSigma(ctx, now)
		if err != nil {
			return nil, fmt.Errorf("sigma rules: %w", err)
		}
		raw = append(raw, found...)
	}

	seen := map[pairKey]bool{}
	out := make([]incidents.ThreatEvent, 0, len(raw))
	for _, t := range raw {
		if t.RiskScore < d.minRisk {
			continue
		}
		k := pairKey{t.SourceIP, incidents.NormalizeThreatType(t.ThreatType)}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}
	d.logger.Debug("detection evaluated",
		zap.Int("rules", len(d.rules)),
		zap.Int("sigma_rules", d.sigma.Len()),
		zap.Int("candidates", len(raw)),
		zap.Int("threats", len(out)),
	)
	return out, nil
}

func (d *Detector) window(rule RuleConfig) time.Duration {
	if rule.Window > 0 {
		return rule.Window
	}
	return d.lookback
}

func (d *Detector) evalRule(ctx context.Context, rule RuleConfig, now time.Time) ([]incidents.ThreatEvent, error) {
	f := rule.Match.filter()
	f.Since = now.Add(-d.window(rule))
	f.Until = now

	if rule.aggregated() {
		buckets, err := d.events.Aggregate(ctx, f, events.GroupBySourceIP, maxBuckets)
		if err != nil {
			return nil, err
		}
		var out []incidents.ThreatEvent
		for _, b := range buckets {
			if b.Count <= rule.Threshold || b.Key == "" {
				continue
			}
			out = append(out, incidents.ThreatEvent{
				RuleID:        rule.ID,
				SourceIP:      b.Key,
				User:          b.LatestUser,
				ThreatType:    rule.ThreatType,
				RiskScore:     math.Min(rule.MaxRisk, float64(b.Count)*rule.RiskPerEvent),
				EvidenceCount: b.Count,
				Timestamp:     b.LastSeen,
			})
		}
		return out, nil
	}

	f.Limit = maxScanEvents
	list, err := d.events.List(ctx, f)
	if err != nil {
		return nil, err
	}
	// List is newest first, so the first event per source IP is the latest.
	byIP := map[string]int{}
	var out []incidents.ThreatEvent
	for i := range list {
		e := &list[i]
		if e.SourceIP == "" || !rule.Match.matches(e) {
			continue
		}
		if idx, ok := byIP[e.SourceIP]; ok {
			out[idx].EvidenceCount++
			continue
		}
		byIP[e.SourceIP] = len(out)
		out = append(out, incidents.ThreatEvent{
			RuleID:        rule.ID,
			SourceIP:      e.SourceIP,
			User:          e.User,
			ThreatType:    rule.ThreatType,
			RiskScore:     rule.RiskScore,
			EvidenceCount: 1,
			Timestamp:     e.Timestamp,
		})
	}
	return out, nil
}

func (d *Detector) evalSigma(ctx context.Context, now time.Time) ([]incidents.ThreatEvent, error) {
	list, err := d.events.List(ctx, events.Filter{Since: now.Add(-d.lookback), Until: now, Limit: maxScanEvents})
	if err != nil {
		return nil, err
	}
	index := map[pairKey]int{}
	var out []incidents.ThreatEvent
	for i := range list {
		e := &list[i]
		if e.SourceIP == "" {
			continue
		}
		for _, m := range d.sigma.Apply(ctx, e) {
			k := pairKey{e.SourceIP, incidents.NormalizeThreatType(m.ThreatType)}
			if idx, ok := index[k]; ok {
				out[idx].EvidenceCount++
				if m.RiskScore > out[idx].RiskScore {
					out[idx].RiskScore = m.RiskScore
					out[idx].RuleID = m.RuleID
				}
				continue
			}
			index[k] = len(out)
			out = append(out, incidents.ThreatEvent{
				RuleID:        m.RuleID,
				SourceIP:      e.SourceIP,
				User:          e.User,
				ThreatType:    m.ThreatType,
				RiskScore:     m.RiskScore,
				EvidenceCount: 1,
				Timestamp:     e.Timestamp,
			})
		}
	}
	return out, nil
}
