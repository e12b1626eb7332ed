package detection

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuleSet struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig describes one detection. A rule with a threshold counts
// matching events per source IP and fires when the count exceeds it, with
// risk RiskPerEvent per event capped at MaxRisk. A rule without one fires
// once per source IP that produced a matching event, at RiskScore.
type RuleConfig struct {
	ID           string        `yaml:"id"`
	Title        string        `yaml:"title"`
	Description  string        `yaml:"description"`
	ThreatType   string        `yaml:"threat_type"`
	Priority     int           `yaml:"priority"`
	Match        Match         `yaml:"match"`
	Threshold    int           `yaml:"threshold"`
	RiskScore    float64       `yaml:"risk_score"`
	RiskPerEvent float64       `yaml:"risk_per_event"`
	MaxRisk      float64       `yaml:"max_risk"`
	Window       time.Duration `yaml:"window"`
}

type Match struct {
	EventType     string            `yaml:"event_type"`
	Status        string            `yaml:"status"`
	User          string            `yaml:"user"`
	Action        string            `yaml:"action"`
	Resource      string            `yaml:"resource"`
	TagsAny       []string          `yaml:"tags_any"`
	FieldEquals   map[string]string `yaml:"field_equals"`
	FieldContains map[string]string `yaml:"field_contains"`
}

func (r RuleConfig) aggregated() bool { return r.Threshold > 0 }

// pushdown reports whether the whole match can be evaluated by the event
// store, which threshold rules require.
func (m Match) pushdown() bool {
	return m.Action == "" && m.Resource == "" && len(m.TagsAny) <= 1 &&
		len(m.FieldEquals) == 0 && len(m.FieldContains) == 0
}

func LoadRules(path string) ([]RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// ParseRules decodes a rule set, applies defaults and returns the rules in
// priority order (lowest first, file order on ties).
func ParseRules(data []byte) ([]RuleConfig, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: missing id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if strings.TrimSpace(r.ThreatType) == "" {
			return nil, fmt.Errorf("rule %s: missing threat_type", r.ID)
		}
		if r.Match.EventType == "" {
			return nil, fmt.Errorf("rule %s: match.event_type is required", r.ID)
		}
		if r.Threshold < 0 {
			return nil, fmt.Errorf("rule %s: negative threshold", r.ID)
		}
		if r.aggregated() {
			if !r.Match.pushdown() {
				return nil, fmt.Errorf("rule %s: threshold rules may only match event_type, status, user and one tag", r.ID)
			}
			if r.RiskPerEvent == 0 {
				r.RiskPerEvent = 1
			}
			if r.MaxRisk == 0 {
				r.MaxRisk = 100
			}
		} else if r.RiskScore <= 0 {
			return nil, fmt.Errorf("rule %s: risk_score must be positive", r.ID)
		}
		if r.Window < 0 {
			return nil, fmt.Errorf("rule %s: negative window", r.ID)
		}
	}
	sort.SliceStable(rs.Rules, func(i, j int) bool {
		return rs.Rules[i].Priority < rs.Rules[j].Priority
	})
	return rs.Rules, nil
}
