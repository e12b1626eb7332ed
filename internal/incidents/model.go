package incidents

import "time"

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists every severity, lowest first.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

type Stage string

const (
	StageOpen          Stage = "OPEN"
	StageInvestigating Stage = "INVESTIGATING"
	StageContained     Stage = "CONTAINED"
	StageResolved      Stage = "RESOLVED"
	StageFalsePositive Stage = "FALSE_POSITIVE"
)

// ThreatEvent is a single detected high-risk occurrence, not yet correlated.
type ThreatEvent struct {
	RuleID        string    `json:"rule_id,omitempty"`
	SourceIP      string    `json:"source_ip"`
	User          string    `json:"user,omitempty"`
	ThreatType    string    `json:"threat_type"`
	RiskScore     float64   `json:"risk_score"`
	EvidenceCount int       `json:"evidence_count,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type Mitre struct {
	Tactic     string  `json:"tactic"`
	Technique  string  `json:"technique"`
	Confidence float64 `json:"confidence"`
}

type HistoryEntry struct {
	Stage     Stage     `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Notes     string    `json:"notes"`
}

type Analysis struct {
	Summary     string    `json:"summary"`
	Impact      string    `json:"impact"`
	Remediation []string  `json:"remediation"`
	Severity    string    `json:"severity,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

type DeepInvestigation struct {
	AttackPathAnalysis  string    `json:"attack_path_analysis"`
	ContainmentStrategy string    `json:"containment_strategy"`
	RiskIfIgnored       string    `json:"risk_if_ignored"`
	GeneratedAt         time.Time `json:"generated_at"`
}

type ClosureReport struct {
	ExecutiveSummary     string    `json:"executive_summary"`
	ResponseActionsTaken string    `json:"response_actions_taken"`
	ResidualRisk         string    `json:"residual_risk"`
	LessonsLearned       string    `json:"lessons_learned"`
	GeneratedAt          time.Time `json:"generated_at"`
}

type Incident struct {
	ID                string             `json:"id"`
	ThreatType        string             `json:"threat_type"`
	SourceIP          string             `json:"source_ip"`
	User              string             `json:"user,omitempty"`
	RiskScore         float64            `json:"risk_score"`
	Severity          Severity           `json:"severity"`
	Stage             Stage              `json:"incident_stage"`
	RepeatOffender    bool               `json:"repeat_offender"`
	OccurrenceCount   int                `json:"occurrence_count"`
	Mitre             Mitre              `json:"mitre"`
	Analysis          *Analysis          `json:"ai_analysis,omitempty"`
	DeepInvestigation *DeepInvestigation `json:"deep_investigation,omitempty"`
	ClosureReport     *ClosureReport     `json:"closure_report,omitempty"`
	History           []HistoryEntry     `json:"history"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	Version           int64              `json:"version"`
}

// Clone returns a copy that shares no mutable state with inc.
func (inc *Incident) Clone() *Incident {
	if inc == nil {
		return nil
	}
	out := *inc
	out.History = append([]HistoryEntry(nil), inc.History...)
	if inc.Analysis != nil {
		a := *inc.Analysis
		a.Remediation = append([]string(nil), inc.Analysis.Remediation...)
		out.Analysis = &a
	}
	if inc.DeepInvestigation != nil {
		d := *inc.DeepInvestigation
		out.DeepInvestigation = &d
	}
	if inc.ClosureReport != nil {
		c := *inc.ClosureReport
		out.ClosureReport = &c
	}
	return &out
}

type ListFilter struct {
	Stage          Stage
	Severity       Severity
	SourceIP       string
	ThreatType     string
	RepeatOffender *bool
	Limit          int
}

// Summary mirrors the dashboard counters.
type Summary struct {
	TotalIncidents   int              `json:"total_incidents"`
	HighSeverity     int              `json:"high_severity"`
	CriticalSeverity int              `json:"critical_severity"`
	BySeverity       map[Severity]int `json:"by_severity"`
}
