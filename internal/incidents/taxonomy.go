package incidents

import "strings"

var unknownMitre = Mitre{Tactic: "Unknown", Technique: "Unknown", Confidence: 0.50}

var mitreTable = map[string]Mitre{
	"PRIVILEGE_ESCALATION": {Tactic: "Privilege Escalation", Technique: "T1068", Confidence: 0.95},
	"LATERAL_MOVEMENT":     {Tactic: "Lateral Movement", Technique: "T1021", Confidence: 0.90},
	"CREDENTIAL_DUMPING":   {Tactic: "Credential Access", Technique: "T1003", Confidence: 0.92},
	"DATA_EXFILTRATION":    {Tactic: "Exfiltration", Technique: "T1041", Confidence: 0.93},
	"BRUTE_FORCE":          {Tactic: "Credential Access", Technique: "T1110", Confidence: 0.90},
}

type keywordRule struct {
	fragment string
	mitre    Mitre
}

// Checked in order; the first fragment found in the label wins.
var mitreKeywords = []keywordRule{
	{"ESCALATION", Mitre{Tactic: "Privilege Escalation", Technique: "T1068", Confidence: 0.80}},
	{"LATERAL", Mitre{Tactic: "Lateral Movement", Technique: "T1021", Confidence: 0.80}},
	{"CREDENTIAL", Mitre{Tactic: "Credential Access", Technique: "T1003", Confidence: 0.78}},
	{"EXFIL", Mitre{Tactic: "Exfiltration", Technique: "T1041", Confidence: 0.78}},
	{"BRUTE", Mitre{Tactic: "Credential Access", Technique: "T1110", Confidence: 0.75}},
}

// Classify maps a threat label to a MITRE ATT&CK tactic and technique.
// Labels missing from the static table fall back to keyword matching with
// lower confidence, and finally to Unknown. It never returns an empty value.
func Classify(threatType string) Mitre {
	label := NormalizeThreatType(threatType)
	if label == "" {
		return unknownMitre
	}
	if m, ok := mitreTable[label]; ok {
		return m
	}
	for _, kw := range mitreKeywords {
		if strings.Contains(label, kw.fragment) {
			return kw.mitre
		}
	}
	return unknownMitre
}

// NormalizeThreatType upper-cases a label and folds spaces and hyphens to
// underscores, so "privilege escalation" and "PRIVILEGE_ESCALATION" agree.
func NormalizeThreatType(threatType string) string {
	label := strings.ToUpper(strings.TrimSpace(threatType))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(label)
}
