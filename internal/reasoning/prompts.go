package reasoning

import (
	"fmt"
	"sort"
	"strings"
)

var instructions = map[Kind]string{
	KindInitialAnalysis: `Provide:
1. Threat summary
2. Business/Security impact
3. Recommended remediation steps
4. Severity level (Low/Medium/High/Critical)

Respond strictly in valid JSON format:
{"summary": "...", "impact": "...", "remediation": ["step1", "step2"], "severity": "High"}`,
	KindDeepInvestigation: `The incident has moved to INVESTIGATING. Provide:
1. Likely attack path
2. Containment strategy
3. Risk if the incident is ignored

Respond strictly in valid JSON format:
{"attack_path_analysis": "...", "containment_strategy": "...", "risk_if_ignored": "..."}`,
	KindClosureReport: `The incident has been RESOLVED. Write a closure report with:
1. Executive summary
2. Response actions taken (use the stage history notes)
3. Residual risk
4. Lessons learned

Respond strictly in valid JSON format:
{"executive_summary": "...", "response_actions_taken": "...", "residual_risk": "...", "lessons_learned": "..."}`,
}

// Prompt renders the instruction for kind followed by the incident context,
// one "key: value" line per field in key order.
func Prompt(kind Kind, input Context) (string, error) {
	instr, ok := instructions[kind]
	if !ok {
		return "", fmt.Errorf("unknown reasoning kind %q", kind)
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("You are an expert SOC (Security Operations Center) AI analyst.\n\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, input[k])
	}
	b.WriteString("\n")
	b.WriteString(instr)
	return b.String(), nil
}
