package detection

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"threatdesk/internal/events"
)

// Logsource product accepted for Sigma rules. Rules that name another
// product (windows, linux, ...) target log shapes this store never holds.
const sigmaProduct = "threatdesk"

const threatTagPrefix = "threat."

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

type compiledSigmaRule struct {
	id         string
	threatType string
	risk       float64
	eval       *sigmaevaluator.RuleEvaluator
}

// SigmaMatch is one rule hit on one event.
type SigmaMatch struct {
	RuleID     string
	ThreatType string
	RiskScore  float64
}

// SigmaEngine evaluates single-event Sigma rules against raw events.
type SigmaEngine struct {
	rules []compiledSigmaRule
}

// NewSigmaEngine loads Sigma rules from a file or directory. Rules with
// aggregations, timeframes or keyword searches are skipped and counted.
func NewSigmaEngine(path string) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(p string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !entry.IsDir() && isYAMLFile(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, file := range files {
		rule, err := parseSigmaRuleFile(file)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !isThreatdeskSource(rule) {
			stats.SkippedDatasource++
			continue
		}
		if !isSingleEventRule(rule) {
			stats.SkippedComplex++
			continue
		}
		compiled = append(compiled, compiledSigmaRule{
			id:         ruleID(rule),
			threatType: threatTypeFromRule(rule),
			risk:       riskFromLevel(rule.Level),
			eval:       sigmaevaluator.ForRule(rule),
		})
		stats.Loaded++
	}
	return &SigmaEngine{rules: compiled}, stats, nil
}

func (e *SigmaEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Apply returns every rule that matches the event.
func (e *SigmaEngine) Apply(ctx context.Context, event *events.Event) []SigmaMatch {
	if e.Len() == 0 || event == nil {
		return nil
	}
	flat := event.Flatten()
	var out []SigmaMatch
	for _, rule := range e.rules {
		res, err := rule.eval.Matches(ctx, flat)
		if err != nil || !res.Match {
			continue
		}
		out = append(out, SigmaMatch{RuleID: rule.id, ThreatType: rule.threatType, RiskScore: rule.risk})
	}
	return out
}

func parseSigmaRuleFile(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("parse sigma rule %s: %w", path, err)
	}
	return rule, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isThreatdeskSource(rule sigma.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	return product == "" || product == sigmaProduct
}

func isSingleEventRule(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil || !isSimpleSearchExpression(cond.Search) {
			return false
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 || len(search.EventMatchers) == 0 {
			return false
		}
	}
	return true
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

func ruleID(rule sigma.Rule) string {
	if id := strings.TrimSpace(rule.ID); id != "" {
		return id
	}
	return strings.TrimSpace(rule.Title)
}

// threatTypeFromRule reads a "threat.<type>" tag, falling back to the title.
func threatTypeFromRule(rule sigma.Rule) string {
	for _, raw := range rule.Tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(tag, threatTagPrefix) {
			return strings.ToUpper(strings.TrimPrefix(tag, threatTagPrefix))
		}
	}
	return strings.TrimSpace(rule.Title)
}

func riskFromLevel(level string) float64 {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical":
		return 95
	case "high":
		return 80
	case "medium":
		return 60
	case "low":
		return 40
	default:
		return 20
	}
}
