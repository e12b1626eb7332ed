package incidents

// ClassifySeverity buckets a risk score. Scores below the detector's
// minimum never reach this point, so nothing maps to LOW here.
func ClassifySeverity(riskScore float64) Severity {
	if riskScore >= 90 {
		return SeverityCritical
	}
	if riskScore >= 70 {
		return SeverityHigh
	}
	return SeverityMedium
}

// EscalateSeverity forces CRITICAL for repeat offenders.
func EscalateSeverity(sev Severity, occurrenceCount, repeatThreshold int) Severity {
	if IsRepeatOffender(occurrenceCount, repeatThreshold) {
		return SeverityCritical
	}
	return sev
}

func IsRepeatOffender(occurrenceCount, repeatThreshold int) bool {
	return occurrenceCount >= repeatThreshold
}
