package incidents

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		score float64
		want  Severity
	}{
		{100, SeverityCritical},
		{90, SeverityCritical},
		{89.99, SeverityHigh},
		{70, SeverityHigh},
		{69.9, SeverityMedium},
		{51, SeverityMedium},
		{0, SeverityMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifySeverity(tt.score), "score %v", tt.score)
	}
}

func TestEscalateSeverity(t *testing.T) {
	for _, score := range []float64{10, 75, 95} {
		base := ClassifySeverity(score)
		assert.Equal(t, base, EscalateSeverity(base, 1, DefaultRepeatThreshold))
		assert.Equal(t, base, EscalateSeverity(base, 2, DefaultRepeatThreshold))
		assert.Equal(t, SeverityCritical, EscalateSeverity(base, 3, DefaultRepeatThreshold))
		assert.Equal(t, SeverityCritical, EscalateSeverity(base, 7, DefaultRepeatThreshold))
	}
	assert.Equal(t, SeverityCritical, EscalateSeverity(SeverityMedium, 2, 2))
}

func TestIsRepeatOffender(t *testing.T) {
	assert.False(t, IsRepeatOffender(2, 3))
	assert.True(t, IsRepeatOffender(3, 3))
}
