package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/fabric/pkg/models"
)

func metricsWith(mutate func(m *models.AutonomyMetrics)) *models.AutonomyMetrics {
	m := &models.AutonomyMetrics{}
	if mutate != nil {
		mutate(m)
	}
	return m
}

func TestParseConditionComparisons(t *testing.T) {
	tests := []struct {
		condition string
		metrics   func(m *models.AutonomyMetrics)
		want      bool
	}{
		{"error_rate > 0.25", func(m *models.AutonomyMetrics) { m.Rates.ErrorRate = 0.3 }, true},
		{"error_rate > 0.25", func(m *models.AutonomyMetrics) { m.Rates.ErrorRate = 0.25 }, false},
		{"errorRate >= 0.25", func(m *models.AutonomyMetrics) { m.Rates.ErrorRate = 0.25 }, true},
		{"rollback_rate > 0.1", func(m *models.AutonomyMetrics) { m.Rates.RollbackRate = 0.2 }, true},
		{"success_rate < 0.9", func(m *models.AutonomyMetrics) { m.Rates.SuccessRate = 0.85 }, true},
		{"success_rate <= 0.9", func(m *models.AutonomyMetrics) { m.Rates.SuccessRate = 0.9 }, true},
		{"incidents.critical > 0", func(m *models.AutonomyMetrics) { m.Incidents.Critical = 1 }, true},
		{"incidents.critical > 0", nil, false},
		{"constraint_violations == 0", nil, true},
		{"emergency_aborts > 2", func(m *models.AutonomyMetrics) { m.Safety.EmergencyAborts = 3 }, true},
		{"commands.failed >= 5", func(m *models.AutonomyMetrics) { m.Commands.Failed = 5 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			cond, err := ParseCondition(tt.condition)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cond.Evaluate(metricsWith(tt.metrics)))
		})
	}
}

func TestParseConditionCriticalIncidentShape(t *testing.T) {
	cond, err := ParseCondition(`incident.severity === "critical"`)
	require.NoError(t, err)

	assert.False(t, cond.Evaluate(metricsWith(nil)))
	assert.True(t, cond.Evaluate(metricsWith(func(m *models.AutonomyMetrics) {
		m.Incidents.Critical = 2
	})))
}

func TestParseConditionRejectsUnrecognized(t *testing.T) {
	for _, raw := range []string{
		"",
		"error_rate",
		"bean_moisture > 0.1",
		"error_rate > high",
		`incident.severity === "major"`,
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseCondition(raw)
			assert.Error(t, err)
		})
	}
}
