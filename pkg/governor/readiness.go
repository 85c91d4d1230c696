package governor

import (
	"fmt"
	"time"

	"github.com/emberworks/fabric/pkg/models"
)

// Thresholds are the tunable readiness gates. Weights and category maxima
// are fixed in code; only the numeric gates move with configuration.
type Thresholds struct {
	MinSuccessRate    float64
	MaxErrorRate      float64
	MaxRollbackRate   float64
	MinCommandVolume  int
	MinApprovalRate   float64
	MaxIncidents      int
	MaxRollbacks      int
	MinValidationDays int
	MinOverallScore   float64
}

// DefaultThresholds returns the shipped gates.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSuccessRate:    0.995,
		MaxErrorRate:      0.01,
		MaxRollbackRate:   0.005,
		MinCommandVolume:  100,
		MinApprovalRate:   0.8,
		MaxIncidents:      2,
		MaxRollbacks:      1,
		MinValidationDays: 14,
		MinOverallScore:   0.95,
	}
}

// Category maxima: technical 35 + process 25 + organizational 20 = 80.
const (
	technicalMax      = 35
	processMax        = 25
	organizationalMax = 20
	readinessMax      = technicalMax + processMax + organizationalMax
)

// advisory maps failing checklist items to operator guidance.
var advisory = map[string][2]string{
	"success-rate":        {"Raise command success rate before expanding autonomy", "Review FAILED proposals for recurring driver errors"},
	"error-rate":          {"Error rate exceeds the expansion gate", "Inspect recent command failures and their machines"},
	"rollback-rate":       {"Operators are rolling commands back too often", "Audit rolled-back commands for miscalibrated setpoints"},
	"critical-incidents":  {"Critical incidents block any expansion", "Resolve open circuit-breaker events"},
	"command-volume":      {"Not enough command volume to judge reliability", "Let the current phase soak with more roast sessions"},
	"constraint-safety":   {"Constraint violations indicate unsafe proposals", "Tighten reasoner constraints before expanding"},
	"phase-soak":          {"Validation period for the current phase has not elapsed", "Wait out the remaining soak days"},
	"approval-rate":       {"Operators reject too many agent proposals", "Review rejection reasons with the roasting team"},
	"emergency-aborts":    {"Emergency aborts occurred this period", "Investigate each abort before expanding"},
	"safety-gates":        {"Safety gates triggered this period", "Check gate thresholds against roaster telemetry"},
	"incident-count":      {"Too many incidents in the window", "Drive the incident count down before expanding"},
	"autonomous-incident": {"An incident traced back to an autonomous action", "Complete the incident review and resolve the event"},
	"rollback-count":      {"Rollback count exceeds the organizational gate", "Confirm rollback causes are understood"},
}

// Assessor grades expansion readiness from a metrics snapshot and the
// current governance state.
type Assessor struct {
	thresholds Thresholds
}

// NewAssessor creates an Assessor. Zero-valued thresholds fall back to the
// defaults field by field.
func NewAssessor(t Thresholds) *Assessor {
	d := DefaultThresholds()
	if t.MinSuccessRate <= 0 {
		t.MinSuccessRate = d.MinSuccessRate
	}
	if t.MaxErrorRate <= 0 {
		t.MaxErrorRate = d.MaxErrorRate
	}
	if t.MaxRollbackRate <= 0 {
		t.MaxRollbackRate = d.MaxRollbackRate
	}
	if t.MinCommandVolume <= 0 {
		t.MinCommandVolume = d.MinCommandVolume
	}
	if t.MinApprovalRate <= 0 {
		t.MinApprovalRate = d.MinApprovalRate
	}
	if t.MaxIncidents <= 0 {
		t.MaxIncidents = d.MaxIncidents
	}
	if t.MaxRollbacks <= 0 {
		t.MaxRollbacks = d.MaxRollbacks
	}
	if t.MinValidationDays <= 0 {
		t.MinValidationDays = d.MinValidationDays
	}
	if t.MinOverallScore <= 0 {
		t.MinOverallScore = d.MinOverallScore
	}
	return &Assessor{thresholds: t}
}

// Assess builds the readiness report for the snapshot at now.
func (a *Assessor) Assess(m *models.AutonomyMetrics, state *models.GovernanceState, now time.Time) *models.ReadinessReport {
	t := a.thresholds
	soakDays := int(now.Sub(state.PhaseStartDate).Hours() / 24)

	technical := buildCategory(technicalMax, []models.ReadinessItem{
		item("success-rate", 8, true, m.Rates.SuccessRate >= t.MinSuccessRate,
			fmt.Sprintf("success rate %.4f (gate %.4f)", m.Rates.SuccessRate, t.MinSuccessRate)),
		item("error-rate", 6, true, m.Rates.ErrorRate <= t.MaxErrorRate,
			fmt.Sprintf("error rate %.4f (gate %.4f)", m.Rates.ErrorRate, t.MaxErrorRate)),
		item("rollback-rate", 5, true, m.Rates.RollbackRate <= t.MaxRollbackRate,
			fmt.Sprintf("rollback rate %.4f (gate %.4f)", m.Rates.RollbackRate, t.MaxRollbackRate)),
		item("critical-incidents", 6, true, m.Incidents.Critical == 0,
			fmt.Sprintf("%d critical incidents", m.Incidents.Critical)),
		item("command-volume", 4, false, m.Commands.Total >= t.MinCommandVolume,
			fmt.Sprintf("%d commands (gate %d)", m.Commands.Total, t.MinCommandVolume)),
		item("constraint-safety", 6, true, m.Safety.ConstraintViolations == 0,
			fmt.Sprintf("%d constraint violations", m.Safety.ConstraintViolations)),
	})

	process := buildCategory(processMax, []models.ReadinessItem{
		item("phase-soak", 8, true, soakDays >= t.MinValidationDays,
			fmt.Sprintf("%d days in phase (gate %d)", soakDays, t.MinValidationDays)),
		item("approval-rate", 5, false, m.Commands.Proposed == 0 || m.Rates.ApprovalRate >= t.MinApprovalRate,
			fmt.Sprintf("approval rate %.2f (gate %.2f)", m.Rates.ApprovalRate, t.MinApprovalRate)),
		item("emergency-aborts", 7, true, m.Safety.EmergencyAborts == 0,
			fmt.Sprintf("%d emergency aborts", m.Safety.EmergencyAborts)),
		item("safety-gates", 5, false, m.Safety.SafetyGateTriggers == 0,
			fmt.Sprintf("%d safety-gate triggers", m.Safety.SafetyGateTriggers)),
	})

	organizational := buildCategory(organizationalMax, []models.ReadinessItem{
		item("incident-count", 6, false, m.Incidents.Total <= t.MaxIncidents,
			fmt.Sprintf("%d incidents (gate %d)", m.Incidents.Total, t.MaxIncidents)),
		item("autonomous-incident", 8, true, m.Incidents.FromAutonomousActions == 0,
			fmt.Sprintf("%d incidents from autonomous actions", m.Incidents.FromAutonomousActions)),
		item("rollback-count", 6, false, m.Commands.RolledBack <= t.MaxRollbacks,
			fmt.Sprintf("%d rollbacks (gate %d)", m.Commands.RolledBack, t.MaxRollbacks)),
	})

	passing := technical.Score + process.Score + organizational.Score
	overall := float64(passing) / float64(readinessMax)

	var blockers, recommendations, nextActions []string
	for _, cat := range []models.ReadinessCategory{technical, process, organizational} {
		for _, it := range cat.Items {
			if it.Status {
				continue
			}
			if it.Required {
				blockers = append(blockers, it.Name)
			}
			if adv, ok := advisory[it.Name]; ok {
				recommendations = append(recommendations, adv[0])
				nextActions = append(nextActions, adv[1])
			}
		}
	}

	return &models.ReadinessReport{
		Timestamp:           now,
		CurrentPhase:        state.CurrentPhase,
		DaysSincePhaseStart: soakDays,
		Overall: models.ReadinessOverall{
			Score:    overall,
			Ready:    overall >= t.MinOverallScore && len(blockers) == 0,
			Blockers: blockers,
		},
		Technical:       technical,
		Process:         process,
		Organizational:  organizational,
		Recommendations: recommendations,
		NextActions:     nextActions,
	}
}

func item(name string, weight int, required, status bool, details string) models.ReadinessItem {
	return models.ReadinessItem{Name: name, Weight: weight, Required: required, Status: status, Details: details}
}

func buildCategory(maxScore int, items []models.ReadinessItem) models.ReadinessCategory {
	score := 0
	for _, it := range items {
		if it.Status {
			score += it.Weight
		}
	}
	return models.ReadinessCategory{Score: score, MaxScore: maxScore, Items: items}
}
