package governor

import (
	"fmt"
	"time"

	"github.com/emberworks/fabric/pkg/models"
)

// expansionStep is one row of the fixed phase ladder.
type expansionStep struct {
	target         models.Phase
	commands       []string
	validationDays int
	approvers      []string
}

// phaseLadder maps the current phase to its next expansion. L5 has no
// successor. Approvers accumulate as risk grows.
var phaseLadder = map[models.Phase]expansionStep{
	models.PhaseL3: {
		target:         models.PhaseL3Plus,
		commands:       []string{"SET_POWER", "SET_FAN"},
		validationDays: 14,
		approvers:      []string{"tech-lead"},
	},
	models.PhaseL3Plus: {
		target:         models.PhaseL4,
		commands:       []string{"SET_DRUM", "SET_AIRFLOW"},
		validationDays: 21,
		approvers:      []string{"tech-lead", "ops-lead"},
	},
	models.PhaseL4: {
		target:         models.PhaseL4Plus,
		commands:       []string{"PREHEAT", "COOLING_CYCLE"},
		validationDays: 30,
		approvers:      []string{"tech-lead", "ops-lead", "product-lead"},
	},
	models.PhaseL4Plus: {
		target:         models.PhaseL5,
		commands:       []string{"EMERGENCY_SHUTDOWN", "ABORT"},
		validationDays: 60,
		approvers:      []string{"tech-lead", "ops-lead", "product-lead", "exec-sponsor"},
	},
}

// ErrNoFurtherExpansion is returned at L5, the top of the ladder.
var ErrNoFurtherExpansion = fmt.Errorf("no further expansion from current phase")

// Proposer builds scope-expansion proposals from a passing readiness
// assessment.
type Proposer struct{}

// NewProposer creates a Proposer.
func NewProposer() *Proposer {
	return &Proposer{}
}

// Build creates the next-step proposal for the current phase. Callers gate
// on readiness, unresolved events, and pending proposals before calling.
func (p *Proposer) Build(state *models.GovernanceState, metrics *models.AutonomyMetrics, readiness *models.ReadinessReport, now time.Time) (*models.ScopeExpansionProposal, error) {
	step, ok := phaseLadder[state.CurrentPhase]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFurtherExpansion, state.CurrentPhase)
	}

	return &models.ScopeExpansionProposal{
		Timestamp:  now,
		ProposedBy: "autonomy-governor",
		Expansion: models.ScopeExpansion{
			CurrentPhase:         state.CurrentPhase,
			TargetPhase:          step.target,
			CommandsToWhitelist:  step.commands,
			ValidationPeriodDays: step.validationDays,
		},
		Rationale: models.ExpansionRationale{
			Metrics:   *metrics,
			Readiness: *readiness,
			KeyAchievements: []string{
				fmt.Sprintf("%d days in %s without demotion", readiness.DaysSincePhaseStart, state.CurrentPhase),
				fmt.Sprintf("success rate %.4f over the assessment window", metrics.Rates.SuccessRate),
				fmt.Sprintf("readiness score %.3f", readiness.Overall.Score),
			},
		},
		RiskAssessment:    assessRisk(step.target, metrics, readiness),
		RequiredApprovals: step.approvers,
		Status:            models.ScopeProposalPending,
	}, nil
}

// assessRisk grades the step: low unless the evidence is borderline, and
// never below medium for the two highest phases.
func assessRisk(target models.Phase, metrics *models.AutonomyMetrics, readiness *models.ReadinessReport) models.RiskAssessment {
	level := models.RiskLow
	if metrics.Rates.SuccessRate < 0.997 || metrics.Rates.ErrorRate > 0.02 || readiness.Overall.Score < 0.97 {
		level = models.RiskMedium
	}
	if target == models.PhaseL4Plus || target == models.PhaseL5 {
		if level == models.RiskLow {
			level = models.RiskMedium
		}
	}
	return models.RiskAssessment{
		Level: level,
		Mitigations: []string{
			"circuit breaker demotes to L3 on any critical incident",
			"command pauses force approval for affected command types",
			"weekly readiness review before any further expansion",
		},
		RollbackPlan: "demote to L3: clear whitelist, reset phase start, resume full approval flow",
	}
}
