package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Period is a closed metrics window [Start, End].
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CommandCounts aggregates proposals created in a window by outcome.
type CommandCounts struct {
	Total      int `json:"total"`
	Proposed   int `json:"proposed"`
	Approved   int `json:"approved"`
	Rejected   int `json:"rejected"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolledBack"`
}

// Rates are in [0,1]; zero denominators report 0, never NaN.
type Rates struct {
	SuccessRate  float64 `json:"successRate"`
	ApprovalRate float64 `json:"approvalRate"`
	RollbackRate float64 `json:"rollbackRate"`
	ErrorRate    float64 `json:"errorRate"`
}

// IncidentCounts derive from circuit-breaker events inside the window.
type IncidentCounts struct {
	Total                 int `json:"total"`
	Critical              int `json:"critical"`
	FromAutonomousActions int `json:"fromAutonomousActions"`
}

// SafetyCounts tally rejection reasons and emergency command types.
type SafetyCounts struct {
	ConstraintViolations int `json:"constraintViolations"`
	EmergencyAborts      int `json:"emergencyAborts"`
	SafetyGateTriggers   int `json:"safetyGateTriggers"`
}

// AutonomyMetrics is one collection over a period.
type AutonomyMetrics struct {
	Period    Period         `json:"period"`
	Commands  CommandCounts  `json:"commands"`
	Rates     Rates          `json:"rates"`
	Incidents IncidentCounts `json:"incidents"`
	Safety    SafetyCounts   `json:"safety"`
}

// Value implements driver.Valuer so snapshots embed as a JSON column.
func (m AutonomyMetrics) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *AutonomyMetrics) Scan(src any) error {
	return scanJSON(src, m, "AutonomyMetrics")
}

// ReadinessItem is one weighted checklist entry.
type ReadinessItem struct {
	Name     string `json:"name"`
	Weight   int    `json:"weight"`
	Required bool   `json:"required"`
	Status   bool   `json:"status"`
	Details  string `json:"details"`
}

// ReadinessCategory is one of the three weighted checklists. Score is the
// sum of weights of passing items; MaxScore is fixed per category.
type ReadinessCategory struct {
	Score    int             `json:"score"`
	MaxScore int             `json:"maxScore"`
	Items    []ReadinessItem `json:"items"`
}

// ReadinessOverall gates autonomy expansion. Blockers name every failing
// required item; Ready demands score ≥ 0.95 and an empty blocker set.
type ReadinessOverall struct {
	Score    float64  `json:"score"`
	Ready    bool     `json:"ready"`
	Blockers []string `json:"blockers"`
}

// ReadinessReport is one assessment. Category maxima are fixed:
// technical 35, process 25, organizational 20 (total 80).
type ReadinessReport struct {
	Timestamp           time.Time         `json:"timestamp"`
	CurrentPhase        Phase             `json:"currentPhase"`
	DaysSincePhaseStart int               `json:"daysSincePhaseStart"`
	Overall             ReadinessOverall  `json:"overall"`
	Technical           ReadinessCategory `json:"technical"`
	Process             ReadinessCategory `json:"process"`
	Organizational      ReadinessCategory `json:"organizational"`
	Recommendations     []string          `json:"recommendations"`
	NextActions         []string          `json:"nextActions"`
}

// Value implements driver.Valuer.
func (r ReadinessReport) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner.
func (r *ReadinessReport) Scan(src any) error {
	return scanJSON(src, r, "ReadinessReport")
}

// RiskLevel grades an expansion proposal.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ScopeExpansion names the phase move and its whitelist additions.
type ScopeExpansion struct {
	CurrentPhase         Phase    `json:"currentPhase"`
	TargetPhase          Phase    `json:"targetPhase"`
	CommandsToWhitelist  []string `json:"commandsToWhitelist"`
	ValidationPeriodDays int      `json:"validationPeriod"`
}

// ExpansionRationale backs a proposal with the evidence it was built from.
type ExpansionRationale struct {
	Metrics         AutonomyMetrics `json:"metrics"`
	Readiness       ReadinessReport `json:"readiness"`
	KeyAchievements []string        `json:"keyAchievements"`
}

// RiskAssessment carries the level, mitigations, and the rollback plan.
type RiskAssessment struct {
	Level        RiskLevel `json:"level"`
	Mitigations  []string  `json:"mitigations"`
	RollbackPlan string    `json:"rollbackPlan"`
}

// ScopeProposalStatus tracks operator handling of an expansion proposal.
type ScopeProposalStatus string

const (
	ScopeProposalPending   ScopeProposalStatus = "PENDING"
	ScopeProposalApplied   ScopeProposalStatus = "APPLIED"
	ScopeProposalDismissed ScopeProposalStatus = "DISMISSED"
)

// ScopeExpansionProposal is a governor-generated request to widen autonomy.
type ScopeExpansionProposal struct {
	ProposalID        string              `json:"proposalId"`
	Timestamp         time.Time           `json:"timestamp"`
	ProposedBy        string              `json:"proposedBy"`
	Expansion         ScopeExpansion      `json:"expansion"`
	Rationale         ExpansionRationale  `json:"rationale"`
	RiskAssessment    RiskAssessment      `json:"riskAssessment"`
	RequiredApprovals []string            `json:"requiredApprovals"`
	Status            ScopeProposalStatus `json:"status"`
}
