package models

import "time"

// Phase is the graduated autonomy level. Expansion moves one step right;
// demotion always returns to L3.
type Phase string

const (
	PhaseL3     Phase = "L3"
	PhaseL3Plus Phase = "L3+"
	PhaseL4     Phase = "L4"
	PhaseL4Plus Phase = "L4+"
	PhaseL5     Phase = "L5"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseL3, PhaseL3Plus, PhaseL4, PhaseL4Plus, PhaseL5:
		return true
	}
	return false
}

// GovernanceState is the singleton autonomy record: exactly one row
// process-wide, read by the proposal service at admission time and written
// by the governor (demotion, expansion) and operator endpoints.
type GovernanceState struct {
	CurrentPhase       Phase      `db:"current_phase" json:"currentPhase"`
	PhaseStartDate     time.Time  `db:"phase_start_date" json:"phaseStartDate"`
	CommandWhitelist   StringList `db:"command_whitelist" json:"commandWhitelist"`
	PausedCommandTypes StringList `db:"paused_command_types" json:"pausedCommandTypes"`
	LastReportDate     *time.Time `db:"last_report_date" json:"lastReportDate,omitempty"`
	LastExpansionDate  *time.Time `db:"last_expansion_date" json:"lastExpansionDate,omitempty"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updatedAt"`
}

// PausesAll reports whether a blanket command pause is active. A breaker
// rule with no commandType pauses every agent-proposed command.
func (s *GovernanceState) PausesAll() bool {
	return s.PausedCommandTypes.Contains(PauseAllCommands)
}

// PauseAllCommands is the sentinel stored in PausedCommandTypes when a
// pause_command_type rule names no specific command type.
const PauseAllCommands = "*"

// RuleAction is what the circuit breaker does when a rule trips.
type RuleAction string

const (
	ActionRevertToL3       RuleAction = "revert_to_l3"
	ActionPauseCommandType RuleAction = "pause_command_type"
	ActionAlertOnly        RuleAction = "alert_only"
)

// Valid reports whether a is a known action.
func (a RuleAction) Valid() bool {
	switch a {
	case ActionRevertToL3, ActionPauseCommandType, ActionAlertOnly:
		return true
	}
	return false
}

// CircuitRule is a threshold rule evaluated every breaker tick.
// Condition grammar: a single comparison `lhs op rhs`; unrecognized
// conditions never trigger and are warned about at load.
type CircuitRule struct {
	Name          string     `db:"name" json:"name"`
	Enabled       bool       `db:"enabled" json:"enabled"`
	Condition     string     `db:"condition" json:"condition"`
	Window        string     `db:"time_window" json:"window"`
	Action        RuleAction `db:"action" json:"action"`
	AlertSeverity string     `db:"alert_severity" json:"alertSeverity"`
	CommandType   string     `db:"command_type" json:"commandType,omitempty"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}

// CircuitEvent is the durable record of one rule trigger. At most one event
// exists per (rule, evaluation window), enforced by a uniqueness guard so
// concurrent checkers cannot double-fire.
type CircuitEvent struct {
	ID              int64           `db:"id" json:"id"`
	Timestamp       time.Time       `db:"timestamp" json:"timestamp"`
	Rule            string          `db:"rule_name" json:"rule"`
	WindowKey       string          `db:"window_key" json:"windowKey"`
	MetricsSnapshot AutonomyMetrics `db:"metrics_snapshot" json:"metricsSnapshot"`
	Action          RuleAction      `db:"action" json:"action"`
	Details         string          `db:"details" json:"details"`
	Resolved        bool            `db:"resolved" json:"resolved"`
}
