package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/emberworks/fabric/pkg/database"
	"github.com/emberworks/fabric/pkg/models"
)

// agentOriginMarker tags circuit events attributable to agent-proposed
// commands; the collector counts it into incidents.fromAutonomousActions.
const agentOriginMarker = "origin=AGENT"

// Collector aggregates a command/incident snapshot over a time window from
// the proposal and circuit-event tables.
type Collector struct {
	client *database.Client
}

// NewCollector creates a Collector.
func NewCollector(client *database.Client) *Collector {
	if client == nil {
		panic("governor.NewCollector: client must not be nil")
	}
	return &Collector{client: client}
}

type commandCountsRow struct {
	Total                int `db:"total"`
	Proposed             int `db:"proposed"`
	Approved             int `db:"approved"`
	Rejected             int `db:"rejected"`
	Succeeded            int `db:"succeeded"`
	Failed               int `db:"failed"`
	RolledBack           int `db:"rolled_back"`
	ConstraintViolations int `db:"constraint_violations"`
	EmergencyAborts      int `db:"emergency_aborts"`
	SafetyGateTriggers   int `db:"safety_gate_triggers"`
}

type incidentCountsRow struct {
	Total      int `db:"total"`
	Critical   int `db:"critical"`
	FromAgents int `db:"from_agents"`
}

// Collect builds the snapshot for [start, end]. Zero denominators yield
// zero rates, never NaN.
func (c *Collector) Collect(ctx context.Context, start, end time.Time) (*models.AutonomyMetrics, error) {
	db := c.client.DB()

	var cmds commandCountsRow
	err := db.GetContext(ctx, &cmds, db.Rebind(`
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN approval_required THEN 1 ELSE 0 END), 0) AS proposed,
			COALESCE(SUM(CASE WHEN approved_by IS NOT NULL THEN 1 ELSE 0 END), 0) AS approved,
			COALESCE(SUM(CASE WHEN status = 'REJECTED' THEN 1 ELSE 0 END), 0) AS rejected,
			COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0) AS succeeded,
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN rolled_back THEN 1 ELSE 0 END), 0) AS rolled_back,
			COALESCE(SUM(CASE WHEN status = 'REJECTED' AND LOWER(COALESCE(rejection_reason, '')) LIKE '%constraint%'
				THEN 1 ELSE 0 END), 0) AS constraint_violations,
			COALESCE(SUM(CASE WHEN command_type = 'ABORT' THEN 1 ELSE 0 END), 0) AS emergency_aborts,
			COALESCE(SUM(CASE WHEN status = 'REJECTED' AND (LOWER(COALESCE(rejection_reason, '')) LIKE '%safety%'
				OR LOWER(COALESCE(rejection_reason, '')) LIKE '%gate%') THEN 1 ELSE 0 END), 0) AS safety_gate_triggers
		FROM command_proposals
		WHERE created_at >= ? AND created_at <= ?`), start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate command counts: %w", err)
	}

	var incidents incidentCountsRow
	err = db.GetContext(ctx, &incidents, db.Rebind(`
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN COALESCE(r.alert_severity, '') = 'critical' THEN 1 ELSE 0 END), 0) AS critical,
			COALESCE(SUM(CASE WHEN e.details LIKE ? THEN 1 ELSE 0 END), 0) AS from_agents
		FROM circuit_events e
		LEFT JOIN circuit_rules r ON r.name = e.rule_name
		WHERE e.resolved = ? AND e.timestamp >= ? AND e.timestamp <= ?`),
		"%"+agentOriginMarker+"%", false, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate incident counts: %w", err)
	}

	return &models.AutonomyMetrics{
		Period: models.Period{Start: start, End: end},
		Commands: models.CommandCounts{
			Total:      cmds.Total,
			Proposed:   cmds.Proposed,
			Approved:   cmds.Approved,
			Rejected:   cmds.Rejected,
			Succeeded:  cmds.Succeeded,
			Failed:     cmds.Failed,
			RolledBack: cmds.RolledBack,
		},
		Rates: models.Rates{
			SuccessRate:  safeDiv(cmds.Succeeded, cmds.Succeeded+cmds.Failed),
			ApprovalRate: safeDiv(cmds.Approved, cmds.Proposed),
			RollbackRate: safeDiv(cmds.RolledBack, cmds.Succeeded),
			ErrorRate:    safeDiv(cmds.Failed, cmds.Total),
		},
		Incidents: models.IncidentCounts{
			Total:                 incidents.Total,
			Critical:              incidents.Critical,
			FromAutonomousActions: incidents.FromAgents,
		},
		Safety: models.SafetyCounts{
			ConstraintViolations: cmds.ConstraintViolations,
			EmergencyAborts:      cmds.EmergencyAborts,
			SafetyGateTriggers:   cmds.SafetyGateTriggers,
		},
	}, nil
}

func safeDiv(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
