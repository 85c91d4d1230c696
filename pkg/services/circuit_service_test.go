package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/test/util"
)

func circuitFixture(t *testing.T) (*CircuitService, *GovernanceService) {
	t.Helper()
	client := util.SetupTestDatabase(t)
	return NewCircuitService(client), NewGovernanceService(client)
}

func testRules() []models.CircuitRule {
	return []models.CircuitRule{
		{
			Name:          "critical_incident",
			Enabled:       true,
			Condition:     `incident.severity === "critical"`,
			Window:        "1h",
			Action:        models.ActionRevertToL3,
			AlertSeverity: "critical",
		},
		{
			Name:          "elevated_rollbacks",
			Enabled:       true,
			Condition:     "rollback_rate > 0.1",
			Window:        "24h",
			Action:        models.ActionPauseCommandType,
			AlertSeverity: "warning",
			CommandType:   "SET_POWER",
		},
		{
			Name:          "low_approval",
			Enabled:       false,
			Condition:     "approval_rate < 0.5",
			Window:        "7d",
			Action:        models.ActionAlertOnly,
			AlertSeverity: "info",
		},
	}
}

func snapshotFixture() models.AutonomyMetrics {
	now := time.Now().UTC()
	return models.AutonomyMetrics{
		Period:   models.Period{Start: now.Add(-24 * time.Hour), End: now},
		Commands: models.CommandCounts{Total: 10, Succeeded: 9, RolledBack: 2},
		Rates:    models.Rates{SuccessRate: 0.9, RollbackRate: 0.2},
	}
}

func TestUpsertRulesInsertAndUpdate(t *testing.T) {
	svc, _ := circuitFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.UpsertRules(ctx, testRules()))

	rules, err := svc.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "critical_incident", rules[0].Name)

	enabled, err := svc.EnabledRules(ctx)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	// Re-upserting with a changed definition replaces in place.
	updated := testRules()
	updated[1].Window = "48h"
	require.NoError(t, svc.UpsertRules(ctx, updated))

	rules, err = svc.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "48h", rules[1].Window)
}

func TestUpsertRulesValidation(t *testing.T) {
	svc, _ := circuitFixture(t)
	ctx := context.Background()

	err := svc.UpsertRules(ctx, []models.CircuitRule{{Name: "", Action: models.ActionAlertOnly}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = svc.UpsertRules(ctx, []models.CircuitRule{{Name: "x", Action: "explode"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSetRuleEnabled(t *testing.T) {
	svc, _ := circuitFixture(t)
	ctx := context.Background()
	require.NoError(t, svc.UpsertRules(ctx, testRules()))

	rule, err := svc.SetRuleEnabled(ctx, "low_approval", true)
	require.NoError(t, err)
	assert.True(t, rule.Enabled)

	_, err = svc.SetRuleEnabled(ctx, "no_such_rule", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTriggerOncePerWindow(t *testing.T) {
	svc, gov := circuitFixture(t)
	ctx := context.Background()
	require.NoError(t, svc.UpsertRules(ctx, testRules()))
	rule := testRules()[0]

	triggered, err := svc.Trigger(ctx, rule, "2026-08-25T10", snapshotFixture(), "critical incident in window")
	require.NoError(t, err)
	assert.True(t, triggered)

	// Same window: suppressed, no second event.
	triggered, err = svc.Trigger(ctx, rule, "2026-08-25T10", snapshotFixture(), "duplicate")
	require.NoError(t, err)
	assert.False(t, triggered)

	// New window fires again.
	triggered, err = svc.Trigger(ctx, rule, "2026-08-25T11", snapshotFixture(), "next window")
	require.NoError(t, err)
	assert.True(t, triggered)

	events, err := svc.ListEvents(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	n, err := svc.UnresolvedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// revert_to_l3 demoted governance inside the trigger transaction.
	state, err := gov.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseL3, state.CurrentPhase)
}

func TestTriggerDemotesFromExpandedPhase(t *testing.T) {
	svc, gov := circuitFixture(t)
	ctx := context.Background()
	require.NoError(t, svc.UpsertRules(ctx, testRules()))

	require.NoError(t, gov.ApplyExpansion(ctx, models.ScopeExpansion{
		CurrentPhase:        models.PhaseL3,
		TargetPhase:         models.PhaseL4,
		CommandsToWhitelist: []string{"SET_POWER", "SET_FAN"},
	}))

	triggered, err := svc.Trigger(ctx, testRules()[0], "w1", snapshotFixture(), "critical")
	require.NoError(t, err)
	require.True(t, triggered)

	state, err := gov.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseL3, state.CurrentPhase)
	assert.Empty(t, state.CommandWhitelist)
}

func TestTriggerPauseAndResolveUnpauses(t *testing.T) {
	svc, gov := circuitFixture(t)
	ctx := context.Background()
	require.NoError(t, svc.UpsertRules(ctx, testRules()))
	pauseRule := testRules()[1]

	triggered, err := svc.Trigger(ctx, pauseRule, "day-2026-08-25", snapshotFixture(), "rollback rate 0.2")
	require.NoError(t, err)
	require.True(t, triggered)

	state, err := gov.GetState(ctx)
	require.NoError(t, err)
	assert.True(t, state.PausedCommandTypes.Contains("SET_POWER"))

	events, err := svc.ListEvents(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.ActionPauseCommandType, events[0].Action)
	assert.InDelta(t, 0.2, events[0].MetricsSnapshot.Rates.RollbackRate, 1e-9)

	resolved, err := svc.ResolveEvent(ctx, events[0].ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)

	state, err = gov.GetState(ctx)
	require.NoError(t, err)
	assert.False(t, state.PausedCommandTypes.Contains("SET_POWER"))

	// Resolving again is a no-op.
	_, err = svc.ResolveEvent(ctx, events[0].ID)
	require.NoError(t, err)

	n, err := svc.UnresolvedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTriggerBlanketPause(t *testing.T) {
	svc, gov := circuitFixture(t)
	ctx := context.Background()

	rule := models.CircuitRule{
		Name:          "error_spike",
		Enabled:       true,
		Condition:     "error_rate > 0.25",
		Window:        "1h",
		Action:        models.ActionPauseCommandType,
		AlertSeverity: "critical",
		// No commandType: pauses everything.
	}
	require.NoError(t, svc.UpsertRules(ctx, []models.CircuitRule{rule}))

	triggered, err := svc.Trigger(ctx, rule, "w1", snapshotFixture(), "error rate spike")
	require.NoError(t, err)
	require.True(t, triggered)

	state, err := gov.GetState(ctx)
	require.NoError(t, err)
	assert.True(t, state.PausesAll())
}

func TestResolveEventNotFound(t *testing.T) {
	svc, _ := circuitFixture(t)
	_, err := svc.ResolveEvent(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsInWindow(t *testing.T) {
	client := util.SetupTestDatabase(t)
	svc := NewCircuitService(client)
	ctx := context.Background()
	require.NoError(t, svc.UpsertRules(ctx, testRules()))

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	_, err := svc.Trigger(ctx, testRules()[2], "w1", snapshotFixture(), "inside")
	require.NoError(t, err)
	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = svc.Trigger(ctx, testRules()[2], "w2", snapshotFixture(), "outside")
	require.NoError(t, err)

	events, err := svc.EventsInWindow(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "inside", events[0].Details)
}
