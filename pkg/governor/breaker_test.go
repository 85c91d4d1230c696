package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/fabric/pkg/alert"
	"github.com/emberworks/fabric/pkg/models"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (s *captureSink) Send(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func TestBreakerDemotesOnCriticalIncident(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()

	// Run at an expanded phase so the demotion is observable.
	require.NoError(t, f.governance.ApplyExpansion(ctx, models.ScopeExpansion{
		CurrentPhase:        models.PhaseL3,
		TargetPhase:         models.PhaseL4,
		CommandsToWhitelist: []string{"SET_POWER", "SET_FAN"},
	}))

	seed := models.CircuitRule{
		Name: "incident_seed", Enabled: true, Condition: "error_rate > 0.9",
		Window: "1h", Action: models.ActionAlertOnly, AlertSeverity: "critical",
	}
	demote := models.CircuitRule{
		Name: "critical_incident", Enabled: true,
		Condition: `incident.severity === "critical"`, Window: "1h",
		Action: models.ActionRevertToL3, AlertSeverity: "critical",
	}
	require.NoError(t, f.circuit.UpsertRules(ctx, []models.CircuitRule{seed, demote}))

	// An unresolved critical incident already exists in the window.
	_, err := f.circuit.Trigger(ctx, seed, "seed-w1", models.AutonomyMetrics{}, "probe fault")
	require.NoError(t, err)

	sink := &captureSink{}
	breaker := NewBreaker(f.circuit, f.collector, sink, time.Minute)
	require.NoError(t, breaker.Tick(ctx))

	state, err := f.governance.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseL3, state.CurrentPhase)
	assert.Empty(t, state.CommandWhitelist)

	events, err := f.circuit.ListEvents(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2) // seed + demotion

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "critical", sink.alerts[0].Severity)
	assert.Equal(t, "critical_incident", sink.alerts[0].Rule)

	// A second tick in the same window is suppressed by the guard; no new
	// event, no new alert. (The demotion rule still evaluates true because
	// the seed incident is unresolved.)
	require.NoError(t, breaker.Tick(ctx))
	events, err = f.circuit.ListEvents(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, 1, sink.count())
}

func TestBreakerPausesCommandType(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()

	// One rolled-back command out of one success: rollback rate 1.0.
	require.NoError(t, f.governance.ApplyExpansion(ctx, models.ScopeExpansion{
		CurrentPhase:        models.PhaseL3,
		TargetPhase:         models.PhaseL3Plus,
		CommandsToWhitelist: []string{"SET_FAN"},
	}))
	p := f.propose(t, "SET_FAN", models.ProposedByAgent)
	_, err := f.commands.ExecuteApproved(ctx, p.ProposalID)
	require.NoError(t, err)
	_, err = f.commands.MarkRolledBack(ctx, p.ProposalID, "operator", "overshoot")
	require.NoError(t, err)

	rule := models.CircuitRule{
		Name: "elevated_rollbacks", Enabled: true, Condition: "rollback_rate > 0.1",
		Window: "24h", Action: models.ActionPauseCommandType,
		AlertSeverity: "warning", CommandType: "SET_FAN",
	}
	require.NoError(t, f.circuit.UpsertRules(ctx, []models.CircuitRule{rule}))

	breaker := NewBreaker(f.circuit, f.collector, &captureSink{}, time.Minute)
	require.NoError(t, breaker.Tick(ctx))

	state, err := f.governance.GetState(ctx)
	require.NoError(t, err)
	assert.True(t, state.PausedCommandTypes.Contains("SET_FAN"))

	// With the pause in place, new agent proposals of that type need
	// approval even though the type is whitelisted.
	gated := f.propose(t, "SET_FAN", models.ProposedByAgent)
	assert.Equal(t, models.ProposalPendingApproval, gated.Status)
}

func TestBreakerIgnoresMalformedRules(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()

	rules := []models.CircuitRule{
		{Name: "bad_condition", Enabled: true, Condition: "bean_moisture > 0.1",
			Window: "1h", Action: models.ActionRevertToL3, AlertSeverity: "critical"},
		{Name: "bad_window", Enabled: true, Condition: "error_rate > 0.5",
			Window: "fortnight", Action: models.ActionRevertToL3, AlertSeverity: "critical"},
	}
	require.NoError(t, f.circuit.UpsertRules(ctx, rules))

	breaker := NewBreaker(f.circuit, f.collector, &captureSink{}, time.Minute)
	require.NoError(t, breaker.Tick(ctx))
	require.NoError(t, breaker.Tick(ctx))

	events, err := f.circuit.ListEvents(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
