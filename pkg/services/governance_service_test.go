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

func TestGetStateSeededSingleton(t *testing.T) {
	svc := NewGovernanceService(util.SetupTestDatabase(t))

	state, err := svc.GetState(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.PhaseL3, state.CurrentPhase)
	assert.Empty(t, state.CommandWhitelist)
	assert.Empty(t, state.PausedCommandTypes)
	assert.Nil(t, state.LastExpansionDate)
}

func TestApplyExpansionAdvancesPhase(t *testing.T) {
	svc := NewGovernanceService(util.SetupTestDatabase(t))
	ctx := context.Background()

	err := svc.ApplyExpansion(ctx, models.ScopeExpansion{
		CurrentPhase:        models.PhaseL3,
		TargetPhase:         models.PhaseL3Plus,
		CommandsToWhitelist: []string{"SET_POWER", "SET_FAN"},
	})
	require.NoError(t, err)

	state, err := svc.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseL3Plus, state.CurrentPhase)
	assert.True(t, state.CommandWhitelist.Contains("SET_POWER"))
	assert.True(t, state.CommandWhitelist.Contains("SET_FAN"))
	require.NotNil(t, state.LastExpansionDate)

	// A second expansion appends without duplicating.
	err = svc.ApplyExpansion(ctx, models.ScopeExpansion{
		CurrentPhase:        models.PhaseL3Plus,
		TargetPhase:         models.PhaseL4,
		CommandsToWhitelist: []string{"SET_FAN", "SET_DRUM"},
	})
	require.NoError(t, err)

	state, err = svc.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseL4, state.CurrentPhase)
	assert.Equal(t, models.StringList{"SET_POWER", "SET_FAN", "SET_DRUM"}, state.CommandWhitelist)
}

func TestApplyExpansionRejectsStalePhase(t *testing.T) {
	svc := NewGovernanceService(util.SetupTestDatabase(t))

	err := svc.ApplyExpansion(context.Background(), models.ScopeExpansion{
		CurrentPhase: models.PhaseL4,
		TargetPhase:  models.PhaseL4Plus,
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDemoteRevertsToL3AndClearsWhitelist(t *testing.T) {
	svc := NewGovernanceService(util.SetupTestDatabase(t))
	ctx := context.Background()

	require.NoError(t, svc.ApplyExpansion(ctx, models.ScopeExpansion{
		CurrentPhase:        models.PhaseL3,
		TargetPhase:         models.PhaseL3Plus,
		CommandsToWhitelist: []string{"SET_POWER"},
	}))
	require.NoError(t, svc.Demote(ctx))

	state, err := svc.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseL3, state.CurrentPhase)
	assert.Empty(t, state.CommandWhitelist)
}

func TestSetLastReportDate(t *testing.T) {
	svc := NewGovernanceService(util.SetupTestDatabase(t))
	ctx := context.Background()

	at := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, svc.SetLastReportDate(ctx, at))

	state, err := svc.GetState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.LastReportDate)
	assert.WithinDuration(t, at, *state.LastReportDate, time.Second)
}
