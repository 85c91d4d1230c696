package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/fabric/pkg/command"
	"github.com/emberworks/fabric/pkg/database"
	"github.com/emberworks/fabric/pkg/driver"
	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/pkg/services"
	"github.com/emberworks/fabric/test/util"
)

type stubGovernance struct{}

func (s *stubGovernance) GetState(_ context.Context) (*models.GovernanceState, error) {
	return &models.GovernanceState{CurrentPhase: models.PhaseL3}, nil
}

type fixture struct {
	client   *database.Client
	missions *services.MissionService
	commands *command.Service
	traces   *services.TraceService
}

func newFixture(t *testing.T, leaseTTL time.Duration) *fixture {
	t.Helper()
	client := util.SetupTestDatabase(t)
	drivers := driver.NewRegistry(map[string]driver.Driver{
		"roaster-1": driver.NewSimDriver("roaster-1"),
	})
	return &fixture{
		client:   client,
		missions: services.NewMissionService(client, services.MissionConfig{LeaseTTL: leaseTTL}),
		commands: command.NewService(client, &stubGovernance{}, drivers, command.Config{DefaultApprovalTimeout: time.Minute}),
		traces:   services.NewTraceService(client),
	}
}

func TestRunOnceReclaimsExpiredLeases(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	m, created, err := f.missions.Submit(ctx, &models.MissionRequest{Goal: "generate-roast-report"})
	require.NoError(t, err)
	require.True(t, created)
	_, err = f.missions.Claim(ctx, "worker-0", nil)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	j := NewJanitor(f.missions, f.commands, f.traces, Config{})
	stats := j.RunOnce(ctx)
	assert.Equal(t, 1, stats.MissionsReclaimed)

	// The failure was retryable, so the mission is claimable again.
	reclaimed, err := f.missions.Get(ctx, m.MissionID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionPending, reclaimed.Status)
}

func TestRunOnceExpiresStaleApprovals(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	target := 40.0
	p, err := f.commands.Propose(ctx, &models.ProposalRequest{
		Command: models.RoasterCommand{
			CommandType: "SET_POWER",
			MachineID:   "roaster-1",
			TargetValue: &target,
		},
		ProposedBy: models.ProposedByAgent,
		Reasoning:  "reduce heat ramp",
	})
	require.NoError(t, err)
	require.Equal(t, models.ProposalPendingApproval, p.Status)

	// Backdate creation so the approval window has elapsed.
	db := f.client.DB()
	_, err = db.Exec(db.Rebind(`UPDATE command_proposals SET created_at = ? WHERE proposal_id = ?`),
		time.Now().UTC().Add(-time.Hour), p.ProposalID)
	require.NoError(t, err)

	j := NewJanitor(f.missions, f.commands, f.traces, Config{})
	stats := j.RunOnce(ctx)
	assert.Equal(t, 1, stats.ProposalsExpired)

	expired, err := f.commands.Get(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, expired.Status)
}

func TestRunOncePrunesOldTraces(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, f.traces.Append(ctx, &models.Trace{
		TraceID:   "trace-old",
		MissionID: "mission-1",
		Status:    models.TraceSuccess,
	}))

	j := NewJanitor(f.missions, f.commands, f.traces, Config{TraceRetentionDays: 30})
	// Pruning is cutoff-based; pretend a month and a day passed.
	j.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 31) }
	stats := j.RunOnce(ctx)
	assert.Equal(t, int64(1), stats.TracesPruned)

	listed, err := f.traces.ListByMission(ctx, "mission-1")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestRetentionDisabledByDefault(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, f.traces.Append(ctx, &models.Trace{
		TraceID:   "trace-keep",
		MissionID: "mission-1",
		Status:    models.TraceSuccess,
	}))

	j := NewJanitor(f.missions, f.commands, f.traces, Config{})
	j.now = func() time.Time { return time.Now().UTC().AddDate(1, 0, 0) }
	stats := j.RunOnce(ctx)
	assert.Zero(t, stats.TracesPruned)
}

func TestStartStopLoop(t *testing.T) {
	f := newFixture(t, time.Minute)

	j := NewJanitor(f.missions, nil, nil, Config{Interval: time.Second})
	j.cfg.Interval = 10 * time.Millisecond
	j.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, last := j.Totals(); !last.IsZero() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	j.Stop()

	_, last := j.Totals()
	assert.False(t, last.IsZero())
}

func TestIntervalDefaultsFromLeaseTTL(t *testing.T) {
	f := newFixture(t, 10*time.Minute)

	j := NewJanitor(f.missions, nil, nil, Config{})
	assert.Equal(t, 5*time.Minute, j.cfg.Interval)
}
