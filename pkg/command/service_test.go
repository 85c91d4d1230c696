package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/fabric/pkg/driver"
	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/pkg/services"
	"github.com/emberworks/fabric/test/util"
)

type stubGovernance struct {
	state *models.GovernanceState
}

func (s *stubGovernance) GetState(_ context.Context) (*models.GovernanceState, error) {
	return s.state, nil
}

func l3State() *models.GovernanceState {
	return &models.GovernanceState{
		CurrentPhase:     models.PhaseL3,
		CommandWhitelist: models.StringList{"SET_FAN"},
	}
}

func newTestService(t *testing.T, gov GovernanceReader) *Service {
	t.Helper()
	client := util.SetupTestDatabase(t)
	drivers := driver.NewRegistry(map[string]driver.Driver{
		"roaster-1": connectedSim(t, "roaster-1"),
	})
	return NewService(client, gov, drivers, Config{DefaultApprovalTimeout: time.Minute})
}

func connectedSim(t *testing.T, machineID string) driver.Driver {
	t.Helper()
	d := driver.NewSimDriver(machineID)
	require.NoError(t, d.Connect(context.Background()))
	return d
}

func proposeRequest(commandType string) *models.ProposalRequest {
	target := 40.0
	return &models.ProposalRequest{
		Command: models.RoasterCommand{
			CommandType: commandType,
			MachineID:   "roaster-1",
			TargetValue: &target,
			Unit:        "%",
		},
		ProposedBy: models.ProposedByAgent,
		Reasoning:  "first crack approaching, reduce heat ramp",
	}
}

func TestProposeWhitelistedAgentCommandAutoApproves(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})

	p, err := svc.Propose(context.Background(), proposeRequest("SET_FAN"))
	require.NoError(t, err)

	assert.Equal(t, models.ProposalApproved, p.Status)
	assert.False(t, p.ApprovalRequired)
	assert.NotEmpty(t, p.Command.CommandID)
	require.Len(t, p.AuditLog, 2)
	assert.Equal(t, "proposed", p.AuditLog[0].Event)
	assert.Equal(t, "auto_approved", p.AuditLog[1].Event)
}

func TestProposeOutsideWhitelistRequiresApproval(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})

	p, err := svc.Propose(context.Background(), proposeRequest("SET_POWER"))
	require.NoError(t, err)

	assert.Equal(t, models.ProposalPendingApproval, p.Status)
	assert.True(t, p.ApprovalRequired)
}

func TestProposePausedCommandTypeRequiresApproval(t *testing.T) {
	state := l3State()
	state.PausedCommandTypes = models.StringList{"SET_FAN"}
	svc := newTestService(t, &stubGovernance{state: state})

	p, err := svc.Propose(context.Background(), proposeRequest("SET_FAN"))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPendingApproval, p.Status)
}

func TestProposeBlanketPauseRequiresApproval(t *testing.T) {
	state := l3State()
	state.PausedCommandTypes = models.StringList{models.PauseAllCommands}
	svc := newTestService(t, &stubGovernance{state: state})

	p, err := svc.Propose(context.Background(), proposeRequest("SET_FAN"))
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPendingApproval, p.Status)
}

func TestProposeHumanSkipsGovernanceCheck(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})

	req := proposeRequest("EMERGENCY_SHUTDOWN")
	req.ProposedBy = models.ProposedByHuman
	p, err := svc.Propose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalApproved, p.Status)
}

func TestProposeValidation(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})
	ctx := context.Background()

	_, err := svc.Propose(ctx, nil)
	assert.ErrorIs(t, err, services.ErrInvalidInput)

	req := proposeRequest("SET_FAN")
	req.Command.MachineID = ""
	_, err = svc.Propose(ctx, req)
	assert.ErrorIs(t, err, services.ErrInvalidInput)

	req = proposeRequest("SET_FAN")
	req.ProposedBy = "ROBOT"
	_, err = svc.Propose(ctx, req)
	assert.ErrorIs(t, err, services.ErrInvalidInput)
}

func TestApproveAndRejectTransitions(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})
	ctx := context.Background()

	pending, err := svc.Propose(ctx, proposeRequest("SET_POWER"))
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, pending.ProposalID, "operator@roastery")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "operator@roastery", *approved.ApprovedBy)
	assert.Equal(t, "approved", approved.AuditLog[len(approved.AuditLog)-1].Event)

	// Re-approving is idempotent.
	again, err := svc.Approve(ctx, pending.ProposalID, "operator@roastery")
	require.NoError(t, err)
	assert.Len(t, again.AuditLog, len(approved.AuditLog))

	// Rejecting an approved proposal is invalid.
	_, err = svc.Reject(ctx, pending.ProposalID, "operator@roastery", "changed my mind")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)
}

func TestRejectPendingProposal(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})
	ctx := context.Background()

	pending, err := svc.Propose(ctx, proposeRequest("SET_POWER"))
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, pending.ProposalID, "operator@roastery", "bean temp already falling")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "bean temp already falling", *rejected.RejectionReason)

	// Re-rejecting is idempotent; approving afterwards is not allowed.
	_, err = svc.Reject(ctx, pending.ProposalID, "operator@roastery", "again")
	require.NoError(t, err)
	_, err = svc.Approve(ctx, pending.ProposalID, "operator@roastery")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)
}

func TestExecuteApprovedCompletes(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})
	ctx := context.Background()

	p, err := svc.Propose(ctx, proposeRequest("SET_FAN"))
	require.NoError(t, err)

	done, err := svc.ExecuteApproved(ctx, p.ProposalID)
	require.NoError(t, err)

	assert.Equal(t, models.ProposalCompleted, done.Status)
	require.NotNil(t, done.Outcome)
	assert.Equal(t, string(driver.CommandCompleted), *done.Outcome)
	require.NotNil(t, done.ExecutionStartedAt)
	require.NotNil(t, done.ExecutionCompletedAt)
	require.NotNil(t, done.ExecutionDurationMs)

	events := make([]string, 0, len(done.AuditLog))
	for _, e := range done.AuditLog {
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{"proposed", "auto_approved", "executing", "completed"}, events)
}

func TestExecuteUnsupportedCommandFails(t *testing.T) {
	state := l3State()
	state.CommandWhitelist = models.StringList{"CALIBRATE_GRAVITY"}
	svc := newTestService(t, &stubGovernance{state: state})
	ctx := context.Background()

	p, err := svc.Propose(ctx, proposeRequest("CALIBRATE_GRAVITY"))
	require.NoError(t, err)

	done, err := svc.ExecuteApproved(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalFailed, done.Status)
	require.NotNil(t, done.Outcome)
	assert.Equal(t, OutcomeUnsupportedOperation, *done.Outcome)
}

func TestExecuteUnknownMachineFails(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})
	ctx := context.Background()

	req := proposeRequest("SET_FAN")
	req.Command.MachineID = "roaster-99"
	p, err := svc.Propose(ctx, req)
	require.NoError(t, err)

	done, err := svc.ExecuteApproved(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalFailed, done.Status)
	require.NotNil(t, done.Outcome)
	assert.Equal(t, OutcomeUnsupportedOperation, *done.Outcome)
}

func TestExecuteRequiresApprovedStatus(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})
	ctx := context.Background()

	pending, err := svc.Propose(ctx, proposeRequest("SET_POWER"))
	require.NoError(t, err)

	_, err = svc.ExecuteApproved(ctx, pending.ProposalID)
	assert.ErrorIs(t, err, services.ErrInvalidTransition)

	_, err = svc.ExecuteApproved(ctx, "prop-missing")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestMarkRolledBack(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})
	ctx := context.Background()

	p, err := svc.Propose(ctx, proposeRequest("SET_FAN"))
	require.NoError(t, err)
	done, err := svc.ExecuteApproved(ctx, p.ProposalID)
	require.NoError(t, err)

	rolled, err := svc.MarkRolledBack(ctx, done.ProposalID, "operator@roastery", "fan change overshot development")
	require.NoError(t, err)
	assert.True(t, rolled.RolledBack)
	assert.Equal(t, "rolled_back", rolled.AuditLog[len(rolled.AuditLog)-1].Event)

	// Idempotent.
	again, err := svc.MarkRolledBack(ctx, done.ProposalID, "operator@roastery", "dup")
	require.NoError(t, err)
	assert.Len(t, again.AuditLog, len(rolled.AuditLog))

	// Only completed commands can be rolled back.
	pending, err := svc.Propose(ctx, proposeRequest("SET_POWER"))
	require.NoError(t, err)
	_, err = svc.MarkRolledBack(ctx, pending.ProposalID, "operator@roastery", "nope")
	assert.ErrorIs(t, err, services.ErrInvalidTransition)
}

func TestExpireStaleRejectsTimedOutApprovals(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})
	ctx := context.Background()

	req := proposeRequest("SET_POWER")
	req.ApprovalTimeoutSeconds = 30
	stale, err := svc.Propose(ctx, req)
	require.NoError(t, err)

	fresh, err := svc.Propose(ctx, proposeRequest("SET_POWER"))
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().UTC().Add(45 * time.Second) }

	expired, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := svc.Get(ctx, stale.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalRejected, got.Status)
	require.NotNil(t, got.RejectedBy)
	assert.Equal(t, approvalTimeoutActor, *got.RejectedBy)

	got, err = svc.Get(ctx, fresh.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalPendingApproval, got.Status)

	// Second sweep finds nothing new.
	expired, err = svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestListFilters(t *testing.T) {
	svc := newTestService(t, &stubGovernance{state: l3State()})
	ctx := context.Background()

	_, err := svc.Propose(ctx, proposeRequest("SET_FAN"))
	require.NoError(t, err)
	_, err = svc.Propose(ctx, proposeRequest("SET_POWER"))
	require.NoError(t, err)

	pending, err := svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "SET_POWER", pending[0].Command.CommandType)

	byType, err := svc.List(ctx, models.ProposalFilters{CommandType: "SET_FAN"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, models.ProposalApproved, byType[0].Status)

	byStatus, err := svc.List(ctx, models.ProposalFilters{Status: "pending_approval"})
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)

	all, err := svc.List(ctx, models.ProposalFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
