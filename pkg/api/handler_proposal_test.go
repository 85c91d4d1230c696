package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/fabric/pkg/models"
)

func proposalBody(commandType string) models.ProposalRequest {
	target := 40.0
	return models.ProposalRequest{
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

func TestProposalApproveAndExecuteOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	// Outside the whitelist, an agent proposal waits for a human.
	rec := ts.do(t, http.MethodPost, "/proposals", proposalBody("SET_POWER"))
	require.Equal(t, http.StatusCreated, rec.Code)
	proposal := decodeBody[models.CommandProposal](t, rec)
	assert.Equal(t, models.ProposalPendingApproval, proposal.Status)
	assert.True(t, proposal.ApprovalRequired)

	rec = ts.do(t, http.MethodGet, "/proposals/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[[]models.CommandProposal](t, rec)
	require.Len(t, pending, 1)

	// Approval needs an actor.
	rec = ts.do(t, http.MethodPost, "/proposals/"+proposal.ProposalID+"/approve", decisionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/proposals/"+proposal.ProposalID+"/approve",
		decisionRequest{Actor: "op@roastery"})
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decodeBody[models.CommandProposal](t, rec)
	assert.Equal(t, models.ProposalApproved, approved.Status)

	rec = ts.do(t, http.MethodPost, "/execute/"+proposal.ProposalID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	executed := decodeBody[models.CommandProposal](t, rec)
	assert.Equal(t, models.ProposalCompleted, executed.Status)

	// A completed proposal cannot be approved again.
	rec = ts.do(t, http.MethodPost, "/proposals/"+proposal.ProposalID+"/approve",
		decisionRequest{Actor: "op@roastery"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProposalRejectOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/proposals", proposalBody("SET_POWER"))
	require.Equal(t, http.StatusCreated, rec.Code)
	proposal := decodeBody[models.CommandProposal](t, rec)

	rec = ts.do(t, http.MethodPost, "/proposals/"+proposal.ProposalID+"/reject",
		decisionRequest{Actor: "op@roastery", Reason: "bean temp already falling"})
	require.Equal(t, http.StatusOK, rec.Code)
	rejected := decodeBody[models.CommandProposal](t, rec)
	assert.Equal(t, models.ProposalRejected, rejected.Status)

	// Rejected proposals cannot execute.
	rec = ts.do(t, http.MethodPost, "/execute/"+proposal.ProposalID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProposalRollbackOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/proposals", proposalBody("SET_POWER"))
	proposal := decodeBody[models.CommandProposal](t, rec)
	ts.do(t, http.MethodPost, "/proposals/"+proposal.ProposalID+"/approve",
		decisionRequest{Actor: "op@roastery"})
	rec = ts.do(t, http.MethodPost, "/execute/"+proposal.ProposalID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/proposals/"+proposal.ProposalID+"/rollback",
		decisionRequest{Actor: "op@roastery", Reason: "overshoot"})
	require.Equal(t, http.StatusOK, rec.Code)
	rolled := decodeBody[models.CommandProposal](t, rec)
	assert.True(t, rolled.RolledBack)
}

func TestProposalNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/proposals/prop-missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"resource not found"`)
}

func TestListProposalsFilters(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/proposals", proposalBody("SET_POWER"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/proposals?status=PENDING_APPROVAL&machineId=roaster-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]models.CommandProposal](t, rec)
	assert.Len(t, listed, 1)
}
