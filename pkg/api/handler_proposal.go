package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/emberworks/fabric/pkg/models"
)

// proposeCommandHandler handles POST /proposals. Governance decides whether
// the proposal auto-approves or waits for a human.
func (s *Server) proposeCommandHandler(c *echo.Context) error {
	var req models.ProposalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}

	proposal, err := s.commands.Propose(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, proposal)
}

// listProposalsHandler handles GET /proposals.
func (s *Server) listProposalsHandler(c *echo.Context) error {
	filters := models.ProposalFilters{
		Status:      c.QueryParam("status"),
		MachineID:   c.QueryParam("machineId"),
		CommandType: c.QueryParam("commandType"),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		filters.Limit = n
	}

	proposals, err := s.commands.List(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposals)
}

// pendingProposalsHandler handles GET /proposals/pending.
func (s *Server) pendingProposalsHandler(c *echo.Context) error {
	proposals, err := s.commands.ListPending(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposals)
}

// getProposalHandler handles GET /proposals/:id.
func (s *Server) getProposalHandler(c *echo.Context) error {
	proposalID := c.Param("id")
	if proposalID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "proposal id is required")
	}

	proposal, err := s.commands.Get(c.Request().Context(), proposalID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposal)
}

// approveProposalHandler handles POST /proposals/:id/approve.
func (s *Server) approveProposalHandler(c *echo.Context) error {
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}

	proposal, err := s.commands.Approve(c.Request().Context(), c.Param("id"), req.Actor)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposal)
}

// rejectProposalHandler handles POST /proposals/:id/reject.
func (s *Server) rejectProposalHandler(c *echo.Context) error {
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}

	proposal, err := s.commands.Reject(c.Request().Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposal)
}

// rollbackProposalHandler handles POST /proposals/:id/rollback. Rollbacks
// feed the autonomy metrics, so the record matters even after execution.
func (s *Server) rollbackProposalHandler(c *echo.Context) error {
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}

	proposal, err := s.commands.MarkRolledBack(c.Request().Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposal)
}

// executeProposalHandler handles POST /execute/:proposalId.
func (s *Server) executeProposalHandler(c *echo.Context) error {
	proposalID := c.Param("proposalId")
	if proposalID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "proposal id is required")
	}

	proposal, err := s.commands.ExecuteApproved(c.Request().Context(), proposalID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposal)
}

// abortProposalHandler handles POST /abort/:proposalId.
func (s *Server) abortProposalHandler(c *echo.Context) error {
	proposalID := c.Param("proposalId")
	if proposalID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "proposal id is required")
	}

	proposal, err := s.commands.Abort(c.Request().Context(), proposalID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposal)
}
