package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/emberworks/fabric/pkg/models"
)

// latestMetricsHandler handles GET /api/metrics/latest.
func (s *Server) latestMetricsHandler(c *echo.Context) error {
	metrics, err := s.store.LatestMetrics(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, metrics)
}

// currentReadinessHandler handles GET /api/readiness/current. Runs a fresh
// assessment rather than serving the last persisted one.
func (s *Server) currentReadinessHandler(c *echo.Context) error {
	if s.governor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "governor not configured")
	}

	report, err := s.governor.AssessNow(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// listCircuitEventsHandler handles GET /api/circuit-breaker/events. The
// resolved query narrows to resolved or open events.
func (s *Server) listCircuitEventsHandler(c *echo.Context) error {
	var resolved *bool
	if v := c.QueryParam("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "resolved must be true or false")
		}
		resolved = &b
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	events, err := s.circuit.ListEvents(c.Request().Context(), resolved, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, events)
}

// resolveCircuitEventHandler handles PATCH /api/circuit-breaker/events/:id/resolve.
// Unresolved events block scope expansion, so operators close them here.
func (s *Server) resolveCircuitEventHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "event id must be an integer")
	}

	event, err := s.circuit.ResolveEvent(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, event)
}

// listCircuitRulesHandler handles GET /api/circuit-breaker/rules.
func (s *Server) listCircuitRulesHandler(c *echo.Context) error {
	rules, err := s.circuit.ListRules(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rules)
}

// toggleCircuitRuleHandler handles PATCH /api/circuit-breaker/rules/:name.
func (s *Server) toggleCircuitRuleHandler(c *echo.Context) error {
	var req ruleToggleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}
	if req.Enabled == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "enabled is required")
	}

	rule, err := s.circuit.SetRuleEnabled(c.Request().Context(), c.Param("name"), *req.Enabled)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rule)
}

// governanceStateHandler handles GET /api/governance/state.
func (s *Server) governanceStateHandler(c *echo.Context) error {
	state, err := s.governance.GetState(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, state)
}

// runCycleHandler handles POST /api/governance/run-cycle: one on-demand
// governor cycle outside the timer.
func (s *Server) runCycleHandler(c *echo.Context) error {
	if s.governor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "governor not configured")
	}

	result, err := s.governor.RunCycle(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// listScopeProposalsHandler handles GET /api/expansion/proposals.
func (s *Server) listScopeProposalsHandler(c *echo.Context) error {
	status := models.ScopeProposalStatus(c.QueryParam("status"))

	proposals, err := s.store.ListScopeProposals(c.Request().Context(), status)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposals)
}

// approveScopeProposalHandler handles POST /api/expansion/proposals/:id/approve.
// Approval applies the expansion: new phase, widened whitelist.
func (s *Server) approveScopeProposalHandler(c *echo.Context) error {
	if s.governor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "governor not configured")
	}

	proposal, err := s.governor.ApproveScopeProposal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposal)
}

// dismissScopeProposalHandler handles POST /api/expansion/proposals/:id/dismiss.
func (s *Server) dismissScopeProposalHandler(c *echo.Context) error {
	if s.governor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "governor not configured")
	}

	proposal, err := s.governor.DismissScopeProposal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, proposal)
}
