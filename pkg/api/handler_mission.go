package api

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/pkg/services"
)

// submitMissionHandler handles POST /missions. A request whose idempotency
// key matches an active mission returns 409 with the existing mission.
func (s *Server) submitMissionHandler(c *echo.Context) error {
	var req models.MissionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}

	mission, created, err := s.missions.Submit(c.Request().Context(), &req)
	if err != nil {
		return mapServiceError(err)
	}
	if !created {
		return c.JSON(http.StatusConflict, mission)
	}
	return c.JSON(http.StatusCreated, mission)
}

// listMissionsHandler handles GET /missions.
func (s *Server) listMissionsHandler(c *echo.Context) error {
	filters := models.MissionFilters{
		Status: c.QueryParam("status"),
		Goal:   c.QueryParam("goal"),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		filters.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
		filters.Offset = n
	}

	missions, err := s.missions.List(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, missions)
}

// claimMissionHandler handles POST /missions/claim. 204 means the queue has
// nothing claimable for the given goals.
func (s *Server) claimMissionHandler(c *echo.Context) error {
	var req models.ClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}
	if req.AgentName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agentName is required")
	}

	mission, err := s.missions.Claim(c.Request().Context(), req.AgentName, req.Goals)
	if err != nil {
		if errors.Is(err, services.ErrNoMissions) {
			return c.NoContent(http.StatusNoContent)
		}
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, mission)
}

// getMissionHandler handles GET /missions/:id.
func (s *Server) getMissionHandler(c *echo.Context) error {
	missionID := c.Param("id")
	if missionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "mission id is required")
	}

	mission, err := s.missions.Get(c.Request().Context(), missionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, mission)
}

// heartbeatHandler handles POST /missions/:id/heartbeat.
func (s *Server) heartbeatHandler(c *echo.Context) error {
	var req heartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}
	if req.LeaseID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "leaseId is required")
	}

	if err := s.missions.Heartbeat(c.Request().Context(), c.Param("id"), req.LeaseID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "extended"})
}

// completeMissionHandler handles POST /missions/:id/complete.
func (s *Server) completeMissionHandler(c *echo.Context) error {
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}
	if req.LeaseID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "leaseId is required")
	}

	meta := req.ResultMeta
	if req.Summary != "" {
		if meta == nil {
			meta = models.JSONMap{}
		}
		meta["summary"] = req.Summary
	}

	if err := s.missions.Complete(c.Request().Context(), c.Param("id"), req.LeaseID, meta); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "completed"})
}

// failMissionHandler handles POST /missions/:id/fail. Retryable failures
// re-queue the mission until its attempts run out.
func (s *Server) failMissionHandler(c *echo.Context) error {
	var req failRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}
	if req.LeaseID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "leaseId is required")
	}
	if req.Error == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "error is required")
	}

	err := s.missions.Fail(c.Request().Context(), c.Param("id"), req.LeaseID, req.Error, req.Details, req.Retryable)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "failed"})
}
