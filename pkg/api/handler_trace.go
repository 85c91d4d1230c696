package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/emberworks/fabric/pkg/models"
)

// submitTraceHandler handles POST /traces. Duplicate trace ids map to 409;
// workers treat that as success because the first write won.
func (s *Server) submitTraceHandler(c *echo.Context) error {
	var trace models.Trace
	if err := c.Bind(&trace); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}
	if trace.MissionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missionId is required")
	}

	if err := s.traces.Append(c.Request().Context(), &trace); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"traceId": trace.TraceID})
}

// listTracesHandler handles GET /traces/:missionId.
func (s *Server) listTracesHandler(c *echo.Context) error {
	missionID := c.Param("missionId")
	if missionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "mission id is required")
	}

	traces, err := s.traces.ListByMission(c.Request().Context(), missionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, traces)
}

// storeReportHandler handles POST /reports. Storing the same (sessionId,
// kind) again returns 200 with the original row.
func (s *Server) storeReportHandler(c *echo.Context) error {
	var report models.Report
	if err := c.Bind(&report); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
	}

	stored, created, err := s.reports.Store(c.Request().Context(), &report)
	if err != nil {
		return mapServiceError(err)
	}
	if !created {
		return c.JSON(http.StatusOK, stored)
	}
	return c.JSON(http.StatusCreated, stored)
}

// getReportBySessionHandler handles GET /reports/by-session/:sessionId. The
// optional kind query narrows to one report kind.
func (s *Server) getReportBySessionHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	report, err := s.reports.GetBySession(c.Request().Context(), sessionID, c.QueryParam("kind"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, report)
}
