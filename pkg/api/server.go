// Package api is the kernel's HTTP surface: mission lifecycle, traces,
// reports, command proposals, and the governance endpoints the operator
// dashboard talks to.
package api

import (
	"log/slog"

	echo "github.com/labstack/echo/v5"

	"github.com/emberworks/fabric/pkg/command"
	"github.com/emberworks/fabric/pkg/database"
	"github.com/emberworks/fabric/pkg/governor"
	"github.com/emberworks/fabric/pkg/services"
)

// Server holds the services the handlers delegate to.
type Server struct {
	db         *database.Client
	missions   *services.MissionService
	traces     *services.TraceService
	reports    *services.ReportService
	commands   *command.Service
	circuit    *services.CircuitService
	governance *services.GovernanceService
	store      *services.AutonomyStore
	governor   *governor.Service
	logger     *slog.Logger
}

// NewServer creates the API server. governor may be nil when the autonomy
// cycle runs elsewhere; the related endpoints then return 503.
func NewServer(
	db *database.Client,
	missions *services.MissionService,
	traces *services.TraceService,
	reports *services.ReportService,
	commands *command.Service,
	circuit *services.CircuitService,
	governance *services.GovernanceService,
	store *services.AutonomyStore,
	gov *governor.Service,
) *Server {
	return &Server{
		db:         db,
		missions:   missions,
		traces:     traces,
		reports:    reports,
		commands:   commands,
		circuit:    circuit,
		governance: governance,
		store:      store,
		governor:   gov,
		logger:     slog.With("component", "api"),
	}
}

// Routes builds the router with all endpoints and middleware registered.
func (s *Server) Routes() *echo.Echo {
	e := echo.New()
	e.Use(errorEnvelope())
	e.Use(requestLogger(s.logger))
	e.Use(securityHeaders())

	// Mission lifecycle.
	e.POST("/missions", s.submitMissionHandler)
	e.GET("/missions", s.listMissionsHandler)
	e.POST("/missions/claim", s.claimMissionHandler)
	e.GET("/missions/:id", s.getMissionHandler)
	e.POST("/missions/:id/heartbeat", s.heartbeatHandler)
	e.POST("/missions/:id/complete", s.completeMissionHandler)
	e.POST("/missions/:id/fail", s.failMissionHandler)

	// Traces and reports.
	e.POST("/traces", s.submitTraceHandler)
	e.GET("/traces/:missionId", s.listTracesHandler)
	e.POST("/reports", s.storeReportHandler)
	e.GET("/reports/by-session/:sessionId", s.getReportBySessionHandler)

	// Command proposals.
	e.POST("/proposals", s.proposeCommandHandler)
	e.GET("/proposals", s.listProposalsHandler)
	e.GET("/proposals/pending", s.pendingProposalsHandler)
	e.GET("/proposals/:id", s.getProposalHandler)
	e.POST("/proposals/:id/approve", s.approveProposalHandler)
	e.POST("/proposals/:id/reject", s.rejectProposalHandler)
	e.POST("/proposals/:id/rollback", s.rollbackProposalHandler)
	e.POST("/execute/:proposalId", s.executeProposalHandler)
	e.POST("/abort/:proposalId", s.abortProposalHandler)

	// Governance and autonomy.
	e.GET("/api/metrics/latest", s.latestMetricsHandler)
	e.GET("/api/readiness/current", s.currentReadinessHandler)
	e.GET("/api/circuit-breaker/events", s.listCircuitEventsHandler)
	e.PATCH("/api/circuit-breaker/events/:id/resolve", s.resolveCircuitEventHandler)
	e.GET("/api/circuit-breaker/rules", s.listCircuitRulesHandler)
	e.PATCH("/api/circuit-breaker/rules/:name", s.toggleCircuitRuleHandler)
	e.GET("/api/governance/state", s.governanceStateHandler)
	e.POST("/api/governance/run-cycle", s.runCycleHandler)
	e.GET("/api/expansion/proposals", s.listScopeProposalsHandler)
	e.POST("/api/expansion/proposals/:id/approve", s.approveScopeProposalHandler)
	e.POST("/api/expansion/proposals/:id/dismiss", s.dismissScopeProposalHandler)

	// Operational.
	e.GET("/healthz", s.healthHandler)
	e.GET("/metrics", s.metricsHandler)

	return e
}
