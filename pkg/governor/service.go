package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberworks/fabric/pkg/alert"
	prom "github.com/emberworks/fabric/pkg/metrics"
	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/pkg/services"
)

// CycleResult is what one governance cycle produced.
type CycleResult struct {
	Metrics   *models.AutonomyMetrics        `json:"metrics"`
	Readiness *models.ReadinessReport        `json:"readiness"`
	Proposal  *models.ScopeExpansionProposal `json:"proposal,omitempty"`
	Skipped   string                         `json:"skipped,omitempty"`
}

// Config tunes the governor loops.
type Config struct {
	BreakerInterval time.Duration
	CycleInterval   time.Duration
	MetricsWindow   time.Duration
	// BreakerDisabled turns off the rule-evaluation tick. Manual triggers
	// and the governance cycle keep working.
	BreakerDisabled bool
}

// Service runs the breaker tick and the periodic governance cycle
// (collect, assess, propose). Safe to run one instance per kernel; the
// once-per-window guard de-duplicates breaker triggers across kernels.
type Service struct {
	circuit    *services.CircuitService
	governance *services.GovernanceService
	store      *services.AutonomyStore
	collector  *Collector
	assessor   *Assessor
	proposer   *Proposer
	breaker    *Breaker
	alerts     alert.Sink
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService wires the governor.
func NewService(
	circuit *services.CircuitService,
	governance *services.GovernanceService,
	store *services.AutonomyStore,
	collector *Collector,
	assessor *Assessor,
	alerts alert.Sink,
	cfg Config,
) *Service {
	if cfg.BreakerInterval <= 0 {
		cfg.BreakerInterval = time.Minute
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 7 * 24 * time.Hour
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = 7 * 24 * time.Hour
	}
	if alerts == nil {
		alerts = alert.NewFanout(alert.NewSlogSink())
	}
	return &Service{
		circuit:    circuit,
		governance: governance,
		store:      store,
		collector:  collector,
		assessor:   assessor,
		proposer:   NewProposer(),
		breaker:    NewBreaker(circuit, collector, alerts, cfg.BreakerInterval),
		alerts:     alerts,
		cfg:        cfg,
		logger:     slog.With("component", "governor"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the breaker and cycle loops.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Governor started",
		"breaker_interval", s.cfg.BreakerInterval,
		"cycle_interval", s.cfg.CycleInterval,
		"metrics_window", s.cfg.MetricsWindow)
}

// Stop signals the loops to exit and waits for them to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Governor stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	breakerTicker := time.NewTicker(s.cfg.BreakerInterval)
	defer breakerTicker.Stop()
	cycleTicker := time.NewTicker(s.cfg.CycleInterval)
	defer cycleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-breakerTicker.C:
			if s.cfg.BreakerDisabled {
				continue
			}
			if err := s.breaker.Tick(ctx); err != nil {
				s.logger.Error("Breaker tick failed", "error", err)
			}
		case <-cycleTicker.C:
			if _, err := s.RunCycle(ctx); err != nil {
				s.logger.Error("Governance cycle failed", "error", err)
			}
		}
	}
}

// RunCycle executes one governance cycle now: collect the metrics window,
// persist the snapshot, assess readiness, and propose an expansion when
// every gate passes. Also exposed over HTTP for on-demand runs.
func (s *Service) RunCycle(ctx context.Context) (*CycleResult, error) {
	now := s.now()
	metrics, err := s.collector.Collect(ctx, now.Add(-s.cfg.MetricsWindow), now)
	if err != nil {
		return nil, fmt.Errorf("cycle: collect failed: %w", err)
	}
	if err := s.store.SaveMetrics(ctx, *metrics); err != nil {
		return nil, fmt.Errorf("cycle: persist metrics failed: %w", err)
	}

	state, err := s.governance.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("cycle: load governance state failed: %w", err)
	}

	readiness := s.assessor.Assess(metrics, state, now)
	prom.ReadinessScore.Set(readiness.Overall.Score)
	if err := s.store.SaveAssessment(ctx, *readiness); err != nil {
		return nil, fmt.Errorf("cycle: persist assessment failed: %w", err)
	}
	if err := s.governance.SetLastReportDate(ctx, now); err != nil {
		return nil, fmt.Errorf("cycle: stamp report date failed: %w", err)
	}

	result := &CycleResult{Metrics: metrics, Readiness: readiness}

	if !readiness.Overall.Ready {
		result.Skipped = "readiness gates not met"
		s.logger.Info("Governance cycle complete, no proposal",
			"score", readiness.Overall.Score, "blockers", readiness.Overall.Blockers)
		return result, nil
	}

	unresolved, err := s.circuit.UnresolvedCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("cycle: count unresolved events failed: %w", err)
	}
	if unresolved > 0 {
		result.Skipped = fmt.Sprintf("%d unresolved circuit events", unresolved)
		return result, nil
	}

	pending, err := s.store.PendingScopeCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("cycle: count pending proposals failed: %w", err)
	}
	if pending > 0 {
		result.Skipped = fmt.Sprintf("%d scope proposals awaiting decision", pending)
		return result, nil
	}

	proposal, err := s.proposer.Build(state, metrics, readiness, now)
	if err != nil {
		if errors.Is(err, ErrNoFurtherExpansion) {
			result.Skipped = "already at the top phase"
			return result, nil
		}
		return nil, fmt.Errorf("cycle: build proposal failed: %w", err)
	}
	if err := s.store.SaveScopeProposal(ctx, proposal); err != nil {
		return nil, fmt.Errorf("cycle: persist proposal failed: %w", err)
	}
	result.Proposal = proposal

	s.logger.Info("Scope expansion proposed",
		"proposal_id", proposal.ProposalID,
		"target_phase", proposal.Expansion.TargetPhase,
		"risk", proposal.RiskAssessment.Level)
	_ = s.alerts.Send(ctx, alert.Alert{
		Severity:  "info",
		Message:   fmt.Sprintf("scope expansion proposed: %s → %s", state.CurrentPhase, proposal.Expansion.TargetPhase),
		Timestamp: now,
		Details:   models.JSONMap{"proposalId": proposal.ProposalID},
	})
	return result, nil
}

// ApproveScopeProposal applies a pending proposal to the governance state
// and marks it APPLIED, in that order; a stale proposal (phase moved since
// it was built) fails without being consumed.
func (s *Service) ApproveScopeProposal(ctx context.Context, proposalID string) (*models.ScopeExpansionProposal, error) {
	p, err := s.store.GetScopeProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ScopeProposalPending {
		return nil, fmt.Errorf("%w: scope proposal %s is not pending", services.ErrInvalidTransition, proposalID)
	}
	if err := s.governance.ApplyExpansion(ctx, p.Expansion); err != nil {
		return nil, err
	}
	if err := s.store.SetScopeProposalStatus(ctx, proposalID, models.ScopeProposalApplied); err != nil {
		return nil, err
	}
	p.Status = models.ScopeProposalApplied
	return p, nil
}

// DismissScopeProposal marks a pending proposal DISMISSED.
func (s *Service) DismissScopeProposal(ctx context.Context, proposalID string) (*models.ScopeExpansionProposal, error) {
	p, err := s.store.GetScopeProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetScopeProposalStatus(ctx, proposalID, models.ScopeProposalDismissed); err != nil {
		return nil, err
	}
	p.Status = models.ScopeProposalDismissed
	return p, nil
}

// AssessNow produces a fresh readiness report without persisting a
// proposal; the readiness HTTP endpoint serves it.
func (s *Service) AssessNow(ctx context.Context) (*models.ReadinessReport, error) {
	now := s.now()
	metrics, err := s.collector.Collect(ctx, now.Add(-s.cfg.MetricsWindow), now)
	if err != nil {
		return nil, err
	}
	state, err := s.governance.GetState(ctx)
	if err != nil {
		return nil, err
	}
	return s.assessor.Assess(metrics, state, now), nil
}

// Breaker exposes the breaker for direct ticks in tests and manual runs.
func (s *Service) Breaker() *Breaker {
	return s.breaker
}
