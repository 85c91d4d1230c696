// Package command implements the command proposal service: the approval
// state machine between autonomous (or human) intent and the roaster
// drivers. Every transition is mirrored append-only into the proposal's
// audit log inside the same transaction.
package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/emberworks/fabric/pkg/database"
	"github.com/emberworks/fabric/pkg/driver"
	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/pkg/services"
)

const proposalColumns = `proposal_id, command, proposed_by, reasoning, status,
	approval_required, approval_timeout_seconds, approved_by, rejected_by, rejection_reason,
	execution_started_at, execution_completed_at, execution_duration_ms, outcome,
	rolled_back, audit_log, created_at, updated_at`

// OutcomeUnsupportedOperation is recorded when the driver declines the
// command type entirely.
const OutcomeUnsupportedOperation = "UNSUPPORTED_OPERATION"

// approvalTimeoutActor is the synthetic rejecting actor for expired
// approvals.
const approvalTimeoutActor = "system:approval-timeout"

// GovernanceReader is the slice of the governance service the proposal
// service consults at admission time.
type GovernanceReader interface {
	GetState(ctx context.Context) (*models.GovernanceState, error)
}

// Config tunes the proposal service.
type Config struct {
	DefaultApprovalTimeout time.Duration
}

// Service is the command proposal state machine over the relational store.
type Service struct {
	client     *database.Client
	governance GovernanceReader
	drivers    *driver.Registry
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates the proposal service.
func NewService(client *database.Client, governance GovernanceReader, drivers *driver.Registry, cfg Config) *Service {
	if client == nil {
		panic("command.NewService: client must not be nil")
	}
	if cfg.DefaultApprovalTimeout <= 0 {
		cfg.DefaultApprovalTimeout = 5 * time.Minute
	}
	return &Service{
		client:     client,
		governance: governance,
		drivers:    drivers,
		cfg:        cfg,
		logger:     slog.With("component", "command"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Propose creates a proposal. AGENT actors are admitted against the
// governance whitelist: command types outside it, or currently paused by a
// circuit breaker, force approvalRequired regardless of the request.
func (s *Service) Propose(ctx context.Context, req *models.ProposalRequest) (*models.CommandProposal, error) {
	if req == nil {
		return nil, services.NewValidationError("request", "request body is required")
	}
	if req.Command.CommandType == "" {
		return nil, services.NewValidationError("command.commandType", "commandType is required")
	}
	if req.Command.MachineID == "" {
		return nil, services.NewValidationError("command.machineId", "machineId is required")
	}
	switch req.ProposedBy {
	case models.ProposedByAgent, models.ProposedByHuman:
	default:
		return nil, services.NewValidationError("proposedBy", "proposedBy must be AGENT or HUMAN")
	}

	approvalRequired := req.ApprovalRequired
	if req.ProposedBy == models.ProposedByAgent && s.governance != nil {
		state, err := s.governance.GetState(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to consult governance state: %w", err)
		}
		if !state.CommandWhitelist.Contains(req.Command.CommandType) {
			approvalRequired = true
		}
		if state.PausesAll() || state.PausedCommandTypes.Contains(req.Command.CommandType) {
			approvalRequired = true
		}
	}

	now := s.now()
	p := &models.CommandProposal{
		ProposalID:             "prop-" + uuid.New().String(),
		Command:                req.Command,
		ProposedBy:             req.ProposedBy,
		Reasoning:              req.Reasoning,
		ApprovalRequired:       approvalRequired,
		ApprovalTimeoutSeconds: req.ApprovalTimeoutSeconds,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if p.ApprovalTimeoutSeconds <= 0 {
		p.ApprovalTimeoutSeconds = int(s.cfg.DefaultApprovalTimeout.Seconds())
	}
	if p.Command.CommandID == "" {
		p.Command.CommandID = "cmd-" + uuid.New().String()
	}

	p.AuditLog = models.AuditLog{{
		Timestamp: now,
		Event:     "proposed",
		Actor:     req.ProposedBy,
		Details:   models.JSONMap{"commandType": p.Command.CommandType, "machineId": p.Command.MachineID},
	}}
	if approvalRequired {
		p.Status = models.ProposalPendingApproval
		p.AuditLog = append(p.AuditLog, models.AuditLogEntry{
			Timestamp: now,
			Event:     "pending_approval",
			Details:   models.JSONMap{"timeoutSeconds": p.ApprovalTimeoutSeconds},
		})
	} else {
		p.Status = models.ProposalApproved
		p.AuditLog = append(p.AuditLog, models.AuditLogEntry{
			Timestamp: now,
			Event:     "auto_approved",
			Details:   models.JSONMap{"reason": "approval not required"},
		})
	}

	db := s.client.DB()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO command_proposals (proposal_id, command, command_type, machine_id,
			proposed_by, reasoning, status, approval_required, approval_timeout_seconds,
			audit_log, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ProposalID, p.Command, p.Command.CommandType, p.Command.MachineID,
		p.ProposedBy, p.Reasoning, p.Status, p.ApprovalRequired, p.ApprovalTimeoutSeconds,
		p.AuditLog, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert proposal: %w", err)
	}

	s.logger.Info("Command proposed",
		"proposal_id", p.ProposalID, "command_type", p.Command.CommandType,
		"machine_id", p.Command.MachineID, "proposed_by", p.ProposedBy,
		"status", p.Status)
	return p, nil
}

// Approve moves PENDING_APPROVAL → APPROVED. Re-approving an APPROVED
// proposal is an idempotent no-op; any other state is an invalid
// transition.
func (s *Service) Approve(ctx context.Context, proposalID, actor string) (*models.CommandProposal, error) {
	if actor == "" {
		return nil, services.NewValidationError("actor", "actor is required")
	}
	return s.decide(ctx, proposalID, func(p *models.CommandProposal, now time.Time) error {
		switch p.Status {
		case models.ProposalApproved:
			return nil // idempotent
		case models.ProposalPendingApproval:
			p.Status = models.ProposalApproved
			p.ApprovedBy = &actor
			p.AuditLog = append(p.AuditLog, models.AuditLogEntry{
				Timestamp: now, Event: "approved", Actor: actor,
			})
			return nil
		default:
			return fmt.Errorf("%w: cannot approve proposal in status %s", services.ErrInvalidTransition, p.Status)
		}
	})
}

// Reject moves PENDING_APPROVAL → REJECTED. Re-rejecting a REJECTED
// proposal is an idempotent no-op.
func (s *Service) Reject(ctx context.Context, proposalID, actor, reason string) (*models.CommandProposal, error) {
	if actor == "" {
		return nil, services.NewValidationError("actor", "actor is required")
	}
	return s.decide(ctx, proposalID, func(p *models.CommandProposal, now time.Time) error {
		switch p.Status {
		case models.ProposalRejected:
			return nil // idempotent
		case models.ProposalPendingApproval:
			p.Status = models.ProposalRejected
			p.RejectedBy = &actor
			if reason != "" {
				p.RejectionReason = &reason
			}
			p.AuditLog = append(p.AuditLog, models.AuditLogEntry{
				Timestamp: now, Event: "rejected", Actor: actor,
				Details: models.JSONMap{"reason": reason},
			})
			return nil
		default:
			return fmt.Errorf("%w: cannot reject proposal in status %s", services.ErrInvalidTransition, p.Status)
		}
	})
}

// ExecuteApproved dispatches an APPROVED proposal to its machine's driver
// and finalizes it according to the driver result. A driver that declines
// the command type fails the proposal with UNSUPPORTED_OPERATION.
func (s *Service) ExecuteApproved(ctx context.Context, proposalID string) (*models.CommandProposal, error) {
	p, err := s.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ProposalApproved {
		return nil, fmt.Errorf("%w: cannot execute proposal in status %s", services.ErrInvalidTransition, p.Status)
	}
	if s.drivers == nil {
		return nil, fmt.Errorf("no driver registry configured")
	}

	d, err := s.drivers.Resolve(p.Command.MachineID)
	if err != nil {
		if errors.Is(err, driver.ErrDriverNotFound) {
			return s.finalizeExecution(ctx, p, s.now(), models.ProposalFailed,
				OutcomeUnsupportedOperation, fmt.Sprintf("no driver for machine %s", p.Command.MachineID))
		}
		return nil, err
	}

	started := s.now()
	p, err = s.transitionToExecuting(ctx, p, started)
	if err != nil {
		return nil, err
	}

	result, execErr := d.WriteCommand(ctx, p.Command)
	if execErr != nil {
		if errors.Is(execErr, driver.ErrUnsupportedOperation) {
			return s.finalizeExecution(ctx, p, started, models.ProposalFailed,
				OutcomeUnsupportedOperation, execErr.Error())
		}
		return s.finalizeExecution(ctx, p, started, models.ProposalFailed,
			"DRIVER_ERROR", execErr.Error())
	}

	status, outcome := mapDriverResult(result)
	return s.finalizeExecution(ctx, p, started, status, outcome, result.Message)
}

// mapDriverResult translates the driver status into the proposal terminal
// state: ACCEPTED|COMPLETED → COMPLETED, ABORTED → ABORTED,
// FAILED|REJECTED → FAILED.
func mapDriverResult(result *driver.CommandResult) (models.ProposalStatus, string) {
	switch result.Status {
	case driver.CommandAccepted, driver.CommandCompleted:
		return models.ProposalCompleted, string(result.Status)
	case driver.CommandAborted:
		return models.ProposalAborted, string(result.Status)
	default:
		return models.ProposalFailed, string(result.Status)
	}
}

// Abort is only valid while EXECUTING; it delegates to the driver's
// AbortCommand and finalizes as ABORTED on success.
func (s *Service) Abort(ctx context.Context, proposalID string) (*models.CommandProposal, error) {
	p, err := s.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ProposalExecuting {
		return nil, fmt.Errorf("%w: cannot abort proposal in status %s", services.ErrInvalidTransition, p.Status)
	}

	d, err := s.drivers.Resolve(p.Command.MachineID)
	if err != nil {
		return nil, err
	}
	result, err := d.AbortCommand(ctx, p.Command.CommandID)
	if err != nil {
		return nil, fmt.Errorf("driver abort failed: %w", err)
	}

	started := p.CreatedAt
	if p.ExecutionStartedAt != nil {
		started = *p.ExecutionStartedAt
	}
	if result.Status == driver.CommandAborted {
		return s.finalizeExecution(ctx, p, started, models.ProposalAborted, string(result.Status), result.Message)
	}
	return s.finalizeExecution(ctx, p, started, models.ProposalFailed, string(result.Status), result.Message)
}

// MarkRolledBack flags a COMPLETED command as rolled back so rollback
// rates in autonomy metrics carry operational truth.
func (s *Service) MarkRolledBack(ctx context.Context, proposalID, actor, reason string) (*models.CommandProposal, error) {
	if actor == "" {
		return nil, services.NewValidationError("actor", "actor is required")
	}
	return s.decide(ctx, proposalID, func(p *models.CommandProposal, now time.Time) error {
		if p.Status != models.ProposalCompleted {
			return fmt.Errorf("%w: cannot roll back proposal in status %s", services.ErrInvalidTransition, p.Status)
		}
		if p.RolledBack {
			return nil // idempotent
		}
		p.RolledBack = true
		p.AuditLog = append(p.AuditLog, models.AuditLogEntry{
			Timestamp: now, Event: "rolled_back", Actor: actor,
			Details: models.JSONMap{"reason": reason},
		})
		return nil
	})
}

// ExpireStale rejects every PENDING_APPROVAL proposal whose approval
// timeout has elapsed. Run periodically by the janitor; idempotent.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	db := s.client.DB()
	var ids []string
	// approval_timeout_seconds counts from creation.
	query := db.Rebind(`SELECT proposal_id FROM command_proposals
		WHERE status = ? ORDER BY created_at ASC LIMIT 100`)
	if err := sqlx.SelectContext(ctx, db, &ids, query, models.ProposalPendingApproval); err != nil {
		return 0, fmt.Errorf("failed to query pending proposals: %w", err)
	}

	expired := 0
	now := s.now()
	for _, id := range ids {
		_, err := s.decide(ctx, id, func(p *models.CommandProposal, txNow time.Time) error {
			if p.Status != models.ProposalPendingApproval {
				return nil
			}
			deadline := p.CreatedAt.Add(time.Duration(p.ApprovalTimeoutSeconds) * time.Second)
			if now.Before(deadline) {
				return nil
			}
			actor := approvalTimeoutActor
			reason := fmt.Sprintf("approval window of %ds elapsed", p.ApprovalTimeoutSeconds)
			p.Status = models.ProposalRejected
			p.RejectedBy = &actor
			p.RejectionReason = &reason
			p.AuditLog = append(p.AuditLog, models.AuditLogEntry{
				Timestamp: txNow, Event: "rejected", Actor: actor,
				Details: models.JSONMap{"reason": reason},
			})
			expired++
			return nil
		})
		if err != nil {
			return expired, err
		}
	}
	if expired > 0 {
		s.logger.Info("Expired stale approvals", "count", expired)
	}
	return expired, nil
}

// Get fetches one proposal by id.
func (s *Service) Get(ctx context.Context, proposalID string) (*models.CommandProposal, error) {
	if proposalID == "" {
		return nil, services.NewValidationError("proposalId", "proposalId is required")
	}
	return getProposal(ctx, s.client.DB(), proposalID)
}

// ListPending returns proposals awaiting approval, oldest first.
func (s *Service) ListPending(ctx context.Context) ([]*models.CommandProposal, error) {
	db := s.client.DB()
	var proposals []*models.CommandProposal
	query := db.Rebind(`SELECT ` + proposalColumns + ` FROM command_proposals
		WHERE status = ? ORDER BY created_at ASC`)
	if err := sqlx.SelectContext(ctx, db, &proposals, query, models.ProposalPendingApproval); err != nil {
		return nil, fmt.Errorf("failed to list pending proposals: %w", err)
	}
	return proposals, nil
}

// List returns proposals matching the filters, newest first.
func (s *Service) List(ctx context.Context, filters models.ProposalFilters) ([]*models.CommandProposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM command_proposals`
	var clauses []string
	var args []any
	if filters.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, strings.ToUpper(filters.Status))
	}
	if filters.MachineID != "" {
		clauses = append(clauses, "machine_id = ?")
		args = append(args, filters.MachineID)
	}
	if filters.CommandType != "" {
		clauses = append(clauses, "command_type = ?")
		args = append(args, filters.CommandType)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filters.Offset)

	db := s.client.DB()
	var proposals []*models.CommandProposal
	if err := sqlx.SelectContext(ctx, db, &proposals, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	return proposals, nil
}

// decide loads the proposal inside a transaction, applies mutate, and
// writes back status, decision fields, and the appended audit log.
func (s *Service) decide(ctx context.Context, proposalID string, mutate func(p *models.CommandProposal, now time.Time) error) (*models.CommandProposal, error) {
	if proposalID == "" {
		return nil, services.NewValidationError("proposalId", "proposalId is required")
	}
	now := s.now()
	var decided *models.CommandProposal
	err := database.WithTx(ctx, s.client.DB(), func(tx *sqlx.Tx) error {
		p, err := getProposalForUpdate(ctx, tx, proposalID, s.client.SupportsRowLocking())
		if err != nil {
			return err
		}
		if err := mutate(p, now); err != nil {
			return err
		}
		p.UpdatedAt = now
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE command_proposals SET status = ?, approved_by = ?, rejected_by = ?,
				rejection_reason = ?, rolled_back = ?, audit_log = ?, updated_at = ?
			WHERE proposal_id = ?`),
			p.Status, p.ApprovedBy, p.RejectedBy, p.RejectionReason,
			p.RolledBack, p.AuditLog, p.UpdatedAt, p.ProposalID)
		if err != nil {
			return fmt.Errorf("failed to update proposal: %w", err)
		}
		decided = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decided, nil
}

// transitionToExecuting records the EXECUTING edge before the driver call
// so an operator can observe (and abort) in-flight commands.
func (s *Service) transitionToExecuting(ctx context.Context, p *models.CommandProposal, started time.Time) (*models.CommandProposal, error) {
	var updated *models.CommandProposal
	err := database.WithTx(ctx, s.client.DB(), func(tx *sqlx.Tx) error {
		fresh, err := getProposalForUpdate(ctx, tx, p.ProposalID, s.client.SupportsRowLocking())
		if err != nil {
			return err
		}
		if fresh.Status != models.ProposalApproved {
			return fmt.Errorf("%w: cannot execute proposal in status %s", services.ErrInvalidTransition, fresh.Status)
		}
		fresh.Status = models.ProposalExecuting
		fresh.ExecutionStartedAt = &started
		fresh.UpdatedAt = started
		fresh.AuditLog = append(fresh.AuditLog, models.AuditLogEntry{
			Timestamp: started, Event: "executing",
			Details: models.JSONMap{"machineId": fresh.Command.MachineID},
		})
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE command_proposals SET status = ?, execution_started_at = ?,
				audit_log = ?, updated_at = ?
			WHERE proposal_id = ?`),
			fresh.Status, fresh.ExecutionStartedAt, fresh.AuditLog, fresh.UpdatedAt, fresh.ProposalID)
		if err != nil {
			return fmt.Errorf("failed to mark proposal executing: %w", err)
		}
		updated = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// finalizeExecution writes the terminal execution state and its audit
// entry.
func (s *Service) finalizeExecution(ctx context.Context, p *models.CommandProposal, started time.Time, status models.ProposalStatus, outcome, message string) (*models.CommandProposal, error) {
	completed := s.now()
	durationMs := completed.Sub(started).Milliseconds()

	var finalized *models.CommandProposal
	err := database.WithTx(ctx, s.client.DB(), func(tx *sqlx.Tx) error {
		fresh, err := getProposalForUpdate(ctx, tx, p.ProposalID, s.client.SupportsRowLocking())
		if err != nil {
			return err
		}
		fresh.Status = status
		fresh.Outcome = &outcome
		fresh.ExecutionCompletedAt = &completed
		fresh.ExecutionDurationMs = &durationMs
		if fresh.ExecutionStartedAt == nil {
			fresh.ExecutionStartedAt = &started
		}
		fresh.UpdatedAt = completed
		fresh.AuditLog = append(fresh.AuditLog, models.AuditLogEntry{
			Timestamp: completed,
			Event:     strings.ToLower(string(status)),
			Details:   models.JSONMap{"outcome": outcome, "message": message},
		})
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE command_proposals SET status = ?, outcome = ?, execution_started_at = ?,
				execution_completed_at = ?, execution_duration_ms = ?, audit_log = ?, updated_at = ?
			WHERE proposal_id = ?`),
			fresh.Status, fresh.Outcome, fresh.ExecutionStartedAt,
			fresh.ExecutionCompletedAt, fresh.ExecutionDurationMs, fresh.AuditLog,
			fresh.UpdatedAt, fresh.ProposalID)
		if err != nil {
			return fmt.Errorf("failed to finalize proposal: %w", err)
		}
		finalized = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Command execution finalized",
		"proposal_id", finalized.ProposalID, "status", finalized.Status,
		"outcome", outcome, "duration_ms", durationMs)
	return finalized, nil
}

func getProposal(ctx context.Context, ext sqlx.ExtContext, proposalID string) (*models.CommandProposal, error) {
	var p models.CommandProposal
	query := ext.Rebind(`SELECT ` + proposalColumns + ` FROM command_proposals WHERE proposal_id = ?`)
	err := sqlx.GetContext(ctx, ext, &p, query, proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return &p, nil
}

func getProposalForUpdate(ctx context.Context, tx *sqlx.Tx, proposalID string, rowLocking bool) (*models.CommandProposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM command_proposals WHERE proposal_id = ?`
	if rowLocking {
		query += " FOR UPDATE"
	}
	var p models.CommandProposal
	err := sqlx.GetContext(ctx, tx, &p, tx.Rebind(query), proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}
	return &p, nil
}
