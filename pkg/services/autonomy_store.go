package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/emberworks/fabric/pkg/database"
	"github.com/emberworks/fabric/pkg/models"
)

// AutonomyStore persists the governor's outputs: metrics snapshots,
// readiness assessments, and scope-expansion proposals. Everything is
// append-mostly; proposals carry a status an operator moves.
type AutonomyStore struct {
	client *database.Client
	now    func() time.Time
}

// NewAutonomyStore creates an AutonomyStore.
func NewAutonomyStore(client *database.Client) *AutonomyStore {
	if client == nil {
		panic("NewAutonomyStore: client must not be nil")
	}
	return &AutonomyStore{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SaveMetrics appends one collected snapshot.
func (s *AutonomyStore) SaveMetrics(ctx context.Context, metrics models.AutonomyMetrics) error {
	db := s.client.DB()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO metrics_snapshots (collected_at, period_start, period_end, metrics)
		VALUES (?, ?, ?, ?)`),
		s.now(), metrics.Period.Start, metrics.Period.End, metrics)
	if err != nil {
		return fmt.Errorf("failed to save metrics snapshot: %w", err)
	}
	return nil
}

// LatestMetrics returns the most recently collected snapshot.
func (s *AutonomyStore) LatestMetrics(ctx context.Context) (*models.AutonomyMetrics, error) {
	db := s.client.DB()
	var m models.AutonomyMetrics
	err := db.GetContext(ctx, &m, `SELECT metrics FROM metrics_snapshots
		ORDER BY collected_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest metrics: %w", err)
	}
	return &m, nil
}

// SaveAssessment appends one readiness report.
func (s *AutonomyStore) SaveAssessment(ctx context.Context, report models.ReadinessReport) error {
	db := s.client.DB()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO readiness_assessments (assessed_at, current_phase, ready, score, report)
		VALUES (?, ?, ?, ?, ?)`),
		report.Timestamp, report.CurrentPhase, report.Overall.Ready, report.Overall.Score, report)
	if err != nil {
		return fmt.Errorf("failed to save readiness assessment: %w", err)
	}
	return nil
}

// SaveScopeProposal stores a generated expansion proposal as PENDING.
func (s *AutonomyStore) SaveScopeProposal(ctx context.Context, p *models.ScopeExpansionProposal) error {
	if p == nil {
		return NewValidationError("proposal", "proposal is required")
	}
	if p.ProposalID == "" {
		p.ProposalID = "exp-" + uuid.New().String()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}
	if p.Status == "" {
		p.Status = models.ScopeProposalPending
	}
	db := s.client.DB()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO scope_proposals (proposal_id, created_at, status, target_phase, proposal)
		VALUES (?, ?, ?, ?, ?)`),
		p.ProposalID, p.Timestamp, p.Status, p.Expansion.TargetPhase, scopeProposalJSON{p})
	if err != nil {
		return fmt.Errorf("failed to save scope proposal: %w", err)
	}
	return nil
}

// GetScopeProposal fetches one stored proposal by id.
func (s *AutonomyStore) GetScopeProposal(ctx context.Context, id string) (*models.ScopeExpansionProposal, error) {
	if id == "" {
		return nil, NewValidationError("proposalId", "proposalId is required")
	}
	db := s.client.DB()
	var row scopeProposalRow
	err := db.GetContext(ctx, &row,
		db.Rebind(`SELECT status, proposal FROM scope_proposals WHERE proposal_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scope proposal: %w", err)
	}
	return row.decode()
}

// ListScopeProposals returns stored proposals, newest first. An empty
// status returns all of them.
func (s *AutonomyStore) ListScopeProposals(ctx context.Context, status models.ScopeProposalStatus) ([]*models.ScopeExpansionProposal, error) {
	db := s.client.DB()
	query := `SELECT status, proposal FROM scope_proposals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	var rows []scopeProposalRow
	if err := sqlx.SelectContext(ctx, db, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list scope proposals: %w", err)
	}
	proposals := make([]*models.ScopeExpansionProposal, 0, len(rows))
	for _, r := range rows {
		p, err := r.decode()
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	return proposals, nil
}

// PendingScopeCount reports how many proposals await an operator decision.
// The proposer refuses to generate a new proposal while any are pending.
func (s *AutonomyStore) PendingScopeCount(ctx context.Context) (int, error) {
	db := s.client.DB()
	var n int
	err := db.GetContext(ctx, &n,
		db.Rebind(`SELECT COUNT(*) FROM scope_proposals WHERE status = ?`),
		models.ScopeProposalPending)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending scope proposals: %w", err)
	}
	return n, nil
}

// SetScopeProposalStatus moves a proposal from PENDING to a decided state.
func (s *AutonomyStore) SetScopeProposalStatus(ctx context.Context, id string, status models.ScopeProposalStatus) error {
	db := s.client.DB()
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE scope_proposals SET status = ? WHERE proposal_id = ? AND status = ?`),
		status, id, models.ScopeProposalPending)
	if err != nil {
		return fmt.Errorf("failed to update scope proposal: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read proposal update result: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.GetScopeProposal(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: scope proposal %s is not pending", ErrInvalidTransition, id)
	}
	return nil
}

// scopeProposalRow carries the raw JSON payload plus the authoritative
// status column, which wins over whatever the payload recorded.
type scopeProposalRow struct {
	Status   models.ScopeProposalStatus `db:"status"`
	Proposal []byte                     `db:"proposal"`
}

func (r scopeProposalRow) decode() (*models.ScopeExpansionProposal, error) {
	var p models.ScopeExpansionProposal
	if err := json.Unmarshal(r.Proposal, &p); err != nil {
		return nil, fmt.Errorf("failed to decode scope proposal: %w", err)
	}
	p.Status = r.Status
	return &p, nil
}

// scopeProposalJSON serializes the full proposal into the payload column.
type scopeProposalJSON struct {
	p *models.ScopeExpansionProposal
}

func (j scopeProposalJSON) Value() (driver.Value, error) {
	return json.Marshal(j.p)
}
