package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/emberworks/fabric/pkg/database"
	"github.com/emberworks/fabric/pkg/models"
)

const traceColumns = `trace_id, agent_id, mission_id, status, started_at, completed_at,
	entries, metadata, error`

// TraceService persists mission execution traces. Traces are append-only:
// exactly one row per execution attempt, never updated.
type TraceService struct {
	client *database.Client
	now    func() time.Time
}

// NewTraceService creates a TraceService.
func NewTraceService(client *database.Client) *TraceService {
	if client == nil {
		panic("NewTraceService: client must not be nil")
	}
	return &TraceService{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append stores one trace. A missing trace id gets a fresh UUID so workers
// can submit runtime output without minting ids themselves.
func (s *TraceService) Append(ctx context.Context, trace *models.Trace) error {
	if trace == nil {
		return NewValidationError("trace", "trace is required")
	}
	if trace.MissionID == "" {
		return NewValidationError("missionId", "missionId is required")
	}
	if trace.Status == "" {
		return NewValidationError("status", "status is required")
	}
	if trace.TraceID == "" {
		trace.TraceID = uuid.New().String()
	}
	if trace.StartedAt.IsZero() {
		trace.StartedAt = s.now()
	}
	if trace.CompletedAt.IsZero() {
		trace.CompletedAt = s.now()
	}

	db := s.client.DB()
	_, err := db.NamedExecContext(ctx, `
		INSERT INTO traces (trace_id, agent_id, mission_id, status, started_at, completed_at,
			entries, metadata, error)
		VALUES (:trace_id, :agent_id, :mission_id, :status, :started_at, :completed_at,
			:entries, :metadata, :error)`, trace)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: trace %s", ErrAlreadyExists, trace.TraceID)
		}
		return fmt.Errorf("failed to insert trace: %w", err)
	}
	return nil
}

// ListByMission returns every trace for a mission, oldest attempt first.
func (s *TraceService) ListByMission(ctx context.Context, missionID string) ([]*models.Trace, error) {
	if missionID == "" {
		return nil, NewValidationError("missionId", "missionId is required")
	}
	db := s.client.DB()
	var traces []*models.Trace
	query := db.Rebind(`SELECT ` + traceColumns + ` FROM traces
		WHERE mission_id = ? ORDER BY started_at ASC`)
	if err := sqlx.SelectContext(ctx, db, &traces, query, missionID); err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	return traces, nil
}

// PruneOlderThan deletes traces completed before the cutoff. Retention is
// disabled by default; the janitor only calls this when configured.
func (s *TraceService) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	db := s.client.DB()
	res, err := db.ExecContext(ctx,
		db.Rebind(`DELETE FROM traces WHERE completed_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune traces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}
	return n, nil
}
