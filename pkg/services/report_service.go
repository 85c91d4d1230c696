package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/emberworks/fabric/pkg/database"
	"github.com/emberworks/fabric/pkg/models"
)

const reportColumns = `report_id, session_id, report_kind, mission_id, generated_at, body`

// ReportService stores rendered roast reports. A report is unique per
// (sessionId, reportKind); the worker consults this table as its idempotency
// sidecar before re-running a mission.
type ReportService struct {
	client *database.Client
	now    func() time.Time
}

// NewReportService creates a ReportService.
func NewReportService(client *database.Client) *ReportService {
	if client == nil {
		panic("NewReportService: client must not be nil")
	}
	return &ReportService{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Store inserts a report, or returns the existing one when a report for the
// same (sessionId, reportKind) already exists. The second return value is
// true when a new row was written.
func (s *ReportService) Store(ctx context.Context, report *models.Report) (*models.Report, bool, error) {
	if report == nil {
		return nil, false, NewValidationError("report", "report is required")
	}
	if report.SessionID == "" {
		return nil, false, NewValidationError("sessionId", "sessionId is required")
	}
	if report.ReportKind == "" {
		return nil, false, NewValidationError("reportKind", "reportKind is required")
	}
	if report.ReportID == "" {
		report.ReportID = uuid.New().String()
	}
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.now()
	}

	db := s.client.DB()
	_, err := db.NamedExecContext(ctx, `
		INSERT INTO reports (report_id, session_id, report_kind, mission_id, generated_at, body)
		VALUES (:report_id, :session_id, :report_kind, :mission_id, :generated_at, :body)`, report)
	if err == nil {
		return report, true, nil
	}
	if !database.IsUniqueViolation(err) {
		return nil, false, fmt.Errorf("failed to insert report: %w", err)
	}

	existing, getErr := s.GetBySession(ctx, report.SessionID, report.ReportKind)
	if getErr != nil {
		return nil, false, fmt.Errorf("report exists but re-read failed: %w", getErr)
	}
	return existing, false, nil
}

// GetBySession fetches the report for (sessionId, reportKind). An empty kind
// matches any kind for the session, newest first.
func (s *ReportService) GetBySession(ctx context.Context, sessionID, reportKind string) (*models.Report, error) {
	if sessionID == "" {
		return nil, NewValidationError("sessionId", "sessionId is required")
	}
	db := s.client.DB()
	var r models.Report
	var err error
	if reportKind == "" {
		query := db.Rebind(`SELECT ` + reportColumns + ` FROM reports
			WHERE session_id = ? ORDER BY generated_at DESC LIMIT 1`)
		err = sqlx.GetContext(ctx, db, &r, query, sessionID)
	} else {
		query := db.Rebind(`SELECT ` + reportColumns + ` FROM reports
			WHERE session_id = ? AND report_kind = ? LIMIT 1`)
		err = sqlx.GetContext(ctx, db, &r, query, sessionID, reportKind)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return &r, nil
}
