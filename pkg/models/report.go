package models

import "time"

// Report is a rendered roast report, unique per (sessionId, reportKind).
// It doubles as the worker's idempotency sidecar: a mission whose report
// already exists completes immediately with the stored result.
type Report struct {
	ReportID    string    `db:"report_id" json:"reportId"`
	SessionID   string    `db:"session_id" json:"sessionId"`
	ReportKind  string    `db:"report_kind" json:"reportKind"`
	MissionID   string    `db:"mission_id" json:"missionId"`
	GeneratedAt time.Time `db:"generated_at" json:"generatedAt"`
	Body        JSONMap   `db:"body" json:"body"`
}
