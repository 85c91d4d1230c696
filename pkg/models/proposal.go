package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ProposalStatus is the approval/execution state of a command proposal.
type ProposalStatus string

const (
	ProposalProposed        ProposalStatus = "PROPOSED"
	ProposalPendingApproval ProposalStatus = "PENDING_APPROVAL"
	ProposalApproved        ProposalStatus = "APPROVED"
	ProposalRejected        ProposalStatus = "REJECTED"
	ProposalExecuting       ProposalStatus = "EXECUTING"
	ProposalCompleted       ProposalStatus = "COMPLETED"
	ProposalFailed          ProposalStatus = "FAILED"
	ProposalAborted         ProposalStatus = "ABORTED"
)

// IsTerminal reports whether the proposal is finalized.
func (s ProposalStatus) IsTerminal() bool {
	switch s {
	case ProposalRejected, ProposalCompleted, ProposalFailed, ProposalAborted:
		return true
	}
	return false
}

// Proposal origin actors.
const (
	ProposedByAgent = "AGENT"
	ProposedByHuman = "HUMAN"
)

// RoasterCommand is the machine command a proposal wants executed.
type RoasterCommand struct {
	CommandID   string   `json:"commandId"`
	CommandType string   `json:"commandType"`
	MachineID   string   `json:"machineId"`
	TargetValue *float64 `json:"targetValue,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	RampRate    *float64 `json:"rampRate,omitempty"`
	Constraints JSONMap  `json:"constraints,omitempty"`
}

// Value implements driver.Valuer.
func (c RoasterCommand) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *RoasterCommand) Scan(src any) error {
	return scanJSON(src, c, "RoasterCommand")
}

// AuditLogEntry records one proposal transition. The log is append-only.
type AuditLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor,omitempty"`
	Details   JSONMap   `json:"details,omitempty"`
}

// AuditLog is stored as a JSON array column on the proposal row.
type AuditLog []AuditLogEntry

// Value implements driver.Valuer.
func (l AuditLog) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *AuditLog) Scan(src any) error {
	return scanJSON(src, l, "AuditLog")
}

// CommandProposal tracks a proposed machine command through approval and
// execution. Status changes are mirrored append-only into AuditLog.
type CommandProposal struct {
	ProposalID             string         `db:"proposal_id" json:"proposalId"`
	Command                RoasterCommand `db:"command" json:"command"`
	ProposedBy             string         `db:"proposed_by" json:"proposedBy"`
	Reasoning              string         `db:"reasoning" json:"reasoning"`
	Status                 ProposalStatus `db:"status" json:"status"`
	ApprovalRequired       bool           `db:"approval_required" json:"approvalRequired"`
	ApprovalTimeoutSeconds int            `db:"approval_timeout_seconds" json:"approvalTimeoutSeconds"`
	ApprovedBy             *string        `db:"approved_by" json:"approvedBy,omitempty"`
	RejectedBy             *string        `db:"rejected_by" json:"rejectedBy,omitempty"`
	RejectionReason        *string        `db:"rejection_reason" json:"rejectionReason,omitempty"`
	ExecutionStartedAt     *time.Time     `db:"execution_started_at" json:"executionStartedAt,omitempty"`
	ExecutionCompletedAt   *time.Time     `db:"execution_completed_at" json:"executionCompletedAt,omitempty"`
	ExecutionDurationMs    *int64         `db:"execution_duration_ms" json:"executionDurationMs,omitempty"`
	Outcome                *string        `db:"outcome" json:"outcome,omitempty"`
	RolledBack             bool           `db:"rolled_back" json:"rolledBack"`
	AuditLog               AuditLog       `db:"audit_log" json:"auditLog"`
	CreatedAt              time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt              time.Time      `db:"updated_at" json:"updatedAt"`
}

// ProposalRequest is the propose payload.
type ProposalRequest struct {
	Command                RoasterCommand `json:"command"`
	ProposedBy             string         `json:"proposedBy"`
	Reasoning              string         `json:"reasoning"`
	ApprovalRequired       bool           `json:"approvalRequired"`
	ApprovalTimeoutSeconds int            `json:"approvalTimeoutSeconds,omitempty"`
}

// ProposalFilters narrows proposal listing.
type ProposalFilters struct {
	Status      string `json:"status,omitempty"`
	MachineID   string `json:"machineId,omitempty"`
	CommandType string `json:"commandType,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}
