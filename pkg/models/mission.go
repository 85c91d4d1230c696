package models

import "time"

// MissionStatus is the lifecycle state of a mission. Legal transitions:
// PENDING → RUNNING (claim), RUNNING → PENDING (retryable failure with
// attempts left), RUNNING → DONE (complete), RUNNING → FAILED (non-retryable
// failure or attempts exhausted).
type MissionStatus string

const (
	MissionPending MissionStatus = "PENDING"
	MissionRunning MissionStatus = "RUNNING"
	MissionDone    MissionStatus = "DONE"
	MissionFailed  MissionStatus = "FAILED"
)

// IsTerminal reports whether the status admits no further transitions.
// Terminal missions are retained for audit, never deleted.
func (s MissionStatus) IsTerminal() bool {
	return s == MissionDone || s == MissionFailed
}

// MissionPriority orders claim selection ahead of FIFO order.
type MissionPriority string

const (
	PriorityLow    MissionPriority = "LOW"
	PriorityMedium MissionPriority = "MEDIUM"
	PriorityHigh   MissionPriority = "HIGH"
)

// Mission is a leased, retryable unit of goal-directed work. Mutated only
// through the mission service verbs; never deleted.
type Mission struct {
	MissionID       string          `db:"mission_id" json:"missionId"`
	Goal            string          `db:"goal" json:"goal"`
	Params          JSONMap         `db:"params" json:"params"`
	SubjectID       *string         `db:"subject_id" json:"subjectId,omitempty"`
	Priority        MissionPriority `db:"priority" json:"priority"`
	Constraints     StringList      `db:"constraints" json:"constraints"`
	Context         JSONMap         `db:"context" json:"context,omitempty"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	Status          MissionStatus   `db:"status" json:"status"`
	Attempts        int             `db:"attempts" json:"attempts"`
	MaxAttempts     int             `db:"max_attempts" json:"maxAttempts"`
	LeaseID         *string         `db:"lease_id" json:"leaseId,omitempty"`
	LeaseExpiresAt  *time.Time      `db:"lease_expires_at" json:"leaseExpiresAt,omitempty"`
	LastHeartbeatAt *time.Time      `db:"last_heartbeat_at" json:"lastHeartbeatAt,omitempty"`
	ClaimedBy       *string         `db:"claimed_by" json:"claimedBy,omitempty"`
	ClaimedAt       *time.Time      `db:"claimed_at" json:"claimedAt,omitempty"`
	NextRetryAt     *time.Time      `db:"next_retry_at" json:"nextRetryAt,omitempty"`
	ResultMeta      JSONMap         `db:"result_meta" json:"resultMeta,omitempty"`
	ErrorMeta       JSONMap         `db:"error_meta" json:"errorMeta,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// SessionID extracts params.sessionId when present. The worker's idempotency
// sidecar and the report reasoner key off it.
func (m *Mission) SessionID() string {
	if m.Params == nil {
		return ""
	}
	if v, ok := m.Params["sessionId"].(string); ok {
		return v
	}
	return ""
}

// ReportKind extracts params.reportKind, empty when absent.
func (m *Mission) ReportKind() string {
	if m.Params == nil {
		return ""
	}
	if v, ok := m.Params["reportKind"].(string); ok {
		return v
	}
	return ""
}

// MissionRequest is the submit payload accepted from the dispatcher or an
// operator. MaxAttempts of 0 takes the server default.
type MissionRequest struct {
	Goal           string          `json:"goal"`
	Params         JSONMap         `json:"params,omitempty"`
	SubjectID      string          `json:"subjectId,omitempty"`
	Priority       MissionPriority `json:"priority,omitempty"`
	Constraints    []string        `json:"constraints,omitempty"`
	Context        JSONMap         `json:"context,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	MaxAttempts    int             `json:"maxAttempts,omitempty"`
}

// MissionFilters narrows mission listing.
type MissionFilters struct {
	Status string `json:"status,omitempty"`
	Goal   string `json:"goal,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// ClaimRequest asks the store for one pending mission matching the goals.
type ClaimRequest struct {
	AgentName string   `json:"agentName"`
	Goals     []string `json:"goals,omitempty"`
}
