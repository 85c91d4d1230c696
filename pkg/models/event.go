package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionClosedType is the only event type the dispatcher consumes.
const SessionClosedType = "session.closed"

// DefaultReportKind fills SessionClosed.ReportKind when the emitter omits it.
const DefaultReportKind = "POST_ROAST_V1"

// SessionClosed is the broker payload published when a roast session ends.
// Topic shape: ops/{orgId}/{siteId}/{machineId}/session/closed.
type SessionClosed struct {
	Type            string    `json:"type"`
	Version         int       `json:"version"`
	EmittedAt       time.Time `json:"emittedAt"`
	OrgID           string    `json:"orgId"`
	SiteID          string    `json:"siteId"`
	MachineID       string    `json:"machineId"`
	SessionID       string    `json:"sessionId"`
	ReportKind      string    `json:"reportKind,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	DropSeconds     *float64  `json:"dropSeconds,omitempty"`
	TelemetryPoints *int      `json:"telemetryPoints,omitempty"`
}

// ParseSessionClosed decodes and validates a raw broker payload, applying the
// report-kind default. Decode failures and schema failures are distinct so
// the dispatcher can count them separately.
func ParseSessionClosed(payload []byte) (*SessionClosed, error) {
	var ev SessionClosed
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, &ParseError{Err: err}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate enforces the session.closed schema and applies defaults.
func (e *SessionClosed) Validate() error {
	if e.Type != SessionClosedType {
		return fmt.Errorf("%w: type %q is not %q", ErrInvalidEvent, e.Type, SessionClosedType)
	}
	if e.Version != 1 {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidEvent, e.Version)
	}
	if e.OrgID == "" || e.SiteID == "" || e.MachineID == "" {
		return fmt.Errorf("%w: orgId, siteId, and machineId are required", ErrInvalidEvent)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: sessionId is required", ErrInvalidEvent)
	}
	if e.EmittedAt.IsZero() {
		return fmt.Errorf("%w: emittedAt is required", ErrInvalidEvent)
	}
	if e.ReportKind == "" {
		e.ReportKind = DefaultReportKind
	}
	return nil
}

// ParseError marks a payload that was not valid JSON at all, as opposed to
// valid JSON that fails the schema.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "event payload is not valid JSON: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
