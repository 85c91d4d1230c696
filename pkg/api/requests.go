package api

import "github.com/emberworks/fabric/pkg/models"

// heartbeatRequest extends a mission lease.
type heartbeatRequest struct {
	LeaseID   string `json:"leaseId"`
	AgentName string `json:"agentName,omitempty"`
}

// completeRequest finishes a mission under a lease.
type completeRequest struct {
	LeaseID    string         `json:"leaseId"`
	Summary    string         `json:"summary,omitempty"`
	ResultMeta models.JSONMap `json:"resultMeta,omitempty"`
}

// failRequest reports a mission failure under a lease.
type failRequest struct {
	LeaseID   string `json:"leaseId"`
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

// decisionRequest carries the human actor behind an approve, reject, or
// rollback call.
type decisionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// ruleToggleRequest flips a circuit rule on or off.
type ruleToggleRequest struct {
	Enabled *bool `json:"enabled"`
}
