// Package policy is the allow/deny oracle consulted before every tool
// invocation in the mission runtime. A denial is not an error: the runtime
// records it on the tool call and continues the loop.
package policy

import (
	"context"
	"time"

	"github.com/emberworks/fabric/pkg/models"
)

// Decision is the outcome of a policy check.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// Request describes one intended tool invocation.
type Request struct {
	AgentID   string         `json:"agentId"`
	Tool      string         `json:"tool"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	MissionID string         `json:"missionId"`
	Context   models.JSONMap `json:"context,omitempty"`
}

// Result is the checker's verdict, carrying the violated rule names on DENY.
type Result struct {
	Request    Request   `json:"request"`
	Decision   Decision  `json:"decision"`
	CheckedAt  time.Time `json:"checkedAt"`
	Violations []string  `json:"violations,omitempty"`
}

// Allowed reports whether the invocation may proceed.
func (r Result) Allowed() bool {
	return r.Decision == DecisionAllow
}

// Checker decides whether a tool invocation may proceed. Implementations
// must honor ctx; a check is a suspension point of the mission loop.
type Checker interface {
	Check(ctx context.Context, req Request) (Result, error)
}

// AllowAll permits everything. Used when no policy is configured and in
// runtime tests that exercise the happy path.
type AllowAll struct{}

// Check implements Checker.
func (AllowAll) Check(_ context.Context, req Request) (Result, error) {
	return Result{Request: req, Decision: DecisionAllow, CheckedAt: time.Now().UTC()}, nil
}

// StaticChecker denies tools by name and, when a non-empty allowlist is
// configured, denies everything outside it. Rules are immutable after
// construction.
type StaticChecker struct {
	denied  map[string]struct{}
	allowed map[string]struct{}
}

// NewStaticChecker builds a checker from explicit deny and allow lists.
// An empty allow list means "allow anything not denied".
func NewStaticChecker(deniedTools, allowedTools []string) *StaticChecker {
	c := &StaticChecker{
		denied:  make(map[string]struct{}, len(deniedTools)),
		allowed: make(map[string]struct{}, len(allowedTools)),
	}
	for _, t := range deniedTools {
		c.denied[t] = struct{}{}
	}
	for _, t := range allowedTools {
		c.allowed[t] = struct{}{}
	}
	return c
}

// Check implements Checker.
func (c *StaticChecker) Check(_ context.Context, req Request) (Result, error) {
	res := Result{Request: req, Decision: DecisionAllow, CheckedAt: time.Now().UTC()}
	if _, ok := c.denied[req.Tool]; ok {
		res.Decision = DecisionDeny
		res.Violations = append(res.Violations, "tool-denied:"+req.Tool)
		return res, nil
	}
	if len(c.allowed) > 0 {
		if _, ok := c.allowed[req.Tool]; !ok {
			res.Decision = DecisionDeny
			res.Violations = append(res.Violations, "tool-not-allowlisted:"+req.Tool)
		}
	}
	return res, nil
}
