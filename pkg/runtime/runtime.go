// Package runtime executes a single mission as a bounded, cooperative
// perception-reasoning-action loop. Each iteration runs the five phases
// GET_MISSION, SCAN, THINK, ACT, OBSERVE in order; every tool invocation is
// gated by a policy check and recorded on the trace. Scheduling is
// single-threaded: one phase or one tool call is active at a time, and
// cancellation is checked at every suspension point.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/emberworks/fabric/pkg/models"
)

// ToolInvocation is one tool request returned by a reasoner step.
type ToolInvocation struct {
	Tool  string         `json:"tool"`
	Input models.JSONMap `json:"input,omitempty"`
}

// StepOutput is the result of one reasoner phase. NewState is merged into
// the loop state last-write-wins; Done finalizes the mission as SUCCESS
// after the current phase's trace entry is appended.
type StepOutput struct {
	NewState        models.JSONMap
	ToolInvocations []ToolInvocation
	Done            bool
	Notes           string
}

// StepContext is what a reasoner sees at each phase: the mission, a
// snapshot of the merged state, and a scratch map private to this attempt.
// Tool outputs land in Scratch under "tool:<name>" for later phases.
type StepContext struct {
	Mission *models.Mission
	State   models.JSONMap
	Scratch map[string]any
}

// Reasoner produces the next step of the loop. Implementations must honor
// ctx and return promptly on cancellation.
type Reasoner interface {
	RunStep(ctx context.Context, step models.Step, sc *StepContext) (*StepOutput, error)
}

// ToolHandler executes one named tool. Handlers receive the cancellation
// signal through ctx; handlers that ignore it delay but cannot prevent
// finalization.
type ToolHandler func(ctx context.Context, input models.JSONMap, sc *StepContext) (models.JSONMap, error)

// Registry is the immutable name → handler table of a runner. Tools are
// registered at construction; lookups after that are read-only.
type Registry struct {
	tools map[string]ToolHandler
}

// NewRegistry copies the handler table. The registry never changes after
// this call.
func NewRegistry(tools map[string]ToolHandler) *Registry {
	copied := make(map[string]ToolHandler, len(tools))
	for name, h := range tools {
		copied[name] = h
	}
	return &Registry{tools: copied}
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (ToolHandler, bool) {
	h, ok := r.tools[name]
	return h, ok
}

// Names returns the registered tool names, for status surfaces.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Options tune one mission execution.
type Options struct {
	AgentID       string
	MaxIterations int
	Timeout       time.Duration
	InitialState  models.JSONMap
	LoopID        string
}

// DefaultMaxIterations bounds the loop when Options leaves it zero.
const DefaultMaxIterations = 3

// TraceError carries the trace alongside the failure cause. The trace is
// emitted in every terminal case; callers that receive an error still get
// the full execution record.
type TraceError struct {
	Trace *models.Trace
	Cause error
}

func (e *TraceError) Error() string {
	return fmt.Sprintf("mission execution %s: %v", e.Trace.Status, e.Cause)
}

func (e *TraceError) Unwrap() error {
	return e.Cause
}

// mergeState applies newState over current, last write wins per key.
func mergeState(current, newState models.JSONMap) models.JSONMap {
	if len(newState) == 0 {
		return current
	}
	if current == nil {
		current = models.JSONMap{}
	}
	for k, v := range newState {
		current[k] = v
	}
	return current
}

// snapshotState copies the top level of the state map so a reasoner cannot
// mutate loop state except through StepOutput.NewState.
func snapshotState(state models.JSONMap) models.JSONMap {
	snap := make(models.JSONMap, len(state))
	for k, v := range state {
		snap[k] = v
	}
	return snap
}
