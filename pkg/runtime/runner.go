package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emberworks/fabric/pkg/metrics"
	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/pkg/policy"
)

// ErrToolNotFound marks an allowed invocation whose tool has no registered
// handler. It terminates the current step as an error.
var ErrToolNotFound = errors.New("tool not found")

// errStepFatal wraps a tool failure that terminates the loop.
type errStepFatal struct {
	step models.Step
	err  error
}

func (e *errStepFatal) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.step, e.err)
}

func (e *errStepFatal) Unwrap() error {
	return e.err
}

// Runner executes missions. The reasoner, tool registry, and policy
// checker are fixed at construction.
type Runner struct {
	reasoner Reasoner
	registry *Registry
	checker  policy.Checker
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a Runner. A nil checker allows every tool.
func NewRunner(reasoner Reasoner, registry *Registry, checker policy.Checker) *Runner {
	if reasoner == nil {
		panic("NewRunner: reasoner must not be nil")
	}
	if registry == nil {
		registry = NewRegistry(nil)
	}
	if checker == nil {
		checker = policy.AllowAll{}
	}
	return &Runner{
		reasoner: reasoner,
		registry: registry,
		checker:  checker,
		logger:   slog.With("component", "runtime"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one mission attempt and returns its trace. The trace is
// emitted in every terminal case; on TIMEOUT, ABORTED, and ERROR it is
// attached to the returned *TraceError.
func (r *Runner) Run(ctx context.Context, mission *models.Mission, opts Options) (*models.Trace, error) {
	if mission == nil {
		return nil, fmt.Errorf("mission is required")
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	loopID := opts.LoopID
	if loopID == "" {
		loopID = "loop-" + uuid.New().String()
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	trace := &models.Trace{
		TraceID:   uuid.New().String(),
		AgentID:   opts.AgentID,
		MissionID: mission.MissionID,
		StartedAt: r.now(),
		Entries:   models.TraceEntries{},
		Metadata:  models.TraceMetadata{LoopID: loopID},
	}

	sc := &StepContext{
		Mission: mission,
		State:   snapshotState(opts.InitialState),
		Scratch: make(map[string]any),
	}
	state := mergeState(models.JSONMap{}, opts.InitialState)

	log := r.logger.With("mission_id", mission.MissionID, "loop_id", loopID, "agent_id", opts.AgentID)

	for iteration := 0; iteration < maxIterations; iteration++ {
		trace.Metadata.Iterations = iteration + 1
		for _, step := range models.Steps() {
			if err := runCtx.Err(); err != nil {
				return r.finalize(trace, r.cancelStatus(ctx, runCtx), err, log)
			}

			entry, done, err := r.runStep(runCtx, opts.AgentID, step, iteration, loopID, sc, &state)
			trace.Entries = append(trace.Entries, *entry)

			if err != nil {
				if cancelErr := runCtx.Err(); cancelErr != nil {
					return r.finalize(trace, r.cancelStatus(ctx, runCtx), cancelErr, log)
				}
				return r.finalize(trace, models.TraceError, err, log)
			}
			if done {
				trace.Status = models.TraceSuccess
				trace.CompletedAt = r.now()
				log.Info("Mission loop finished", "status", trace.Status, "iterations", trace.Metadata.Iterations)
				return trace, nil
			}
		}
	}

	trace.Status = models.TraceMaxIterations
	trace.CompletedAt = r.now()
	log.Info("Mission loop exhausted iterations", "iterations", maxIterations)
	return trace, nil
}

// runStep runs one phase: reasoner step, state merge, then the phase's tool
// invocations in order. The returned entry is appended to the trace by the
// caller regardless of the error.
func (r *Runner) runStep(runCtx context.Context, agentID string, step models.Step, iteration int, loopID string, sc *StepContext, state *models.JSONMap) (*models.TraceEntry, bool, error) {
	entry := &models.TraceEntry{
		MissionID: sc.Mission.MissionID,
		LoopID:    loopID,
		Iteration: iteration,
		Step:      step,
		Status:    models.StepSuccess,
		StartedAt: r.now(),
	}

	sc.State = snapshotState(*state)
	output, err := r.reasoner.RunStep(runCtx, step, sc)
	if err != nil {
		entry.Status = models.StepError
		entry.Notes = err.Error()
		entry.CompletedAt = r.now()
		return entry, false, &errStepFatal{step: step, err: err}
	}
	if output == nil {
		output = &StepOutput{}
	}
	entry.Notes = output.Notes
	*state = mergeState(*state, output.NewState)
	sc.State = snapshotState(*state)

	for _, inv := range output.ToolInvocations {
		if err := runCtx.Err(); err != nil {
			entry.Status = models.StepError
			entry.CompletedAt = r.now()
			return entry, false, err
		}

		call, err := r.invokeTool(runCtx, agentID, inv, sc)
		entry.ToolCalls = append(entry.ToolCalls, *call)
		if err != nil {
			entry.Status = models.StepError
			entry.CompletedAt = r.now()
			return entry, false, &errStepFatal{step: step, err: err}
		}
	}

	entry.CompletedAt = r.now()
	return entry, output.Done, nil
}

// invokeTool checks policy, looks up the handler, and runs it. Denials are
// recorded and skipped, not errors. Missing handlers and non-cancellation
// handler failures are fatal to the step.
func (r *Runner) invokeTool(ctx context.Context, agentID string, inv ToolInvocation, sc *StepContext) (*models.ToolCall, error) {
	call := &models.ToolCall{ToolName: inv.Tool, Input: inv.Input}

	resource := sc.Mission.MissionID
	if sc.Mission.SubjectID != nil && *sc.Mission.SubjectID != "" {
		resource = *sc.Mission.SubjectID
	}

	result, err := r.checker.Check(ctx, policy.Request{
		AgentID:   agentID,
		Tool:      inv.Tool,
		Action:    "invoke",
		Resource:  resource,
		MissionID: sc.Mission.MissionID,
		Context:   sc.Mission.Context,
	})
	if err != nil {
		call.Error = err.Error()
		return call, fmt.Errorf("policy check failed for %s: %w", inv.Tool, err)
	}
	if !result.Allowed() {
		call.DeniedByPolicy = true
		r.logger.Info("Tool invocation denied by policy",
			"mission_id", sc.Mission.MissionID, "tool", inv.Tool, "violations", result.Violations)
		return call, nil
	}

	handler, ok := r.registry.Lookup(inv.Tool)
	if !ok {
		call.Error = ErrToolNotFound.Error()
		return call, fmt.Errorf("%w: %s", ErrToolNotFound, inv.Tool)
	}

	started := r.now()
	output, err := handler(ctx, inv.Input, sc)
	call.DurationMs = r.now().Sub(started).Milliseconds()
	metrics.ToolCallDuration.WithLabelValues(inv.Tool).Observe(float64(call.DurationMs) / 1000)
	if err != nil {
		call.Error = err.Error()
		return call, err
	}
	call.Output = output
	sc.Scratch["tool:"+inv.Tool] = output
	return call, nil
}

// cancelStatus discriminates timeout from external cancellation: the
// composite context's deadline produced TIMEOUT; anything tripped on the
// parent is ABORTED.
func (r *Runner) cancelStatus(parent, runCtx context.Context) models.TraceStatus {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return models.TraceTimeout
	}
	return models.TraceAborted
}

// finalize stamps the trace terminal state and wraps it with the cause.
func (r *Runner) finalize(trace *models.Trace, status models.TraceStatus, cause error, log *slog.Logger) (*models.Trace, error) {
	trace.Status = status
	trace.CompletedAt = r.now()
	if cause != nil {
		trace.Error = cause.Error()
	}
	log.Warn("Mission loop terminated", "status", status, "error", cause)
	return trace, &TraceError{Trace: trace, Cause: cause}
}
