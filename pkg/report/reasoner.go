// Package report implements the roast-report agent: a deterministic
// reasoner for the generate-roast-report goal plus the tools it drives. No
// model calls; every step is a pure function of the mission and the loop
// state, so retries are reproducible.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/pkg/runtime"
)

// Goal is the mission goal this reasoner handles.
const Goal = "generate-roast-report"

// Tool names registered by this package.
const (
	ToolRender  = "report.render"
	ToolStore   = "report.store"
	ToolPropose = "command.propose"
)

// hotDropMaxSeconds: a drop phase faster than this means the beans left the
// drum hot and a cooling cycle is worth proposing.
const hotDropMaxSeconds = 45.0

// Reasoner walks the five loop phases for one roast session.
type Reasoner struct {
	now func() time.Time
}

// NewReasoner creates a Reasoner.
func NewReasoner() *Reasoner {
	return &Reasoner{now: func() time.Time { return time.Now().UTC() }}
}

// RunStep implements runtime.Reasoner.
func (r *Reasoner) RunStep(_ context.Context, step models.Step, sc *runtime.StepContext) (*runtime.StepOutput, error) {
	switch step {
	case models.StepGetMission:
		return r.getMission(sc)
	case models.StepScan:
		return r.scan(sc)
	case models.StepThink:
		return r.think(sc)
	case models.StepAct:
		return r.act(sc)
	case models.StepObserve:
		return r.observe(sc)
	}
	return nil, fmt.Errorf("unknown step %q", step)
}

func (r *Reasoner) getMission(sc *runtime.StepContext) (*runtime.StepOutput, error) {
	if sc.Mission.Goal != Goal {
		return nil, fmt.Errorf("goal %q is not %q", sc.Mission.Goal, Goal)
	}
	sessionID := sc.Mission.SessionID()
	if sessionID == "" {
		return nil, fmt.Errorf("mission %s has no params.sessionId", sc.Mission.MissionID)
	}
	kind := sc.Mission.ReportKind()
	if kind == "" {
		kind = models.DefaultReportKind
	}
	return &runtime.StepOutput{
		NewState: models.JSONMap{"sessionId": sessionID, "reportKind": kind},
		Notes:    fmt.Sprintf("reporting on session %s", sessionID),
	}, nil
}

func (r *Reasoner) scan(sc *runtime.StepContext) (*runtime.StepOutput, error) {
	state := models.JSONMap{}
	if sc.Mission.SubjectID != nil && *sc.Mission.SubjectID != "" {
		state["machineId"] = *sc.Mission.SubjectID
	}
	if v, ok := toFloat(sc.Mission.Params["dropSeconds"]); ok {
		state["dropSeconds"] = v
	}
	if v, ok := toFloat(sc.Mission.Params["telemetryPoints"]); ok {
		state["telemetryPoints"] = v
	}
	return &runtime.StepOutput{NewState: state, Notes: "session context gathered"}, nil
}

func (r *Reasoner) think(sc *runtime.StepContext) (*runtime.StepOutput, error) {
	hotDrop := false
	if drop, ok := toFloat(sc.State["dropSeconds"]); ok && drop > 0 && drop < hotDropMaxSeconds {
		hotDrop = true
	}
	notes := "normal drop, report only"
	if hotDrop {
		notes = "fast drop detected, will propose a cooling cycle"
	}
	return &runtime.StepOutput{
		NewState: models.JSONMap{"hotDrop": hotDrop},
		Notes:    notes,
	}, nil
}

func (r *Reasoner) act(sc *runtime.StepContext) (*runtime.StepOutput, error) {
	renderInput := models.JSONMap{
		"sessionId":  sc.State["sessionId"],
		"reportKind": sc.State["reportKind"],
		"missionId":  sc.Mission.MissionID,
	}
	if machineID, ok := sc.State["machineId"].(string); ok {
		renderInput["machineId"] = machineID
	}
	if drop, ok := toFloat(sc.State["dropSeconds"]); ok {
		renderInput["dropSeconds"] = drop
	}

	invocations := []runtime.ToolInvocation{
		{Tool: ToolRender, Input: renderInput},
		{Tool: ToolStore, Input: models.JSONMap{
			"sessionId":  sc.State["sessionId"],
			"reportKind": sc.State["reportKind"],
			"missionId":  sc.Mission.MissionID,
		}},
	}

	if hot, _ := sc.State["hotDrop"].(bool); hot {
		machineID, _ := sc.State["machineId"].(string)
		invocations = append(invocations, runtime.ToolInvocation{
			Tool: ToolPropose,
			Input: models.JSONMap{
				"commandType": "COOLING_CYCLE",
				"machineId":   machineID,
				"reasoning":   fmt.Sprintf("fast drop on session %v, extra cooling cycle advised", sc.State["sessionId"]),
			},
		})
	}

	return &runtime.StepOutput{ToolInvocations: invocations, Notes: "rendering and storing the report"}, nil
}

func (r *Reasoner) observe(sc *runtime.StepContext) (*runtime.StepOutput, error) {
	stored, ok := sc.Scratch["tool:"+ToolStore].(models.JSONMap)
	if !ok {
		return nil, fmt.Errorf("report was not stored")
	}
	reportID, _ := stored["reportId"].(string)
	if reportID == "" {
		return nil, fmt.Errorf("report store returned no reportId")
	}
	out := &runtime.StepOutput{
		NewState: models.JSONMap{"reportId": reportID},
		Done:     true,
		Notes:    "report stored, mission complete",
	}
	if proposed, ok := sc.Scratch["tool:"+ToolPropose].(models.JSONMap); ok {
		out.NewState["proposalId"] = proposed["proposalId"]
	}
	return out, nil
}

// toFloat normalizes JSON numbers, which arrive as float64 after a
// round-trip and as int from in-process callers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
