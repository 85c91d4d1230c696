package report

import (
	"context"
	"fmt"
	"time"

	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/pkg/runtime"
)

// Kernel is the slice of the kernel client the tools need.
type Kernel interface {
	StoreReport(ctx context.Context, report *models.Report) (*models.Report, error)
	ProposeCommand(ctx context.Context, req *models.ProposalRequest) (*models.CommandProposal, error)
}

// Tools returns the handler table for the roast-report agent, ready for
// runtime.NewRegistry.
func Tools(k Kernel) map[string]runtime.ToolHandler {
	return map[string]runtime.ToolHandler{
		ToolRender:  renderTool,
		ToolStore:   storeTool(k),
		ToolPropose: proposeTool(k),
	}
}

// renderTool builds the report body. Pure: same input, same body (modulo
// the render timestamp).
func renderTool(_ context.Context, input models.JSONMap, _ *runtime.StepContext) (models.JSONMap, error) {
	sessionID, _ := input["sessionId"].(string)
	if sessionID == "" {
		return nil, fmt.Errorf("render: sessionId is required")
	}
	kind, _ := input["reportKind"].(string)
	if kind == "" {
		kind = models.DefaultReportKind
	}

	summary := fmt.Sprintf("Roast session %s closed", sessionID)
	if machineID, ok := input["machineId"].(string); ok && machineID != "" {
		summary += " on " + machineID
	}

	body := models.JSONMap{
		"sessionId":  sessionID,
		"reportKind": kind,
		"summary":    summary,
		"renderedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if machineID, ok := input["machineId"].(string); ok && machineID != "" {
		body["machineId"] = machineID
	}
	if drop, ok := toFloat(input["dropSeconds"]); ok {
		body["dropSeconds"] = drop
		body["fastDrop"] = drop > 0 && drop < hotDropMaxSeconds
	}
	return models.JSONMap{"body": body}, nil
}

// storeTool persists the rendered body through the kernel. The kernel's
// (sessionId, kind) idempotency makes a retried store return the original.
func storeTool(k Kernel) runtime.ToolHandler {
	return func(ctx context.Context, input models.JSONMap, sc *runtime.StepContext) (models.JSONMap, error) {
		rendered, ok := sc.Scratch["tool:"+ToolRender].(models.JSONMap)
		if !ok {
			return nil, fmt.Errorf("store: nothing rendered yet")
		}
		body, ok := rendered["body"].(models.JSONMap)
		if !ok {
			return nil, fmt.Errorf("store: rendered output has no body")
		}

		sessionID, _ := input["sessionId"].(string)
		kind, _ := input["reportKind"].(string)
		missionID, _ := input["missionId"].(string)

		stored, err := k.StoreReport(ctx, &models.Report{
			SessionID:  sessionID,
			ReportKind: kind,
			MissionID:  missionID,
			Body:       body,
		})
		if err != nil {
			return nil, fmt.Errorf("store report for session %s: %w", sessionID, err)
		}
		return models.JSONMap{"reportId": stored.ReportID}, nil
	}
}

// proposeTool files a follow-up roaster command with the kernel. The
// proposal rides the normal governance gates; the agent only asks.
func proposeTool(k Kernel) runtime.ToolHandler {
	return func(ctx context.Context, input models.JSONMap, _ *runtime.StepContext) (models.JSONMap, error) {
		commandType, _ := input["commandType"].(string)
		machineID, _ := input["machineId"].(string)
		if commandType == "" || machineID == "" {
			return nil, fmt.Errorf("propose: commandType and machineId are required")
		}
		reasoning, _ := input["reasoning"].(string)

		proposal, err := k.ProposeCommand(ctx, &models.ProposalRequest{
			Command: models.RoasterCommand{
				CommandType: commandType,
				MachineID:   machineID,
			},
			ProposedBy: models.ProposedByAgent,
			Reasoning:  reasoning,
		})
		if err != nil {
			return nil, fmt.Errorf("propose %s on %s: %w", commandType, machineID, err)
		}
		return models.JSONMap{
			"proposalId": proposal.ProposalID,
			"status":     string(proposal.Status),
		}, nil
	}
}
