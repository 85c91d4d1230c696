package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// TraceStatus is the terminal outcome of one mission execution attempt.
type TraceStatus string

const (
	TraceSuccess       TraceStatus = "SUCCESS"
	TraceMaxIterations TraceStatus = "MAX_ITERATIONS"
	TraceTimeout       TraceStatus = "TIMEOUT"
	TraceAborted       TraceStatus = "ABORTED"
	TraceError         TraceStatus = "ERROR"
)

// Step is one of the five ordered phases of the mission loop.
type Step string

const (
	StepGetMission Step = "GET_MISSION"
	StepScan       Step = "SCAN"
	StepThink      Step = "THINK"
	StepAct        Step = "ACT"
	StepObserve    Step = "OBSERVE"
)

// Steps returns the phases in loop order.
func Steps() []Step {
	return []Step{StepGetMission, StepScan, StepThink, StepAct, StepObserve}
}

// StepStatus marks a trace entry as clean or failed.
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepError   StepStatus = "ERROR"
)

// ToolCall records one tool invocation inside a phase, including policy
// denials, which carry no output and are not errors.
type ToolCall struct {
	ToolName       string  `json:"toolName"`
	Input          JSONMap `json:"input,omitempty"`
	Output         JSONMap `json:"output,omitempty"`
	DurationMs     int64   `json:"durationMs"`
	DeniedByPolicy bool    `json:"deniedByPolicy,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// TraceEntry is the record of one phase of one iteration.
type TraceEntry struct {
	MissionID   string     `json:"missionId"`
	LoopID      string     `json:"loopId"`
	Iteration   int        `json:"iteration"`
	Step        Step       `json:"step"`
	Status      StepStatus `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt time.Time  `json:"completedAt"`
	ToolCalls   []ToolCall `json:"toolCalls,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// TraceEntries is stored as a JSON array column on the trace row.
type TraceEntries []TraceEntry

// Value implements driver.Valuer.
func (e TraceEntries) Value() (driver.Value, error) {
	if e == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner.
func (e *TraceEntries) Scan(src any) error {
	return scanJSON(src, e, "TraceEntries")
}

// TraceMetadata carries the loop identity and the number of iterations run.
type TraceMetadata struct {
	LoopID     string `json:"loopId"`
	Iterations int    `json:"iterations"`
}

// Value implements driver.Valuer.
func (m TraceMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *TraceMetadata) Scan(src any) error {
	return scanJSON(src, m, "TraceMetadata")
}

// Trace is the append-only record of a single mission execution attempt,
// emitted exactly once per attempt regardless of outcome.
type Trace struct {
	TraceID     string        `db:"trace_id" json:"traceId"`
	AgentID     string        `db:"agent_id" json:"agentId"`
	MissionID   string        `db:"mission_id" json:"missionId"`
	Status      TraceStatus   `db:"status" json:"status"`
	StartedAt   time.Time     `db:"started_at" json:"startedAt"`
	CompletedAt time.Time     `db:"completed_at" json:"completedAt"`
	Entries     TraceEntries  `db:"entries" json:"entries"`
	Metadata    TraceMetadata `db:"metadata" json:"metadata"`
	Error       string        `db:"error" json:"error,omitempty"`
}
