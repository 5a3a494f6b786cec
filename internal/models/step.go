package models

import "time"

// StepStatus represents the state of a single plan step.
type StepStatus string

const (
	StepStatusDraft           StepStatus = "draft"
	StepStatusReady           StepStatus = "ready"
	StepStatusRunning         StepStatus = "running"
	StepStatusWaitingApproval StepStatus = "waiting_approval"
	StepStatusApproved        StepStatus = "approved"
	StepStatusRejected        StepStatus = "rejected"
	StepStatusCompleted       StepStatus = "completed"
	StepStatusFailed          StepStatus = "failed"
	StepStatusSkipped         StepStatus = "skipped"
)

// StepTool is the closed set of tool labels a generated step may carry.
// The labels are opaque to the engine; the generation collaborator
// interprets them.
type StepTool string

const (
	StepToolWebSurfer  StepTool = "web_surfer"
	StepToolCoder      StepTool = "coder"
	StepToolFileSurfer StepTool = "file_surfer"
	StepToolMCP        StepTool = "mcp"
	StepToolLLM        StepTool = "llm"
)

// NormalizeTool maps a free-form tool label onto the closed set,
// defaulting to llm for anything unrecognized.
func NormalizeTool(label string) StepTool {
	switch StepTool(label) {
	case StepToolWebSurfer, StepToolCoder, StepToolFileSurfer, StepToolMCP, StepToolLLM:
		return StepTool(label)
	}
	return StepToolLLM
}

// Step is one ordered unit of work inside a session. Seq values within a
// session are strictly increasing in insertion order and never reused.
type Step struct {
	ID               string
	SessionID        string
	Seq              int
	Title            string
	Description      string
	Status           StepStatus
	RequiresApproval bool
	ToolName         string
	ToolArgs         string // opaque payload, e.g. JSON; never parsed here
	Result           string
	LastError        string
	ApprovedBy       string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ApprovedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
