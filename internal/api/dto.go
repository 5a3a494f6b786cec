package api

import (
	"time"

	"github.com/autorun-cli/autorun/internal/models"
	"github.com/autorun-cli/autorun/internal/orchestrator"
	"github.com/autorun-cli/autorun/internal/runner"
)

type sessionJSON struct {
	ID               string     `json:"id"`
	Owner            string     `json:"owner"`
	Origin           string     `json:"origin"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           string     `json:"status"`
	ApprovalPolicy   string     `json:"approval_policy,omitempty"`
	AllowedResources string     `json:"allowed_resources,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	Archived         bool       `json:"archived"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type stepJSON struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	Seq              int        `json:"seq"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           string     `json:"status"`
	RequiresApproval bool       `json:"requires_approval"`
	ToolName         string     `json:"tool_name,omitempty"`
	ToolArgs         string     `json:"tool_args,omitempty"`
	Result           string     `json:"result,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type approvalJSON struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	StepID        string     `json:"step_id,omitempty"`
	Status        string     `json:"status"`
	ActionType    string     `json:"action_type"`
	ActionSummary string     `json:"action_summary,omitempty"`
	RequestedBy   string     `json:"requested_by"`
	Approver      string     `json:"approver"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	RequestedAt   time.Time  `json:"requested_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

type monitorJSON struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	Type            string     `json:"type"`
	Target          string     `json:"target,omitempty"`
	Condition       string     `json:"condition,omitempty"`
	IntervalMinutes int        `json:"interval_minutes"`
	Status          string     `json:"status"`
	LastResult      string     `json:"last_result,omitempty"`
	FailureCount    int        `json:"failure_count"`
	NextCheckAt     time.Time  `json:"next_check_at"`
	LastCheckAt     *time.Time `json:"last_check_at,omitempty"`
}

type planDetailJSON struct {
	Plan      sessionJSON    `json:"plan"`
	Steps     []stepJSON     `json:"steps"`
	Approvals []approvalJSON `json:"approvals"`
	Monitor   *monitorJSON   `json:"monitor,omitempty"`
}

type progressJSON struct {
	SessionID      string `json:"session_id"`
	StepID         string `json:"step_id,omitempty"`
	StepSeq        int    `json:"step_seq,omitempty"`
	StepTitle      string `json:"step_title,omitempty"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
	ApprovalID     string `json:"approval_id,omitempty"`
	ApprovalStatus string `json:"approval_status,omitempty"`
	IsFinal        bool   `json:"is_final"`
}

func toSessionJSON(s *models.Session) sessionJSON {
	return sessionJSON{
		ID:               s.ID,
		Owner:            s.Owner,
		Origin:           s.Origin,
		Title:            s.Title,
		Description:      s.Description,
		Status:           string(s.Status),
		ApprovalPolicy:   s.ApprovalPolicy,
		AllowedResources: s.AllowedResources,
		Summary:          s.Summary,
		LastError:        s.LastError,
		Archived:         s.Archived,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
	}
}

func toStepJSON(s *models.Step) stepJSON {
	return stepJSON{
		ID:               s.ID,
		SessionID:        s.SessionID,
		Seq:              s.Seq,
		Title:            s.Title,
		Description:      s.Description,
		Status:           string(s.Status),
		RequiresApproval: s.RequiresApproval,
		ToolName:         s.ToolName,
		ToolArgs:         s.ToolArgs,
		Result:           s.Result,
		LastError:        s.LastError,
		ApprovedBy:       s.ApprovedBy,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
	}
}

func toApprovalJSON(a *models.Approval) approvalJSON {
	return approvalJSON{
		ID:            a.ID,
		SessionID:     a.SessionID,
		StepID:        a.StepID,
		Status:        string(a.Status),
		ActionType:    a.ActionType,
		ActionSummary: a.ActionSummary,
		RequestedBy:   a.RequestedBy,
		Approver:      a.Approver,
		ResolvedBy:    a.ResolvedBy,
		Notes:         a.Notes,
		RequestedAt:   a.RequestedAt,
		ResolvedAt:    a.ResolvedAt,
	}
}

func toMonitorJSON(m *models.Monitor) monitorJSON {
	return monitorJSON{
		ID:              m.ID,
		SessionID:       m.SessionID,
		Type:            m.Type,
		Target:          m.Target,
		Condition:       m.Condition,
		IntervalMinutes: m.IntervalMinutes,
		Status:          string(m.Status),
		LastResult:      m.LastResult,
		FailureCount:    m.FailureCount,
		NextCheckAt:     m.NextCheckAt,
		LastCheckAt:     m.LastCheckAt,
	}
}

func toPlanDetailJSON(d *orchestrator.PlanDetail) planDetailJSON {
	out := planDetailJSON{
		Plan:      toSessionJSON(d.Session),
		Steps:     make([]stepJSON, 0, len(d.Steps)),
		Approvals: make([]approvalJSON, 0, len(d.Approvals)),
	}
	for _, s := range d.Steps {
		out.Steps = append(out.Steps, toStepJSON(s))
	}
	for _, a := range d.Approvals {
		out.Approvals = append(out.Approvals, toApprovalJSON(a))
	}
	if d.Monitor != nil {
		m := toMonitorJSON(d.Monitor)
		out.Monitor = &m
	}
	return out
}

func toProgressJSON(e runner.ProgressEvent) progressJSON {
	return progressJSON{
		SessionID:      e.SessionID,
		StepID:         e.StepID,
		StepSeq:        e.StepSeq,
		StepTitle:      e.StepTitle,
		Status:         string(e.Status),
		Message:        e.Message,
		ApprovalID:     e.ApprovalID,
		ApprovalStatus: string(e.ApprovalStatus),
		IsFinal:        e.IsFinal,
	}
}
