// Package mcp exposes the orchestration engine as MCP tools over a
// stdio transport, so an MCP-capable agent can create plans, gate on
// approvals, and inspect run state.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/autorun-cli/autorun/internal/models"
	"github.com/autorun-cli/autorun/internal/orchestrator"
)

// Server wraps the orchestration service and exposes it as MCP tools.
// Every tool acts as the configured owner.
type Server struct {
	orch  *orchestrator.Service
	owner string
}

// NewServer creates the MCP server wrapper.
func NewServer(orch *orchestrator.Service, owner string) *Server {
	return &Server{orch: orch, owner: owner}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("autorun", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listPlansTool())
	srv.AddTool(s.planDetailTool())
	srv.AddTool(s.createPlanTool())
	srv.AddTool(s.addStepTool())
	srv.AddTool(s.generateStepsTool())
	srv.AddTool(s.updateStatusTool())
	srv.AddTool(s.listApprovalsTool())
	srv.AddTool(s.resolveApprovalTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// autorun_list_plans
func (s *Server) listPlansTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("autorun_list_plans",
		mcp.WithDescription("List recent plans for the current owner. Returns a JSON array with id, title, status, summary, and timestamps."),
		mcp.WithBoolean("include_archived", mcp.Description("Include archived plans (default false)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of plans to return (default 20)")),
	)
	return tool, s.handleListPlans
}

func (s *Server) handleListPlans(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	includeArchived := request.GetBool("include_archived", false)
	limit := request.GetInt("limit", 20)

	sessions, err := s.orch.GetRecentPlans(ctx, s.owner, includeArchived, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list plans: %v", err)), nil
	}

	out := make([]map[string]any, len(sessions))
	for i, sess := range sessions {
		out[i] = planOut(sess)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal plans: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// autorun_plan_detail
func (s *Server) planDetailTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("autorun_plan_detail",
		mcp.WithDescription("Get one plan with its steps, approvals, and monitor. Resolves the plan by full ULID or unique prefix."),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("Plan ID (full ULID or unique prefix)")),
	)
	return tool, s.handlePlanDetail
}

func (s *Server) handlePlanDetail(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := request.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: plan_id"), nil
	}

	sess, err := s.findPlan(ctx, planID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	detail, err := s.orch.GetPlanDetail(ctx, sess.ID, s.owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load plan: %v", err)), nil
	}

	steps := make([]map[string]any, len(detail.Steps))
	for i, st := range detail.Steps {
		steps[i] = stepOut(st)
	}
	approvals := make([]map[string]any, len(detail.Approvals))
	for i, a := range detail.Approvals {
		approvals[i] = approvalOut(a)
	}

	result := map[string]any{
		"plan":      planOut(detail.Session),
		"steps":     steps,
		"approvals": approvals,
	}
	if detail.Monitor != nil {
		m := detail.Monitor
		result["monitor"] = map[string]any{
			"id":               m.ID,
			"type":             m.Type,
			"target":           m.Target,
			"condition":        m.Condition,
			"interval_minutes": m.IntervalMinutes,
			"status":           string(m.Status),
			"next_check_at":    m.NextCheckAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal plan: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// autorun_create_plan
func (s *Server) createPlanTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("autorun_create_plan",
		mcp.WithDescription("Create a new plan in draft status. Returns the created plan as JSON."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Plan title")),
		mcp.WithString("description", mcp.Description("What the plan is for")),
		mcp.WithString("approval_policy", mcp.Description("Default approval requirement label, e.g. always, never, destructive-only")),
		mcp.WithString("allowed_resources", mcp.Description("Resource constraint passed to step generation")),
	)
	return tool, s.handleCreatePlan
}

func (s *Server) handleCreatePlan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}

	sess, err := s.orch.CreatePlan(ctx, orchestrator.CreatePlanParams{
		Owner:            s.owner,
		Origin:           "mcp:stdio",
		Title:            title,
		Description:      request.GetString("description", ""),
		ApprovalPolicy:   request.GetString("approval_policy", ""),
		AllowedResources: request.GetString("allowed_resources", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create plan: %v", err)), nil
	}

	data, err := json.Marshal(planOut(sess))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal plan: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// autorun_add_step
func (s *Server) addStepTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("autorun_add_step",
		mcp.WithDescription("Append a step to a plan. The step gets the next sequence number. Returns the created step as JSON."),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("Plan ID (full ULID or unique prefix)")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Step title")),
		mcp.WithString("description", mcp.Description("What the step should do")),
		mcp.WithBoolean("requires_approval", mcp.Description("Gate this step behind a human approval (default false)")),
		mcp.WithString("tool", mcp.Description("Tool label: web_surfer, coder, file_surfer, mcp, llm (default llm)")),
		mcp.WithString("tool_args", mcp.Description("Opaque tool arguments, usually JSON")),
	)
	return tool, s.handleAddStep
}

func (s *Server) handleAddStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := request.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: plan_id"), nil
	}
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}

	sess, err := s.findPlan(ctx, planID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	step, err := s.orch.AddStep(ctx, sess.ID, s.owner, orchestrator.AddStepParams{
		Title:            title,
		Description:      request.GetString("description", ""),
		RequiresApproval: request.GetBool("requires_approval", false),
		ToolName:         string(models.NormalizeTool(request.GetString("tool", ""))),
		ToolArgs:         request.GetString("tool_args", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add step: %v", err)), nil
	}

	data, err := json.Marshal(stepOut(step))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal step: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// autorun_generate_steps
func (s *Server) generateStepsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("autorun_generate_steps",
		mcp.WithDescription("Generate plan steps from a free-text goal using the configured model. Always produces at least one step. Returns the created steps as JSON."),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("Plan ID (full ULID or unique prefix)")),
		mcp.WithString("goal", mcp.Required(), mcp.Description("Free-text goal to break into steps")),
		mcp.WithNumber("max_steps", mcp.Description("Step count bound, 1-10 (default 5)")),
		mcp.WithBoolean("requires_approval", mcp.Description("Default approval requirement for generated steps")),
	)
	return tool, s.handleGenerateSteps
}

func (s *Server) handleGenerateSteps(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := request.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: plan_id"), nil
	}
	goal, err := request.RequireString("goal")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: goal"), nil
	}

	sess, err := s.findPlan(ctx, planID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	maxSteps := request.GetInt("max_steps", 5)
	requiresApproval := request.GetBool("requires_approval", false)

	steps, err := s.orch.GenerateSteps(ctx, sess.ID, s.owner, goal, maxSteps, requiresApproval)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to generate steps: %v", err)), nil
	}

	out := make([]map[string]any, len(steps))
	for i, st := range steps {
		out[i] = stepOut(st)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal steps: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// autorun_update_status
func (s *Server) updateStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("autorun_update_status",
		mcp.WithDescription("Change a plan's status. Only transitions allowed by the lifecycle table succeed; anything else returns an error naming the current and requested status."),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("Plan ID (full ULID or unique prefix)")),
		mcp.WithString("status", mcp.Required(), mcp.Description("Target status: draft, ready, executing, waiting_approval, paused, monitoring, monitoring_completed, completed, failed, cancelled")),
		mcp.WithString("summary", mcp.Description("One-line status summary")),
	)
	return tool, s.handleUpdateStatus
}

func (s *Server) handleUpdateStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := request.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: plan_id"), nil
	}
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: status"), nil
	}

	sess, err := s.findPlan(ctx, planID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	updated, err := s.orch.UpdateSessionStatus(ctx, sess.ID, s.owner,
		models.SessionStatus(status), request.GetString("summary", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := json.Marshal(planOut(updated))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal plan: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// autorun_list_approvals
func (s *Server) listApprovalsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("autorun_list_approvals",
		mcp.WithDescription("List approvals waiting on the current owner. Returns a JSON array with id, plan id, step id, action summary, and request time."),
	)
	return tool, s.handleListApprovals
}

func (s *Server) handleListApprovals(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvals, err := s.orch.ListPendingApprovals(ctx, s.owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list approvals: %v", err)), nil
	}

	out := make([]map[string]any, len(approvals))
	for i, a := range approvals {
		out[i] = approvalOut(a)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal approvals: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// autorun_resolve_approval
func (s *Server) resolveApprovalTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("autorun_resolve_approval",
		mcp.WithDescription("Approve or reject a pending approval. Resolution is final; resolving twice returns an error. A rejection fails the gated step."),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("Approval ID")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to approve, false to reject")),
		mcp.WithString("notes", mcp.Description("Reviewer notes")),
	)
	return tool, s.handleResolveApproval
}

func (s *Server) handleResolveApproval(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := request.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: approval_id"), nil
	}
	approved, err := request.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: approved"), nil
	}

	a, err := s.orch.ResolveApproval(ctx, approvalID, s.owner, approved, request.GetString("notes", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := json.Marshal(approvalOut(a))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal approval: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// findPlan resolves a plan by full ID or unique prefix among the
// owner's plans.
func (s *Server) findPlan(ctx context.Context, id string) (*models.Session, error) {
	if sess, err := s.orch.Store().GetSession(ctx, id); err == nil && sess.Owner == s.owner {
		return sess, nil
	}

	upper := strings.ToUpper(id)
	sessions, err := s.orch.GetRecentPlans(ctx, s.owner, true, 0)
	if err != nil {
		return nil, fmt.Errorf("plan not found: %s", id)
	}

	var matches []*models.Session
	for _, sess := range sessions {
		if strings.HasPrefix(sess.ID, upper) {
			matches = append(matches, sess)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("plan not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous plan ID %s: matches %d plans", id, len(matches))
	}
}

func planOut(sess *models.Session) map[string]any {
	out := map[string]any{
		"id":         sess.ID,
		"title":      sess.Title,
		"status":     string(sess.Status),
		"archived":   sess.Archived,
		"created_at": sess.CreatedAt.Format(time.RFC3339),
		"updated_at": sess.UpdatedAt.Format(time.RFC3339),
	}
	if sess.Description != "" {
		out["description"] = sess.Description
	}
	if sess.Summary != "" {
		out["summary"] = sess.Summary
	}
	if sess.LastError != "" {
		out["last_error"] = sess.LastError
	}
	return out
}

func stepOut(st *models.Step) map[string]any {
	out := map[string]any{
		"id":                st.ID,
		"plan_id":           st.SessionID,
		"seq":               st.Seq,
		"title":             st.Title,
		"status":            string(st.Status),
		"requires_approval": st.RequiresApproval,
		"tool":              st.ToolName,
	}
	if st.Description != "" {
		out["description"] = st.Description
	}
	if st.Result != "" {
		out["result"] = st.Result
	}
	if st.LastError != "" {
		out["last_error"] = st.LastError
	}
	return out
}

func approvalOut(a *models.Approval) map[string]any {
	out := map[string]any{
		"id":             a.ID,
		"plan_id":        a.SessionID,
		"status":         string(a.Status),
		"action_type":    a.ActionType,
		"action_summary": a.ActionSummary,
		"requested_by":   a.RequestedBy,
		"approver":       a.Approver,
		"requested_at":   a.RequestedAt.Format(time.RFC3339),
	}
	if a.StepID != "" {
		out["step_id"] = a.StepID
	}
	if a.ResolvedBy != "" {
		out["resolved_by"] = a.ResolvedBy
	}
	if a.Notes != "" {
		out["notes"] = a.Notes
	}
	if a.ResolvedAt != nil {
		out["resolved_at"] = a.ResolvedAt.Format(time.RFC3339)
	}
	return out
}
