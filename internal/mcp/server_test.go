package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorun-cli/autorun/internal/llm"
	"github.com/autorun-cli/autorun/internal/models"
	"github.com/autorun-cli/autorun/internal/orchestrator"
	"github.com/autorun-cli/autorun/internal/store"
)

type stubGenerator struct {
	response string
}

func (g *stubGenerator) Complete(ctx context.Context, _ []llm.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.response, nil
}

func newTestServer(t *testing.T) (*Server, *orchestrator.Service) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	orch := orchestrator.NewService(s, &stubGenerator{response: "- research\n- summarize\n"})
	return NewServer(orch, "alice"), orch
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

func TestCreateAndListPlans(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleCreatePlan(ctx, callToolReq("autorun_create_plan", map[string]any{
		"title":       "Quarterly report",
		"description": "pull numbers and summarize",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var created map[string]any
	resultJSON(t, result, &created)
	assert.Equal(t, "draft", created["status"])
	assert.NotEmpty(t, created["id"])

	result, err = srv.handleListPlans(ctx, callToolReq("autorun_list_plans", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var plans []map[string]any
	resultJSON(t, result, &plans)
	require.Len(t, plans, 1)
	assert.Equal(t, "Quarterly report", plans[0]["title"])
}

func TestCreatePlanMissingTitle(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleCreatePlan(context.Background(), callToolReq("autorun_create_plan", nil))
	require.NoError(t, err, "handler should not return Go error; should wrap in result")
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "title")
}

func TestAddStepAndDetailByPrefix(t *testing.T) {
	srv, orch := newTestServer(t)
	ctx := context.Background()

	sess, err := orch.CreatePlan(ctx, orchestrator.CreatePlanParams{
		Owner: "alice", Origin: "cli:test", Title: "Demo",
	})
	require.NoError(t, err)

	result, err := srv.handleAddStep(ctx, callToolReq("autorun_add_step", map[string]any{
		"plan_id":           sess.ID,
		"title":             "gather data",
		"tool":              "browser",
		"requires_approval": true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var step map[string]any
	resultJSON(t, result, &step)
	assert.Equal(t, float64(1), step["seq"])
	assert.Equal(t, "llm", step["tool"], "unknown labels normalize to llm")
	assert.Equal(t, true, step["requires_approval"])

	// Prefix resolution.
	result, err = srv.handlePlanDetail(ctx, callToolReq("autorun_plan_detail", map[string]any{
		"plan_id": sess.ID[:8],
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var detail struct {
		Plan  map[string]any   `json:"plan"`
		Steps []map[string]any `json:"steps"`
	}
	resultJSON(t, result, &detail)
	assert.Equal(t, sess.ID, detail.Plan["id"])
	require.Len(t, detail.Steps, 1)
}

func TestPlanNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handlePlanDetail(context.Background(), callToolReq("autorun_plan_detail", map[string]any{
		"plan_id": "01K00000000000000000000000",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "plan not found")
}

func TestGenerateStepsFallsBackToLines(t *testing.T) {
	srv, orch := newTestServer(t)
	ctx := context.Background()

	sess, err := orch.CreatePlan(ctx, orchestrator.CreatePlanParams{
		Owner: "alice", Origin: "cli:test", Title: "Demo",
	})
	require.NoError(t, err)

	result, err := srv.handleGenerateSteps(ctx, callToolReq("autorun_generate_steps", map[string]any{
		"plan_id":   sess.ID,
		"goal":      "write the report",
		"max_steps": 5,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var steps []map[string]any
	resultJSON(t, result, &steps)
	require.Len(t, steps, 2)
	assert.Equal(t, "research", steps[0]["title"])
	assert.Equal(t, "summarize", steps[1]["title"])
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	srv, orch := newTestServer(t)
	ctx := context.Background()

	sess, err := orch.CreatePlan(ctx, orchestrator.CreatePlanParams{
		Owner: "alice", Origin: "cli:test", Title: "Demo",
	})
	require.NoError(t, err)

	result, err := srv.handleUpdateStatus(ctx, callToolReq("autorun_update_status", map[string]any{
		"plan_id": sess.ID,
		"status":  "completed",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid session transition")

	result, err = srv.handleUpdateStatus(ctx, callToolReq("autorun_update_status", map[string]any{
		"plan_id": sess.ID,
		"status":  "ready",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var updated map[string]any
	resultJSON(t, result, &updated)
	assert.Equal(t, "ready", updated["status"])
}

func TestResolveApprovalLifecycle(t *testing.T) {
	srv, orch := newTestServer(t)
	ctx := context.Background()

	sess, err := orch.CreatePlan(ctx, orchestrator.CreatePlanParams{
		Owner: "alice", Origin: "cli:test", Title: "Demo",
	})
	require.NoError(t, err)
	step, err := orch.AddStep(ctx, sess.ID, "alice", orchestrator.AddStepParams{
		Title: "rotate keys", RequiresApproval: true,
	})
	require.NoError(t, err)
	approval, err := orch.RequestApproval(ctx, sess.ID, "alice", orchestrator.RequestApprovalParams{
		StepID: step.ID, ActionType: "run_step", ActionSummary: step.Title,
	})
	require.NoError(t, err)

	result, err := srv.handleListApprovals(ctx, callToolReq("autorun_list_approvals", nil))
	require.NoError(t, err)
	var pending []map[string]any
	resultJSON(t, result, &pending)
	require.Len(t, pending, 1)

	result, err = srv.handleResolveApproval(ctx, callToolReq("autorun_resolve_approval", map[string]any{
		"approval_id": approval.ID,
		"approved":    false,
		"notes":       "too risky",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resolved map[string]any
	resultJSON(t, result, &resolved)
	assert.Equal(t, "rejected", resolved["status"])

	got, err := orch.Store().GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusRejected, got.Status)

	// Second resolution is refused.
	result, err = srv.handleResolveApproval(ctx, callToolReq("autorun_resolve_approval", map[string]any{
		"approval_id": approval.ID,
		"approved":    true,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "already")
}

func TestMCPServerRegistersTools(t *testing.T) {
	srv, _ := newTestServer(t)
	s := srv.MCPServer()
	require.NotNil(t, s)
}
