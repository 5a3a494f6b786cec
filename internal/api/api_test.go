package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorun-cli/autorun/internal/llm"
	"github.com/autorun-cli/autorun/internal/models"
	"github.com/autorun-cli/autorun/internal/orchestrator"
	"github.com/autorun-cli/autorun/internal/runner"
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

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.Service) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	gen := &stubGenerator{response: "step done"}
	orch := orchestrator.NewService(s, gen)
	run := runner.New(orch, gen)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := NewServer(orch, run, "alice", log, NewMetrics())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, orch
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return res
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(out))
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)

	var payload map[string]any
	decodeBody(t, res, &payload)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "alice", payload["owner"])
}

func TestCreateListDetail(t *testing.T) {
	ts, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/plans", map[string]any{
		"title":       "Quarterly report",
		"description": "pull numbers and summarize",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var created sessionJSON
	decodeBody(t, res, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "draft", created.Status)
	assert.Equal(t, "alice", created.Owner)

	res = postJSON(t, ts.URL+"/v1/plans/"+created.ID+"/steps", map[string]any{
		"title":     "pull numbers",
		"tool_name": "coder",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var step stepJSON
	decodeBody(t, res, &step)
	assert.Equal(t, 1, step.Seq)

	listRes, err := http.Get(ts.URL + "/v1/plans")
	require.NoError(t, err)
	var listed struct {
		Plans []sessionJSON `json:"plans"`
	}
	decodeBody(t, listRes, &listed)
	require.Len(t, listed.Plans, 1)

	detailRes, err := http.Get(ts.URL + "/v1/plans/" + created.ID)
	require.NoError(t, err)
	var detail planDetailJSON
	decodeBody(t, detailRes, &detail)
	assert.Equal(t, created.ID, detail.Plan.ID)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, "pull numbers", detail.Steps[0].Title)
}

func TestPlanNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Get(ts.URL + "/v1/plans/01K00000000000000000000000")
	require.NoError(t, err)
	var e errorResponse
	decodeBody(t, res, &e)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", e.Code)
}

func TestInvalidTransition(t *testing.T) {
	ts, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/plans", map[string]any{"title": "Demo"})
	var created sessionJSON
	decodeBody(t, res, &created)

	res = postJSON(t, ts.URL+"/v1/plans/"+created.ID+"/status", map[string]any{"status": "completed"})
	var e errorResponse
	decodeBody(t, res, &e)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "invalid_transition", e.Code)

	res = postJSON(t, ts.URL+"/v1/plans/"+created.ID+"/status", map[string]any{"status": "ready"})
	var updated sessionJSON
	decodeBody(t, res, &updated)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ready", updated.Status)
}

func TestResolveApprovalConflict(t *testing.T) {
	ts, orch := newTestServer(t)
	ctx := context.Background()

	sess, err := orch.CreatePlan(ctx, orchestrator.CreatePlanParams{
		Owner: "alice", Origin: "cli:test", Title: "Demo",
	})
	require.NoError(t, err)
	approval, err := orch.RequestApproval(ctx, sess.ID, "alice", orchestrator.RequestApprovalParams{
		ActionType: "run_step", ActionSummary: "rotate keys",
	})
	require.NoError(t, err)

	res := postJSON(t, ts.URL+"/v1/approvals/"+approval.ID+"/resolve", map[string]any{
		"approved": true,
	})
	var resolved approvalJSON
	decodeBody(t, res, &resolved)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "approved", resolved.Status)

	res = postJSON(t, ts.URL+"/v1/approvals/"+approval.ID+"/resolve", map[string]any{
		"approved": false,
	})
	var e errorResponse
	decodeBody(t, res, &e)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_resolved", e.Code)
}

func TestRunEmptyPlan(t *testing.T) {
	ts, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/plans", map[string]any{"title": "Empty"})
	var created sessionJSON
	decodeBody(t, res, &created)

	res = postJSON(t, ts.URL+"/v1/plans/"+created.ID+"/run", map[string]any{})
	var e errorResponse
	decodeBody(t, res, &e)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "empty_plan", e.Code)

	// Generation fills the plan, after which a run is accepted.
	res = postJSON(t, ts.URL+"/v1/plans/"+created.ID+"/generate", map[string]any{
		"goal": "do the thing", "max_steps": 3,
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var gen struct {
		Steps []stepJSON `json:"steps"`
	}
	decodeBody(t, res, &gen)
	assert.NotEmpty(t, gen.Steps)
}

func TestRunAndStreamEvents(t *testing.T) {
	ts, orch := newTestServer(t)
	ctx := context.Background()

	sess, err := orch.CreatePlan(ctx, orchestrator.CreatePlanParams{
		Owner: "alice", Origin: "cli:test", Title: "Demo",
	})
	require.NoError(t, err)
	_, err = orch.AddStep(ctx, sess.ID, "alice", orchestrator.AddStepParams{Title: "only step"})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/plans/" + sess.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	res := postJSON(t, ts.URL+"/v1/plans/"+sess.ID+"/run", map[string]any{})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	res.Body.Close()

	var sawFinal bool
	deadline := time.Now().Add(5 * time.Second)
	for !sawFinal {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var e progressJSON
		err := conn.ReadJSON(&e)
		require.NoError(t, err, "reading progress event")
		assert.Equal(t, sess.ID, e.SessionID)
		sawFinal = e.IsFinal
	}

	require.Eventually(t, func() bool {
		d, err := orch.GetPlanDetail(ctx, sess.ID, "alice")
		return err == nil && d.Session.Status == models.SessionStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunConflictWhileBusy(t *testing.T) {
	ts, orch := newTestServer(t)
	ctx := context.Background()

	sess, err := orch.CreatePlan(ctx, orchestrator.CreatePlanParams{
		Owner: "alice", Origin: "cli:test", Title: "Demo",
	})
	require.NoError(t, err)
	_, err = orch.AddStep(ctx, sess.ID, "alice", orchestrator.AddStepParams{
		Title: "needs sign-off", RequiresApproval: true,
	})
	require.NoError(t, err)

	res := postJSON(t, ts.URL+"/v1/plans/"+sess.ID+"/run", map[string]any{})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	res.Body.Close()

	// The run parks on the approval, holding the per-plan slot.
	require.Eventually(t, func() bool {
		d, err := orch.GetPlanDetail(ctx, sess.ID, "alice")
		return err == nil && d.Session.Status == models.SessionStatusWaitingApproval
	}, 5*time.Second, 20*time.Millisecond)

	res = postJSON(t, ts.URL+"/v1/plans/"+sess.ID+"/run", map[string]any{})
	var e errorResponse
	decodeBody(t, res, &e)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "run_in_progress", e.Code)

	// Approve so the parked run finishes before the store closes.
	pending, err := orch.ListPendingApprovals(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = orch.ResolveApproval(ctx, pending[0].ID, "alice", true, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		d, err := orch.GetPlanDetail(ctx, sess.ID, "alice")
		return err == nil && d.Session.Status == models.SessionStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "autorun_runs_started_total")
}
