package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorun-cli/autorun/internal/models"
)

func TestBuildPlanPrompt(t *testing.T) {
	system, user := buildPlanPrompt("ship the release", "github, staging", 5, true)

	assert.Contains(t, system, `"steps"`)
	assert.Contains(t, system, `"requires_approval"`)
	assert.Contains(t, system, "At most 5 steps")
	assert.Contains(t, system, "web_surfer")
	assert.Contains(t, system, "llm")

	assert.Contains(t, user, "ship the release")
	assert.Contains(t, user, "github, staging")

	_, user = buildPlanPrompt("goal", "", 3, false)
	assert.NotContains(t, user, "resources may be used")
}

func TestParseGeneratedSteps_JSON(t *testing.T) {
	raw := `{"steps":[
		{"title":"Check API","description":"call the API","tool":"web_surfer","requires_approval":true},
		{"title":"","description":"","tool":"shell"},
		{"title":"Write report","description":"summarize","tool":"coder","requires_approval":false}
	]}`

	drafts := parseGeneratedSteps(raw, "goal", 10, false)
	require.Len(t, drafts, 3)

	assert.Equal(t, "Check API", drafts[0].Title)
	assert.Equal(t, models.StepToolWebSurfer, drafts[0].Tool)
	assert.True(t, drafts[0].RequiresApproval)

	// Empty title gets a placeholder, empty description falls back to title,
	// unknown tool normalizes to llm, missing requires_approval uses default
	assert.Equal(t, "Untitled step", drafts[1].Title)
	assert.Equal(t, "Untitled step", drafts[1].Description)
	assert.Equal(t, models.StepToolLLM, drafts[1].Tool)
	assert.False(t, drafts[1].RequiresApproval)

	assert.Equal(t, models.StepToolCoder, drafts[2].Tool)
}

func TestParseGeneratedSteps_JSONFenced(t *testing.T) {
	raw := "```json\n{\"steps\":[{\"title\":\"one\",\"description\":\"d\",\"tool\":\"llm\"}]}\n```"
	drafts := parseGeneratedSteps(raw, "goal", 10, false)
	require.Len(t, drafts, 1)
	assert.Equal(t, "one", drafts[0].Title)
}

func TestParseGeneratedSteps_CapsAtMax(t *testing.T) {
	raw := `{"steps":[{"title":"a"},{"title":"b"},{"title":"c"},{"title":"d"}]}`
	drafts := parseGeneratedSteps(raw, "goal", 2, false)
	assert.Len(t, drafts, 2)
}

func TestParseGeneratedSteps_LineFallback(t *testing.T) {
	// Not valid JSON: each non-blank line becomes one step
	raw := "- call API\n- write report\n"
	drafts := parseGeneratedSteps(raw, "goal", 5, true)
	require.Len(t, drafts, 2)
	assert.Equal(t, "call API", drafts[0].Title)
	assert.Equal(t, "write report", drafts[1].Title)
	assert.Equal(t, models.StepToolLLM, drafts[0].Tool)
	assert.True(t, drafts[0].RequiresApproval)
}

func TestParseGeneratedSteps_LineBullets(t *testing.T) {
	raw := "1. first thing\n2) second thing\n* third\n• fourth\n\n   \n"
	drafts := parseGeneratedSteps(raw, "goal", 10, false)
	require.Len(t, drafts, 4)
	assert.Equal(t, "first thing", drafts[0].Title)
	assert.Equal(t, "second thing", drafts[1].Title)
	assert.Equal(t, "third", drafts[2].Title)
	assert.Equal(t, "fourth", drafts[3].Title)
}

func TestParseGeneratedSteps_LongLineTruncated(t *testing.T) {
	long := strings.Repeat("x", 80)
	drafts := parseGeneratedSteps("- "+long, "goal", 5, false)
	require.Len(t, drafts, 1)
	assert.Len(t, drafts[0].Title, 60)
	assert.True(t, strings.HasSuffix(drafts[0].Title, "..."))
	assert.Equal(t, long, drafts[0].Description, "description keeps the full line")
}

func TestParseGeneratedSteps_PlaceholderFallback(t *testing.T) {
	for _, raw := range []string{"", "   \n \n", "```\n```"} {
		drafts := parseGeneratedSteps(raw, "do the thing", 3, true)
		require.Len(t, drafts, 1, "raw=%q", raw)
		assert.Equal(t, "Analyze the goal and report findings", drafts[0].Title)
		assert.Equal(t, "do the thing", drafts[0].Description)
		assert.True(t, drafts[0].RequiresApproval)
	}
}

func TestGenerateSteps(t *testing.T) {
	gen := &stubGenerator{response: `{"steps":[{"title":"one","description":"d1","tool":"coder"},{"title":"two","description":"d2","tool":"llm"}]}`}
	svc := newTestService(t, gen)
	ctx := context.Background()
	sess := createTestPlan(t, svc, "alice")

	// Existing manual step: generated steps continue the sequence
	_, err := svc.AddStep(ctx, sess.ID, "alice", AddStepParams{Title: "manual"})
	require.NoError(t, err)

	steps, err := svc.GenerateSteps(ctx, sess.ID, "alice", "build it", 5, false)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[0].Seq)
	assert.Equal(t, 3, steps[1].Seq)
	assert.Equal(t, "coder", steps[0].ToolName)
	assert.Equal(t, models.StepStatusDraft, steps[0].Status)

	// The prompt carried the goal
	require.NotEmpty(t, gen.calls)
	found := false
	for _, m := range gen.calls[0] {
		if strings.Contains(m.Content, "build it") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestGenerateSteps_CollaboratorFailureFallsBack(t *testing.T) {
	gen := &stubGenerator{err: errors.New("model unavailable")}
	svc := newTestService(t, gen)
	ctx := context.Background()
	sess := createTestPlan(t, svc, "alice")

	steps, err := svc.GenerateSteps(ctx, sess.ID, "alice", "investigate outage", 3, false)
	require.NoError(t, err, "collaborator failure is recovered, not surfaced")
	require.Len(t, steps, 1)
	assert.Equal(t, "Analyze the goal and report findings", steps[0].Title)
	assert.Equal(t, "investigate outage", steps[0].Description)
}

func TestGenerateSteps_EmptyGoalStillYieldsOneStep(t *testing.T) {
	svc := newTestService(t, &stubGenerator{response: ""})
	ctx := context.Background()
	sess := createTestPlan(t, svc, "alice")

	steps, err := svc.GenerateSteps(ctx, sess.ID, "alice", "", 3, false)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "", steps[0].Description)
}

func TestGenerateSteps_ClampsMaxSteps(t *testing.T) {
	var titles []string
	for i := 0; i < 15; i++ {
		titles = append(titles, `{"title":"s"}`)
	}
	gen := &stubGenerator{response: `{"steps":[` + strings.Join(titles, ",") + `]}`}
	svc := newTestService(t, gen)
	ctx := context.Background()
	sess := createTestPlan(t, svc, "alice")

	steps, err := svc.GenerateSteps(ctx, sess.ID, "alice", "lots", 99, false)
	require.NoError(t, err)
	assert.Len(t, steps, 10)
}
