package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorun-cli/autorun/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(t *testing.T, s *SQLiteStore, owner string) *models.Session {
	t.Helper()
	sess := &models.Session{
		Owner:  owner,
		Origin: "cli:test",
		Title:  "Test plan",
		Status: models.SessionStatusDraft,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Session CRUD ---

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{
		Owner:            "alice",
		Origin:           "cli:laptop",
		Title:            "Ship the release",
		Description:      "all the things",
		ApprovalPolicy:   "risky_only",
		AllowedResources: "github, staging",
	}
	err := s.CreateSession(ctx, sess)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, models.SessionStatusDraft, sess.Status)
	assert.False(t, sess.CreatedAt.IsZero())

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ship the release", got.Title)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "risky_only", got.ApprovalPolicy)
	assert.Nil(t, got.StartedAt)

	// Update
	now := time.Now().UTC()
	got.Status = models.SessionStatusReady
	got.Summary = "ready to go"
	got.StartedAt = &now
	require.NoError(t, s.UpdateSession(ctx, got))

	got2, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusReady, got2.Status)
	assert.Equal(t, "ready to go", got2.Summary)
	require.NotNil(t, got2.StartedAt)

	// Unknown id
	_, err = s.GetSession(ctx, "nope")
	assert.Error(t, err)
	err = s.UpdateSession(ctx, &models.Session{ID: "nope"})
	assert.Error(t, err)
}

func TestListSessionsByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestSession(t, s, "alice")
	b := newTestSession(t, s, "alice")
	newTestSession(t, s, "bob")

	b.Archived = true
	require.NoError(t, s.UpdateSession(ctx, b))

	sessions, err := s.ListSessionsByOwner(ctx, "alice", false, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, a.ID, sessions[0].ID)

	sessions, err = s.ListSessionsByOwner(ctx, "alice", true, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	sessions, err = s.ListSessionsByOwner(ctx, "alice", true, 1)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	sessions, err = s.ListSessionsByOwner(ctx, "carol", true, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 0)
}

// --- Steps ---

func TestStepCRUDAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s, "alice")

	max, err := s.MaxStepSeq(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, max)

	for i := 1; i <= 3; i++ {
		step := &models.Step{
			SessionID:        sess.ID,
			Seq:              i,
			Title:            "step",
			RequiresApproval: i == 2,
			ToolName:         "llm",
		}
		require.NoError(t, s.CreateStep(ctx, step))
		assert.NotEmpty(t, step.ID)
	}

	max, err = s.MaxStepSeq(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, max)

	steps, err := s.ListSteps(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i+1, step.Seq)
	}
	assert.True(t, steps[1].RequiresApproval)

	// Update
	steps[0].Status = models.StepStatusCompleted
	steps[0].Result = "done"
	now := time.Now().UTC()
	steps[0].CompletedAt = &now
	require.NoError(t, s.UpdateStep(ctx, steps[0]))

	got, err := s.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
	require.NotNil(t, got.CompletedAt)

	// Duplicate seq within a session is rejected
	dup := &models.Step{SessionID: sess.ID, Seq: 2, Title: "dup"}
	assert.Error(t, s.CreateStep(ctx, dup))
}

func TestStepCascadeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s, "alice")

	step := &models.Step{SessionID: sess.ID, Seq: 1, Title: "step"}
	require.NoError(t, s.CreateStep(ctx, step))

	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sess.ID)
	require.NoError(t, err)

	_, err = s.GetStep(ctx, step.ID)
	assert.Error(t, err, "steps should cascade with their session")
}

// --- Approvals ---

func TestApprovalCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s, "alice")

	a := &models.Approval{
		SessionID:     sess.ID,
		StepID:        "",
		ActionType:    "run_step",
		ActionSummary: "Deploy to staging",
		RequestedBy:   "alice",
		Approver:      "alice",
	}
	require.NoError(t, s.CreateApproval(ctx, a))
	assert.Equal(t, models.ApprovalStatusPending, a.Status)
	assert.False(t, a.RequestedAt.IsZero())

	pending, err := s.ListPendingApprovalsByApprover(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	now := time.Now().UTC()
	a.Status = models.ApprovalStatusApproved
	a.ResolvedBy = "alice"
	a.ResolvedAt = &now
	a.Notes = "lgtm"
	require.NoError(t, s.UpdateApproval(ctx, a))

	got, err := s.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, got.Status)
	assert.Equal(t, "lgtm", got.Notes)
	require.NotNil(t, got.ResolvedAt)

	pending, err = s.ListPendingApprovalsByApprover(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, pending, 0)

	all, err := s.ListApprovals(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// --- Monitors ---

func TestMonitorCRUDAndDueListing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s, "alice")

	m := &models.Monitor{
		SessionID:       sess.ID,
		Type:            "recheck",
		Target:          "https://status.example.com",
		Condition:       `{"expect":"up"}`,
		IntervalMinutes: 15,
		NextCheckAt:     time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, s.CreateMonitor(ctx, m))
	assert.Equal(t, models.MonitorStatusPending, m.Status)

	got, err := s.GetMonitorBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	due, err := s.ListDueMonitors(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Advance past due window
	now := time.Now().UTC()
	got.LastCheckAt = &now
	got.NextCheckAt = now.Add(15 * time.Minute)
	got.Status = models.MonitorStatusActive
	require.NoError(t, s.UpdateMonitor(ctx, got))

	due, err = s.ListDueMonitors(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Len(t, due, 0)

	// One monitor per session
	dup := &models.Monitor{SessionID: sess.ID, IntervalMinutes: 5}
	assert.Error(t, s.CreateMonitor(ctx, dup))
}

func TestListDueMonitorsSkipsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s, "alice")

	m := &models.Monitor{
		SessionID:       sess.ID,
		IntervalMinutes: 5,
		NextCheckAt:     time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.CreateMonitor(ctx, m))

	m.Status = models.MonitorStatusCancelled
	require.NoError(t, s.UpdateMonitor(ctx, m))

	due, err := s.ListDueMonitors(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Len(t, due, 0)
}
