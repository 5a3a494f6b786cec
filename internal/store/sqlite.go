package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/autorun-cli/autorun/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent runs.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusDraft
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, origin, title, description, status, approval_policy, allowed_resources, plan_log, summary, last_error, archived, created_at, updated_at, started_at, completed_at, last_error_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Owner, sess.Origin, sess.Title, sess.Description,
		string(sess.Status), sess.ApprovalPolicy, sess.AllowedResources,
		sess.PlanLog, sess.Summary, sess.LastError, boolToInt(sess.Archived),
		sess.CreatedAt, sess.UpdatedAt, sess.StartedAt, sess.CompletedAt, sess.LastErrorAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, owner, origin, title, description, status, approval_policy, allowed_resources, plan_log, summary, last_error, archived, created_at, updated_at, started_at, completed_at, last_error_at`

// scanSession scans one session row from a row scanner.
func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	sess := &models.Session{}
	var status string
	var startedAt, completedAt, lastErrorAt sql.NullTime

	err := row.Scan(&sess.ID, &sess.Owner, &sess.Origin, &sess.Title, &sess.Description,
		&status, &sess.ApprovalPolicy, &sess.AllowedResources,
		&sess.PlanLog, &sess.Summary, &sess.LastError, &sess.Archived,
		&sess.CreatedAt, &sess.UpdatedAt, &startedAt, &completedAt, &lastErrorAt)
	if err != nil {
		return nil, err
	}

	sess.Status = models.SessionStatus(status)
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	if lastErrorAt.Valid {
		sess.LastErrorAt = &lastErrorAt.Time
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET owner=?, origin=?, title=?, description=?, status=?, approval_policy=?, allowed_resources=?, plan_log=?, summary=?, last_error=?, archived=?, updated_at=?, started_at=?, completed_at=?, last_error_at=?
		WHERE id=?`,
		sess.Owner, sess.Origin, sess.Title, sess.Description, string(sess.Status),
		sess.ApprovalPolicy, sess.AllowedResources, sess.PlanLog, sess.Summary,
		sess.LastError, boolToInt(sess.Archived), sess.UpdatedAt,
		sess.StartedAt, sess.CompletedAt, sess.LastErrorAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", sess.ID)
	}
	return nil
}

func (s *SQLiteStore) ListSessionsByOwner(ctx context.Context, owner string, includeArchived bool, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE owner = ?`
	args := []any{owner}

	if !includeArchived {
		query += " AND archived = 0"
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Steps ---

func (s *SQLiteStore) CreateStep(ctx context.Context, step *models.Step) error {
	if step.ID == "" {
		step.ID = newULID()
	}
	if step.Status == "" {
		step.Status = models.StepStatusDraft
	}
	now := time.Now().UTC()
	step.CreatedAt = now
	step.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (id, session_id, seq, title, description, status, requires_approval, tool_name, tool_args, result, last_error, approved_by, started_at, completed_at, approved_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.SessionID, step.Seq, step.Title, step.Description,
		string(step.Status), boolToInt(step.RequiresApproval),
		step.ToolName, step.ToolArgs, step.Result, step.LastError, step.ApprovedBy,
		step.StartedAt, step.CompletedAt, step.ApprovedAt, step.CreatedAt, step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create step: %w", err)
	}
	return nil
}

const stepColumns = `id, session_id, seq, title, description, status, requires_approval, tool_name, tool_args, result, last_error, approved_by, started_at, completed_at, approved_at, created_at, updated_at`

// scanStep scans one step row from a row scanner.
func scanStep(row interface{ Scan(...any) error }) (*models.Step, error) {
	step := &models.Step{}
	var status string
	var startedAt, completedAt, approvedAt sql.NullTime

	err := row.Scan(&step.ID, &step.SessionID, &step.Seq, &step.Title, &step.Description,
		&status, &step.RequiresApproval, &step.ToolName, &step.ToolArgs,
		&step.Result, &step.LastError, &step.ApprovedBy,
		&startedAt, &completedAt, &approvedAt, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}

	step.Status = models.StepStatus(status)
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}
	if approvedAt.Valid {
		step.ApprovedAt = &approvedAt.Time
	}
	return step, nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, id string) (*models.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("step not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return step, nil
}

func (s *SQLiteStore) UpdateStep(ctx context.Context, step *models.Step) error {
	step.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE steps SET title=?, description=?, status=?, requires_approval=?, tool_name=?, tool_args=?, result=?, last_error=?, approved_by=?, started_at=?, completed_at=?, approved_at=?, updated_at=?
		WHERE id=?`,
		step.Title, step.Description, string(step.Status), boolToInt(step.RequiresApproval),
		step.ToolName, step.ToolArgs, step.Result, step.LastError, step.ApprovedBy,
		step.StartedAt, step.CompletedAt, step.ApprovedAt, step.UpdatedAt, step.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("step not found: %s", step.ID)
	}
	return nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, sessionID string) ([]*models.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) MaxStepSeq(ctx context.Context, sessionID string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM steps WHERE session_id = ?", sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max step seq: %w", err)
	}
	return max, nil
}

// --- Approvals ---

func (s *SQLiteStore) CreateApproval(ctx context.Context, a *models.Approval) error {
	if a.ID == "" {
		a.ID = newULID()
	}
	if a.Status == "" {
		a.Status = models.ApprovalStatusPending
	}
	a.RequestedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, session_id, step_id, status, action_type, action_summary, requested_by, approver, resolved_by, notes, channel, requested_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.StepID, string(a.Status), a.ActionType, a.ActionSummary,
		a.RequestedBy, a.Approver, a.ResolvedBy, a.Notes, a.Channel,
		a.RequestedAt, a.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

const approvalColumns = `id, session_id, step_id, status, action_type, action_summary, requested_by, approver, resolved_by, notes, channel, requested_at, resolved_at`

// scanApproval scans one approval row from a row scanner.
func scanApproval(row interface{ Scan(...any) error }) (*models.Approval, error) {
	a := &models.Approval{}
	var status string
	var resolvedAt sql.NullTime

	err := row.Scan(&a.ID, &a.SessionID, &a.StepID, &status, &a.ActionType, &a.ActionSummary,
		&a.RequestedBy, &a.Approver, &a.ResolvedBy, &a.Notes, &a.Channel,
		&a.RequestedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	a.Status = models.ApprovalStatus(status)
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return a, nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) UpdateApproval(ctx context.Context, a *models.Approval) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status=?, action_type=?, action_summary=?, approver=?, resolved_by=?, notes=?, channel=?, resolved_at=?
		WHERE id=?`,
		string(a.Status), a.ActionType, a.ActionSummary, a.Approver,
		a.ResolvedBy, a.Notes, a.Channel, a.ResolvedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("approval not found: %s", a.ID)
	}
	return nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, sessionID string) ([]*models.Approval, error) {
	return s.scanApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE session_id = ? ORDER BY requested_at`, sessionID)
}

func (s *SQLiteStore) ListPendingApprovalsByApprover(ctx context.Context, approver string) ([]*models.Approval, error) {
	return s.scanApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE approver = ? AND status = 'pending' ORDER BY requested_at`, approver)
}

// scanApprovals is a shared helper for scanning approval rows.
func (s *SQLiteStore) scanApprovals(ctx context.Context, query string, args ...any) ([]*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var approvals []*models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// --- Monitors ---

func (s *SQLiteStore) CreateMonitor(ctx context.Context, m *models.Monitor) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	if m.Status == "" {
		m.Status = models.MonitorStatusPending
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.NextCheckAt.IsZero() {
		m.NextCheckAt = now.Add(time.Duration(m.IntervalMinutes) * time.Minute)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitors (id, session_id, type, target, condition, interval_minutes, status, last_result, failure_count, next_check_at, last_check_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Type, m.Target, m.Condition, m.IntervalMinutes,
		string(m.Status), m.LastResult, m.FailureCount,
		m.NextCheckAt, m.LastCheckAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}
	return nil
}

const monitorColumns = `id, session_id, type, target, condition, interval_minutes, status, last_result, failure_count, next_check_at, last_check_at, created_at, updated_at`

// scanMonitor scans one monitor row from a row scanner.
func scanMonitor(row interface{ Scan(...any) error }) (*models.Monitor, error) {
	m := &models.Monitor{}
	var status string
	var lastCheckAt sql.NullTime

	err := row.Scan(&m.ID, &m.SessionID, &m.Type, &m.Target, &m.Condition,
		&m.IntervalMinutes, &status, &m.LastResult, &m.FailureCount,
		&m.NextCheckAt, &lastCheckAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.Status = models.MonitorStatus(status)
	if lastCheckAt.Valid {
		m.LastCheckAt = &lastCheckAt.Time
	}
	return m, nil
}

func (s *SQLiteStore) GetMonitor(ctx context.Context, id string) (*models.Monitor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE id = ?`, id)
	m, err := scanMonitor(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("monitor not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get monitor: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetMonitorBySession(ctx context.Context, sessionID string) (*models.Monitor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE session_id = ?`, sessionID)
	m, err := scanMonitor(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no monitor for session: %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get monitor by session: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) UpdateMonitor(ctx context.Context, m *models.Monitor) error {
	m.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET type=?, target=?, condition=?, interval_minutes=?, status=?, last_result=?, failure_count=?, next_check_at=?, last_check_at=?, updated_at=?
		WHERE id=?`,
		m.Type, m.Target, m.Condition, m.IntervalMinutes, string(m.Status),
		m.LastResult, m.FailureCount, m.NextCheckAt, m.LastCheckAt, m.UpdatedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("update monitor: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("monitor not found: %s", m.ID)
	}
	return nil
}

func (s *SQLiteStore) ListDueMonitors(ctx context.Context, before time.Time, limit int) ([]*models.Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors
		WHERE next_check_at <= ? AND status IN ('pending', 'active', 'waiting')
		ORDER BY next_check_at`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due monitors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var monitors []*models.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}
