package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/autorun-cli/autorun/internal/llm"
	"github.com/autorun-cli/autorun/internal/models"
	"github.com/autorun-cli/autorun/internal/store"
)

// Service owns the session/step/approval state machines. All entity
// mutations flow through it (or the runner, which builds on it).
type Service struct {
	store store.Store
	gen   llm.Generator

	mu      sync.Mutex
	waiters map[string][]chan struct{} // approval id -> resolution signals
}

// NewService creates the orchestration service. gen may be nil if step
// generation is never used.
func NewService(s store.Store, gen llm.Generator) *Service {
	return &Service{
		store:   s,
		gen:     gen,
		waiters: make(map[string][]chan struct{}),
	}
}

// Store exposes the underlying store for read-only collaborators.
func (s *Service) Store() store.Store { return s.store }

// CreatePlanParams holds the caller-supplied fields for a new plan.
type CreatePlanParams struct {
	Owner            string
	Origin           string
	Title            string
	Description      string
	ApprovalPolicy   string
	AllowedResources string
}

// CreatePlan creates a new session in draft status.
func (s *Service) CreatePlan(ctx context.Context, p CreatePlanParams) (*models.Session, error) {
	if strings.TrimSpace(p.Owner) == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("title is required")
	}

	sess := &models.Session{
		Owner:            p.Owner,
		Origin:           p.Origin,
		Title:            p.Title,
		Description:      p.Description,
		Status:           models.SessionStatusDraft,
		ApprovalPolicy:   p.ApprovalPolicy,
		AllowedResources: p.AllowedResources,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	return sess, nil
}

// loadOwnedSession fetches a session and verifies the caller owns it.
func (s *Service) loadOwnedSession(ctx context.Context, sessionID, owner string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if sess.Owner != owner {
		return nil, fmt.Errorf("%w: %s does not own plan %s", ErrUnauthorized, owner, sessionID)
	}
	return sess, nil
}

// AddStepParams holds the caller-supplied fields for a new step.
type AddStepParams struct {
	Title            string
	Description      string
	RequiresApproval bool
	ToolName         string
	ToolArgs         string
}

// AddStep appends a step to the plan with the next sequence number.
// The step starts ready if the session is currently executing, draft
// otherwise.
func (s *Service) AddStep(ctx context.Context, sessionID, owner string, p AddStepParams) (*models.Step, error) {
	sess, err := s.loadOwnedSession(ctx, sessionID, owner)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrPlanFinished, sess.Status)
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("title is required")
	}

	max, err := s.store.MaxStepSeq(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("add step: %w", err)
	}

	status := models.StepStatusDraft
	if sess.Status == models.SessionStatusExecuting {
		status = models.StepStatusReady
	}

	step := &models.Step{
		SessionID:        sessionID,
		Seq:              max + 1,
		Title:            p.Title,
		Description:      p.Description,
		Status:           status,
		RequiresApproval: p.RequiresApproval,
		ToolName:         p.ToolName,
		ToolArgs:         p.ToolArgs,
	}
	if err := s.store.CreateStep(ctx, step); err != nil {
		return nil, fmt.Errorf("add step: %w", err)
	}
	return step, nil
}

// UpdateSessionStatus applies one transition from the legal table. On
// entering executing for the first time it stamps startedAt; on
// entering a terminal status it stamps completedAt.
func (s *Service) UpdateSessionStatus(ctx context.Context, sessionID, owner string, next models.SessionStatus, summary string) (*models.Session, error) {
	sess, err := s.loadOwnedSession(ctx, sessionID, owner)
	if err != nil {
		return nil, err
	}
	if !next.Valid() || !sess.Status.CanTransition(next) {
		return nil, &InvalidTransitionError{From: sess.Status, To: next}
	}

	now := time.Now().UTC()
	sess.Status = next
	if summary != "" {
		sess.Summary = summary
	}
	if next == models.SessionStatusExecuting && sess.StartedAt == nil {
		sess.StartedAt = &now
	}
	if next.Terminal() {
		sess.CompletedAt = &now
	}

	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("update session status: %w", err)
	}
	return sess, nil
}

// FailPlan records an error on the session and drives it to failed,
// walking through executing when the current status requires it.
func (s *Service) FailPlan(ctx context.Context, sessionID, owner, message string) (*models.Session, error) {
	sess, err := s.loadOwnedSession(ctx, sessionID, owner)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusWaitingApproval || sess.Status == models.SessionStatusPaused {
		if _, err := s.UpdateSessionStatus(ctx, sessionID, owner, models.SessionStatusExecuting, ""); err != nil {
			return nil, err
		}
	}
	sess, err = s.UpdateSessionStatus(ctx, sessionID, owner, models.SessionStatusFailed, message)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess.LastError = message
	sess.LastErrorAt = &now
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("record plan error: %w", err)
	}
	return sess, nil
}

// ArchivePlan soft-deletes a plan. Archiving is the only mutation
// allowed on a terminal session.
func (s *Service) ArchivePlan(ctx context.Context, sessionID, owner string) error {
	sess, err := s.loadOwnedSession(ctx, sessionID, owner)
	if err != nil {
		return err
	}
	if sess.Archived {
		return nil
	}
	sess.Archived = true
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("archive plan: %w", err)
	}
	return nil
}

// GetRecentPlans lists the owner's plans, most recent first.
func (s *Service) GetRecentPlans(ctx context.Context, owner string, includeArchived bool, limit int) ([]*models.Session, error) {
	return s.store.ListSessionsByOwner(ctx, owner, includeArchived, limit)
}

// PlanDetail bundles a session with its steps, approvals, and monitor.
type PlanDetail struct {
	Session   *models.Session
	Steps     []*models.Step
	Approvals []*models.Approval
	Monitor   *models.Monitor // nil if none scheduled
}

// GetPlanDetail loads a plan and everything it owns.
func (s *Service) GetPlanDetail(ctx context.Context, sessionID, owner string) (*PlanDetail, error) {
	sess, err := s.loadOwnedSession(ctx, sessionID, owner)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("plan detail: %w", err)
	}
	approvals, err := s.store.ListApprovals(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("plan detail: %w", err)
	}
	monitor, err := s.store.GetMonitorBySession(ctx, sessionID)
	if err != nil {
		monitor = nil // no monitor is the common case
	}
	return &PlanDetail{Session: sess, Steps: steps, Approvals: approvals, Monitor: monitor}, nil
}

// RequestApprovalParams holds the fields for a new approval request.
type RequestApprovalParams struct {
	StepID        string // optional
	ActionType    string
	ActionSummary string
	Approver      string // defaults to the plan owner
	Channel       string
}

// RequestApproval creates a pending approval for the plan.
func (s *Service) RequestApproval(ctx context.Context, sessionID, owner string, p RequestApprovalParams) (*models.Approval, error) {
	sess, err := s.loadOwnedSession(ctx, sessionID, owner)
	if err != nil {
		return nil, err
	}

	approver := p.Approver
	if approver == "" {
		approver = sess.Owner
	}
	a := &models.Approval{
		SessionID:     sessionID,
		StepID:        p.StepID,
		Status:        models.ApprovalStatusPending,
		ActionType:    p.ActionType,
		ActionSummary: p.ActionSummary,
		RequestedBy:   owner,
		Approver:      approver,
		Channel:       p.Channel,
	}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("request approval: %w", err)
	}
	return a, nil
}

// ResolveApproval records the single permitted resolution of an
// approval and cascades the outcome onto the referenced step. Resolving
// a non-pending approval fails with ErrAlreadyResolved and leaves the
// original resolution untouched.
func (s *Service) ResolveApproval(ctx context.Context, approvalID, reviewer string, approved bool, notes string) (*models.Approval, error) {
	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("%w: approval %s", ErrNotFound, approvalID)
	}
	if a.Status.Resolved() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, approvalID, a.Status)
	}
	if a.Approver != "" && reviewer != a.Approver {
		return nil, fmt.Errorf("%w: %s is not the designated approver", ErrUnauthorized, reviewer)
	}

	now := time.Now().UTC()
	if approved {
		a.Status = models.ApprovalStatusApproved
	} else {
		a.Status = models.ApprovalStatusRejected
	}
	a.ResolvedBy = reviewer
	a.ResolvedAt = &now
	a.Notes = notes
	if err := s.store.UpdateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}

	if a.StepID != "" {
		step, err := s.store.GetStep(ctx, a.StepID)
		if err == nil {
			if approved {
				step.Status = models.StepStatusApproved
			} else {
				step.Status = models.StepStatusRejected
			}
			step.ApprovedBy = reviewer
			step.ApprovedAt = &now
			if err := s.store.UpdateStep(ctx, step); err != nil {
				return nil, fmt.Errorf("resolve approval: update step: %w", err)
			}
		}
	}

	s.notifyWaiters(approvalID)
	return a, nil
}

// ListPendingApprovals lists unresolved approvals addressed to the
// given approver.
func (s *Service) ListPendingApprovals(ctx context.Context, approver string) ([]*models.Approval, error) {
	return s.store.ListPendingApprovalsByApprover(ctx, approver)
}

// ScheduleMonitorParams holds the fields for a new monitor.
type ScheduleMonitorParams struct {
	Type            string
	Target          string
	Condition       string
	IntervalMinutes int
}

// ScheduleMonitor attaches a recurring check to the plan. A plan has at
// most one monitor.
func (s *Service) ScheduleMonitor(ctx context.Context, sessionID, owner string, p ScheduleMonitorParams) (*models.Monitor, error) {
	if _, err := s.loadOwnedSession(ctx, sessionID, owner); err != nil {
		return nil, err
	}
	if p.IntervalMinutes <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}

	m := &models.Monitor{
		SessionID:       sessionID,
		Type:            p.Type,
		Target:          p.Target,
		Condition:       p.Condition,
		IntervalMinutes: p.IntervalMinutes,
		Status:          models.MonitorStatusPending,
		NextCheckAt:     time.Now().UTC().Add(time.Duration(p.IntervalMinutes) * time.Minute),
	}
	if err := s.store.CreateMonitor(ctx, m); err != nil {
		return nil, fmt.Errorf("schedule monitor: %w", err)
	}
	return m, nil
}

// --- Approval wait ---

// waitChan registers a signal channel for the approval id. The channel
// is closed (once) when the approval is resolved.
func (s *Service) waitChan(approvalID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[approvalID] = append(s.waiters[approvalID], ch)
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		chans := s.waiters[approvalID]
		for i, c := range chans {
			if c == ch {
				s.waiters[approvalID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(s.waiters[approvalID]) == 0 {
			delete(s.waiters, approvalID)
		}
	}
}

// notifyWaiters wakes every waiter blocked on the approval id.
func (s *Service) notifyWaiters(approvalID string) {
	s.mu.Lock()
	chans := s.waiters[approvalID]
	delete(s.waiters, approvalID)
	s.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// WaitForApproval blocks until the approval leaves pending or ctx is
// cancelled. Resolution is pushed by ResolveApproval; the poll interval
// is a safety net for resolutions written by another process.
func (s *Service) WaitForApproval(ctx context.Context, approvalID string, poll time.Duration) (*models.Approval, error) {
	if poll <= 0 {
		poll = 3 * time.Second
	}

	signal, cancel := s.waitChan(approvalID)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		a, err := s.store.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, fmt.Errorf("%w: approval %s", ErrNotFound, approvalID)
		}
		if a.Status.Resolved() {
			return a, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("approval wait: %w", ctx.Err())
		case <-signal:
		case <-ticker.C:
		}
	}
}
