package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/autorun-cli/autorun/internal/llm"
	"github.com/autorun-cli/autorun/internal/models"
	"github.com/autorun-cli/autorun/internal/orchestrator"
)

// ErrRunInProgress means a second Run was invoked for a session that
// already has an in-flight run. The engine is single-writer per
// session, so the second caller is rejected rather than raced.
var ErrRunInProgress = errors.New("a run is already in progress for this plan")

// ErrStepRejected means the approval gating a step was rejected, which
// aborts the whole run.
var ErrStepRejected = errors.New("step rejected")

// StepExecutionError is the fatal failure of one step. Nothing is
// retried; the step and the session are both marked failed.
type StepExecutionError struct {
	StepID string
	Seq    int
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d failed: %v", e.Seq, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// emptyResultPlaceholder replaces blank completions so an empty model
// reply is not mistaken for a failure.
const emptyResultPlaceholder = "(no content produced)"

// defaultPollInterval is the re-check cadence while waiting for an
// approval written by another process.
const defaultPollInterval = 3 * time.Second

// ProgressEvent reports one state change during an autorun. StepID is
// empty for session-level events. IsFinal marks the last event of a
// run, whether it succeeded, was rejected, or failed.
type ProgressEvent struct {
	SessionID      string
	StepID         string
	StepSeq        int
	StepTitle      string
	Status         models.StepStatus
	Message        string
	ApprovalID     string
	ApprovalStatus models.ApprovalStatus
	IsFinal        bool
}

// ProgressFunc receives progress events as the run advances.
type ProgressFunc func(ProgressEvent)

// Runner drives a plan to completion unattended: steps run strictly in
// sequence, approval-gated steps suspend until resolved, and the first
// failure or rejection stops the run.
type Runner struct {
	orch *orchestrator.Service
	gen  llm.Generator

	pollInterval time.Duration

	mu     sync.Mutex
	active map[string]struct{} // session ids with an in-flight run
}

// New creates a Runner on top of the orchestration service.
func New(orch *orchestrator.Service, gen llm.Generator) *Runner {
	return &Runner{
		orch:         orch,
		gen:          gen,
		pollInterval: defaultPollInterval,
		active:       make(map[string]struct{}),
	}
}

// acquire claims the single-run slot for a session.
func (r *Runner) acquire(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[sessionID]; busy {
		return false
	}
	r.active[sessionID] = struct{}{}
	return true
}

// Busy reports whether a run is currently in flight for the session.
func (r *Runner) Busy(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.active[sessionID]
	return busy
}

func (r *Runner) release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sessionID)
}

// Run executes every step of the plan in sequence order. progress may
// be nil. Cancellation of ctx unwinds the run as a context error; the
// engine never continues past a cancelled wait.
func (r *Runner) Run(ctx context.Context, sessionID, owner string, autoApprove bool, progress ProgressFunc) error {
	if progress == nil {
		progress = func(ProgressEvent) {}
	}
	if !r.acquire(sessionID) {
		return fmt.Errorf("%w: %s", ErrRunInProgress, sessionID)
	}
	defer r.release(sessionID)

	detail, err := r.orch.GetPlanDetail(ctx, sessionID, owner)
	if err != nil {
		return err
	}
	sess := detail.Session
	if len(detail.Steps) == 0 {
		return fmt.Errorf("%w: %s", orchestrator.ErrEmptyPlan, sessionID)
	}

	if err := r.beginExecution(ctx, sess, owner); err != nil {
		return err
	}

	for _, step := range detail.Steps {
		if err := r.runStep(ctx, sess, step, owner, autoApprove, progress); err != nil {
			return err
		}
	}

	if _, err := r.orch.UpdateSessionStatus(ctx, sessionID, owner, models.SessionStatusCompleted, "Autorun completed"); err != nil {
		return err
	}
	progress(ProgressEvent{
		SessionID: sessionID,
		Status:    models.StepStatusCompleted,
		Message:   fmt.Sprintf("Autorun completed: %d steps", len(detail.Steps)),
		IsFinal:   true,
	})
	return nil
}

// beginExecution walks the session to executing along legal edges. A
// draft plan passes through ready first; a run may also resume from
// paused or waiting_approval.
func (r *Runner) beginExecution(ctx context.Context, sess *models.Session, owner string) error {
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: %s", orchestrator.ErrPlanFinished, sess.Status)
	}
	if sess.Status == models.SessionStatusDraft {
		if _, err := r.orch.UpdateSessionStatus(ctx, sess.ID, owner, models.SessionStatusReady, ""); err != nil {
			return err
		}
		sess.Status = models.SessionStatusReady
	}
	if sess.Status == models.SessionStatusExecuting {
		return nil
	}
	updated, err := r.orch.UpdateSessionStatus(ctx, sess.ID, owner, models.SessionStatusExecuting, "Autorun started")
	if err != nil {
		return err
	}
	*sess = *updated
	return nil
}

// runStep drives one step through its lifecycle. A returned error
// aborts the run.
func (r *Runner) runStep(ctx context.Context, sess *models.Session, step *models.Step, owner string, autoApprove bool, progress ProgressFunc) error {
	st := r.orch.Store()

	now := time.Now().UTC()
	step.Status = models.StepStatusRunning
	step.StartedAt = &now
	if err := st.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}
	progress(ProgressEvent{
		SessionID: sess.ID,
		StepID:    step.ID,
		StepSeq:   step.Seq,
		StepTitle: step.Title,
		Status:    models.StepStatusRunning,
	})

	if step.RequiresApproval && !autoApprove {
		if err := r.awaitApproval(ctx, sess, step, owner, progress); err != nil {
			return err
		}
	}

	result, err := r.executeStep(ctx, step)
	if err != nil {
		// Cancellation unwinds as-is; the caller owns the bookkeeping
		// for an interrupted run.
		if ctx.Err() != nil {
			return fmt.Errorf("run cancelled: %w", ctx.Err())
		}
		return r.failStep(ctx, sess, step, owner, err, progress)
	}

	done := time.Now().UTC()
	step.Status = models.StepStatusCompleted
	step.Result = result
	step.CompletedAt = &done
	if err := st.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("mark step completed: %w", err)
	}
	progress(ProgressEvent{
		SessionID: sess.ID,
		StepID:    step.ID,
		StepSeq:   step.Seq,
		StepTitle: step.Title,
		Status:    models.StepStatusCompleted,
	})
	return nil
}

// awaitApproval parks the run on a pending approval until it resolves
// or ctx fires. A rejection fails the whole plan.
func (r *Runner) awaitApproval(ctx context.Context, sess *models.Session, step *models.Step, owner string, progress ProgressFunc) error {
	approval, err := r.orch.RequestApproval(ctx, sess.ID, owner, orchestrator.RequestApprovalParams{
		StepID:        step.ID,
		ActionType:    "run_step",
		ActionSummary: step.Title,
		Channel:       sess.Origin,
	})
	if err != nil {
		return err
	}

	step.Status = models.StepStatusWaitingApproval
	if err := r.orch.Store().UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("mark step waiting: %w", err)
	}
	if _, err := r.orch.UpdateSessionStatus(ctx, sess.ID, owner, models.SessionStatusWaitingApproval,
		fmt.Sprintf("Waiting for approval: %s", step.Title)); err != nil {
		return err
	}
	progress(ProgressEvent{
		SessionID:      sess.ID,
		StepID:         step.ID,
		StepSeq:        step.Seq,
		StepTitle:      step.Title,
		Status:         models.StepStatusWaitingApproval,
		ApprovalID:     approval.ID,
		ApprovalStatus: approval.Status,
	})

	resolved, err := r.orch.WaitForApproval(ctx, approval.ID, r.pollInterval)
	if err != nil {
		return err
	}

	if resolved.Status != models.ApprovalStatusApproved {
		// ResolveApproval already marked the step rejected.
		msg := fmt.Sprintf("Step %d rejected: %s", step.Seq, step.Title)
		if _, err := r.orch.FailPlan(ctx, sess.ID, owner, msg); err != nil {
			return err
		}
		progress(ProgressEvent{
			SessionID:      sess.ID,
			StepID:         step.ID,
			StepSeq:        step.Seq,
			StepTitle:      step.Title,
			Status:         models.StepStatusRejected,
			Message:        msg,
			ApprovalID:     resolved.ID,
			ApprovalStatus: resolved.Status,
			IsFinal:        true,
		})
		return fmt.Errorf("%w: step %d", ErrStepRejected, step.Seq)
	}

	if _, err := r.orch.UpdateSessionStatus(ctx, sess.ID, owner, models.SessionStatusExecuting, "Approval granted"); err != nil {
		return err
	}
	progress(ProgressEvent{
		SessionID:      sess.ID,
		StepID:         step.ID,
		StepSeq:        step.Seq,
		StepTitle:      step.Title,
		Status:         models.StepStatusApproved,
		Message:        "Approval granted",
		ApprovalID:     resolved.ID,
		ApprovalStatus: resolved.Status,
	})

	step.Status = models.StepStatusRunning
	return r.orch.Store().UpdateStep(ctx, step)
}

// failStep records a fatal step failure and fails the plan with the
// same message.
func (r *Runner) failStep(ctx context.Context, sess *models.Session, step *models.Step, owner string, cause error, progress ProgressFunc) error {
	now := time.Now().UTC()
	step.Status = models.StepStatusFailed
	step.LastError = cause.Error()
	step.CompletedAt = &now
	if err := r.orch.Store().UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}
	if _, err := r.orch.FailPlan(ctx, sess.ID, owner, cause.Error()); err != nil {
		return err
	}
	progress(ProgressEvent{
		SessionID: sess.ID,
		StepID:    step.ID,
		StepSeq:   step.Seq,
		StepTitle: step.Title,
		Status:    models.StepStatusFailed,
		Message:   cause.Error(),
		IsFinal:   true,
	})
	return &StepExecutionError{StepID: step.ID, Seq: step.Seq, Err: cause}
}

// buildStepPrompt constructs the execution conversation for one step.
func buildStepPrompt(step *models.Step) []llm.Message {
	system := `You are an autonomous execution agent working through a pre-approved plan one step at a time. Perform the step you are given and reply with a short result narrative. Keep the reply under 200 words. Use markdown for any code.`

	var sb strings.Builder
	sb.WriteString("Step: ")
	sb.WriteString(step.Title)
	sb.WriteString("\n")
	if step.Description != "" {
		sb.WriteString("\nDetails:\n")
		sb.WriteString(step.Description)
		sb.WriteString("\n")
	}
	if step.ToolName != "" {
		sb.WriteString("\nTool: ")
		sb.WriteString(step.ToolName)
		sb.WriteString("\n")
	}
	if step.ToolArgs != "" {
		sb.WriteString("\nTool arguments:\n")
		sb.WriteString(step.ToolArgs)
		sb.WriteString("\n")
	}
	return []llm.Message{llm.System(system), llm.User(sb.String())}
}

// executeStep asks the generation collaborator to perform the step.
// Blank completions are normalized to a placeholder, not failed.
func (r *Runner) executeStep(ctx context.Context, step *models.Step) (string, error) {
	out, err := r.gen.Complete(ctx, buildStepPrompt(step))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		out = emptyResultPlaceholder
	}
	return out, nil
}
