package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/autorun-cli/autorun/internal/models"
	"github.com/autorun-cli/autorun/internal/orchestrator"
	"github.com/autorun-cli/autorun/internal/output"
	"github.com/autorun-cli/autorun/internal/runner"
)

var (
	planTitle     string
	planDesc      string
	planPolicy    string
	planResources string
	planArchived  bool
	planLimit     int
	planSummary   string
	runApprove    bool
	runTimeout    time.Duration
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage execution plans",
	Long:  "Create, inspect, and execute multi-step plans.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return planListRun()
	},
}

var planCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		return planCreateRun()
	},
}

var planListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		return planListRun()
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Show plan details including steps and approvals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return planShowRun(args[0])
	},
}

var planStatusCmd = &cobra.Command{
	Use:   "status <plan-id> <status>",
	Short: "Change a plan's status",
	Long: `Change a plan's status. Only legal transitions are accepted; for
example a completed plan cannot go back to executing.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return planStatusRun(args[0], args[1])
	},
}

var planArchiveCmd = &cobra.Command{
	Use:   "archive <plan-id>",
	Short: "Archive a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return planArchiveRun(args[0])
	},
}

var planRunCmd = &cobra.Command{
	Use:   "run <plan-id>",
	Short: "Execute a plan step by step",
	Long: `Execute every step of a plan in order. Steps marked as requiring
approval pause the run until the approval is resolved (from another
terminal, the HTTP API, or MCP). Ctrl-C stops the run between steps.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return planRunRun(args[0])
	},
}

func init() {
	planCreateCmd.Flags().StringVar(&planTitle, "title", "", "Plan title (required)")
	planCreateCmd.Flags().StringVar(&planDesc, "desc", "", "Plan description")
	planCreateCmd.Flags().StringVar(&planPolicy, "policy", "", "Default approval policy label")
	planCreateCmd.Flags().StringVar(&planResources, "resources", "", "Allowed resources hint for step generation")
	_ = planCreateCmd.MarkFlagRequired("title")

	planListCmd.Flags().BoolVar(&planArchived, "all", false, "Include archived plans")
	planListCmd.Flags().IntVar(&planLimit, "limit", 20, "Maximum number of plans to show (0 = no limit)")

	planStatusCmd.Flags().StringVar(&planSummary, "summary", "", "One-line status summary")

	planRunCmd.Flags().BoolVar(&runApprove, "auto-approve", false, "Skip approval gates for this run")
	planRunCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort the run after this duration (0 = no timeout)")

	planCmd.AddCommand(planCreateCmd)
	planCmd.AddCommand(planListCmd)
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planStatusCmd)
	planCmd.AddCommand(planArchiveCmd)
	planCmd.AddCommand(planRunCmd)
	rootCmd.AddCommand(planCmd)
}

func planCreateRun() error {
	svc, err := getService()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := svc.CreatePlan(ctx, orchestrator.CreatePlanParams{
		Owner:            currentOwner(),
		Origin:           originContext(),
		Title:            planTitle,
		Description:      planDesc,
		ApprovalPolicy:   planPolicy,
		AllowedResources: planResources,
	})
	if err != nil {
		return err
	}

	ui.Success("Created plan %s: %s", output.Cyan(shortID(sess.ID)), sess.Title)
	ui.Info("Add steps with 'autorun step add %s' or 'autorun plan generate %s'", shortID(sess.ID), shortID(sess.ID))
	return nil
}

func planListRun() error {
	svc, err := getService()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sessions, err := svc.GetRecentPlans(ctx, currentOwner(), planArchived, planLimit)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		ui.Info("No plans found. Create one with 'autorun plan create --title ...'")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Status", "Summary", "Updated"})
	for _, sess := range sessions {
		title := sess.Title
		if sess.Archived {
			title += " (archived)"
		}
		_ = table.Append([]string{
			shortID(sess.ID),
			title,
			output.StatusColor(string(sess.Status)),
			sess.Summary,
			sess.UpdatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	_ = table.Render()
	return nil
}

func planShowRun(ref string) error {
	svc, err := getService()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findPlan(ctx, svc, ref)
	if err != nil {
		return err
	}
	detail, err := svc.GetPlanDetail(ctx, sess.ID, currentOwner())
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(sess.ID)), sess.Title)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(sess.Status)))
	if sess.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", sess.Description)
	}
	if sess.ApprovalPolicy != "" {
		fmt.Fprintf(ui.Out, "  Policy:     %s\n", sess.ApprovalPolicy)
	}
	if sess.AllowedResources != "" {
		fmt.Fprintf(ui.Out, "  Resources:  %s\n", sess.AllowedResources)
	}
	if sess.Summary != "" {
		fmt.Fprintf(ui.Out, "  Summary:    %s\n", sess.Summary)
	}
	if sess.LastError != "" {
		fmt.Fprintf(ui.Out, "  Last error: %s\n", output.Red(sess.LastError))
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", sess.CreatedAt.Format(time.RFC3339))
	if sess.StartedAt != nil {
		fmt.Fprintf(ui.Out, "  Started:    %s\n", sess.StartedAt.Format(time.RFC3339))
	}
	if sess.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "  Completed:  %s\n", sess.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", sess.ID)

	if len(detail.Steps) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Steps:\n")
		for _, step := range detail.Steps {
			marker := " "
			if step.RequiresApproval {
				marker = "*"
			}
			fmt.Fprintf(ui.Out, "  %2d.%s [%s] %s\n", step.Seq, marker, output.StatusColor(string(step.Status)), step.Title)
			if step.LastError != "" {
				fmt.Fprintf(ui.Out, "       %s\n", output.Red(step.LastError))
			}
		}
	}

	if pending := pendingApprovals(detail.Approvals); len(pending) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Pending approvals:\n")
		for _, a := range pending {
			fmt.Fprintf(ui.Out, "    %s  %s\n", output.Cyan(shortID(a.ID)), a.ActionSummary)
		}
	}

	if m := detail.Monitor; m != nil {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Monitor:    %s %s every %dm [%s], next check %s\n",
			m.Type, m.Target, m.IntervalMinutes,
			output.StatusColor(string(m.Status)),
			m.NextCheckAt.Local().Format("15:04:05"))
	}

	return nil
}

func planStatusRun(ref, status string) error {
	svc, err := getService()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findPlan(ctx, svc, ref)
	if err != nil {
		return err
	}

	updated, err := svc.UpdateSessionStatus(ctx, sess.ID, currentOwner(), models.SessionStatus(status), planSummary)
	if err != nil {
		return err
	}

	ui.Success("Plan %s is now %s", shortID(updated.ID), output.StatusColor(string(updated.Status)))
	return nil
}

func planArchiveRun(ref string) error {
	svc, err := getService()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findPlan(ctx, svc, ref)
	if err != nil {
		return err
	}
	if err := svc.ArchivePlan(ctx, sess.ID, currentOwner()); err != nil {
		return err
	}

	ui.Success("Archived plan %s", shortID(sess.ID))
	return nil
}

func planRunRun(ref string) error {
	svc, err := getService()
	if err != nil {
		return err
	}
	run, err := getRunner()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	sess, err := findPlan(ctx, svc, ref)
	if err != nil {
		return err
	}

	ui.Info("Running plan %s: %s", output.Cyan(shortID(sess.ID)), sess.Title)

	err = run.Run(ctx, sess.ID, currentOwner(), runApprove, renderProgress)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, runner.ErrStepRejected):
		// Already reported through the progress stream.
		return fmt.Errorf("run stopped: step rejected")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		ui.Warning("Run interrupted; re-run the plan to resume")
		return err
	default:
		return err
	}
}

// renderProgress prints one line per run event.
func renderProgress(ev runner.ProgressEvent) {
	switch {
	case ev.IsFinal:
		if ev.Status == models.StepStatusFailed || ev.ApprovalStatus == models.ApprovalStatusRejected {
			ui.Error("%s", ev.Message)
		} else {
			ui.Success("%s", ev.Message)
		}
	case ev.ApprovalID != "" && ev.ApprovalStatus == models.ApprovalStatusPending:
		ui.Warning("Step %d %q waiting for approval %s", ev.StepSeq, ev.StepTitle, output.Cyan(shortID(ev.ApprovalID)))
		ui.Info("Resolve with 'autorun approval resolve %s --approve'", shortID(ev.ApprovalID))
	case ev.ApprovalStatus == models.ApprovalStatusApproved:
		ui.Info("Step %d approved, resuming", ev.StepSeq)
	case ev.Status == models.StepStatusRunning:
		ui.Info("Step %d/%s: %s", ev.StepSeq, output.StatusColor("running"), ev.StepTitle)
	case ev.Status == models.StepStatusCompleted:
		ui.Success("Step %d completed", ev.StepSeq)
		if verbose && ev.Message != "" {
			fmt.Fprintln(ui.Out, indent(ev.Message, "    "))
		}
	case ev.Status == models.StepStatusFailed:
		ui.Error("Step %d failed: %s", ev.StepSeq, ev.Message)
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func pendingApprovals(approvals []*models.Approval) []*models.Approval {
	var pending []*models.Approval
	for _, a := range approvals {
		if a.Status == models.ApprovalStatusPending {
			pending = append(pending, a)
		}
	}
	return pending
}

// findPlan resolves a plan by full ID or unique prefix among the
// current owner's plans.
func findPlan(ctx context.Context, svc *orchestrator.Service, ref string) (*models.Session, error) {
	owner := currentOwner()
	if sess, err := svc.Store().GetSession(ctx, ref); err == nil && sess.Owner == owner {
		return sess, nil
	}

	upper := strings.ToUpper(ref)
	sessions, err := svc.GetRecentPlans(ctx, owner, true, 0)
	if err != nil {
		return nil, err
	}

	var matches []*models.Session
	for _, sess := range sessions {
		if strings.HasPrefix(sess.ID, upper) {
			matches = append(matches, sess)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("plan not found: %s", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous plan ID %s: matches %d plans", ref, len(matches))
	}
}
