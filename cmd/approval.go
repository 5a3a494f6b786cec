package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autorun-cli/autorun/internal/models"
	"github.com/autorun-cli/autorun/internal/orchestrator"
	"github.com/autorun-cli/autorun/internal/output"
)

var (
	approvalApprove bool
	approvalReject  bool
	approvalNotes   string
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Manage pending approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return approvalListRun()
	},
}

var approvalListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List pending approvals addressed to you",
	RunE: func(cmd *cobra.Command, args []string) error {
		return approvalListRun()
	},
}

var approvalResolveCmd = &cobra.Command{
	Use:   "resolve <approval-id>",
	Short: "Approve or reject a pending approval",
	Long: `Resolve a pending approval. An approval can be resolved exactly
once; a paused run waiting on it resumes (or fails) immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return approvalResolveRun(args[0])
	},
}

func init() {
	approvalResolveCmd.Flags().BoolVar(&approvalApprove, "approve", false, "Approve the action")
	approvalResolveCmd.Flags().BoolVar(&approvalReject, "reject", false, "Reject the action")
	approvalResolveCmd.Flags().StringVar(&approvalNotes, "notes", "", "Reviewer notes")
	approvalResolveCmd.MarkFlagsOneRequired("approve", "reject")
	approvalResolveCmd.MarkFlagsMutuallyExclusive("approve", "reject")

	approvalCmd.AddCommand(approvalListCmd)
	approvalCmd.AddCommand(approvalResolveCmd)
	rootCmd.AddCommand(approvalCmd)
}

func approvalListRun() error {
	svc, err := getService()
	if err != nil {
		return err
	}
	ctx := context.Background()

	approvals, err := svc.ListPendingApprovals(ctx, currentOwner())
	if err != nil {
		return err
	}

	if len(approvals) == 0 {
		ui.Info("No pending approvals.")
		return nil
	}

	table := ui.Table([]string{"ID", "Plan", "Action", "Summary", "Requested"})
	for _, a := range approvals {
		_ = table.Append([]string{
			shortID(a.ID),
			shortID(a.SessionID),
			a.ActionType,
			a.ActionSummary,
			a.RequestedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	_ = table.Render()
	return nil
}

func approvalResolveRun(ref string) error {
	svc, err := getService()
	if err != nil {
		return err
	}
	ctx := context.Background()

	id, err := findApprovalID(ctx, svc, ref)
	if err != nil {
		return err
	}

	a, err := svc.ResolveApproval(ctx, id, currentOwner(), approvalApprove, approvalNotes)
	if err != nil {
		return err
	}

	ui.Success("Approval %s %s", shortID(a.ID), output.StatusColor(string(a.Status)))
	return nil
}

// findApprovalID resolves an approval by full ID or unique prefix among
// the caller's pending approvals.
func findApprovalID(ctx context.Context, svc *orchestrator.Service, ref string) (string, error) {
	approvals, err := svc.ListPendingApprovals(ctx, currentOwner())
	if err != nil {
		return "", err
	}

	upper := strings.ToUpper(ref)
	var matches []*models.Approval
	for _, a := range approvals {
		if a.ID == ref || strings.HasPrefix(a.ID, upper) {
			matches = append(matches, a)
		}
	}

	switch len(matches) {
	case 0:
		// Fall back to the raw ref: it may name an already-resolved
		// approval, and resolve reports that conflict precisely.
		return ref, nil
	case 1:
		return matches[0].ID, nil
	default:
		return "", fmt.Errorf("ambiguous approval ID %s: matches %d approvals", ref, len(matches))
	}
}
