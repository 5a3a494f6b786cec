package cmd

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/autorun-cli/autorun/internal/models"
	"github.com/autorun-cli/autorun/internal/orchestrator"
	"github.com/autorun-cli/autorun/internal/output"
)

var (
	stepTitle    string
	stepDesc     string
	stepApprove  bool
	stepTool     string
	stepToolArgs string
)

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Manage plan steps",
}

var stepAddCmd = &cobra.Command{
	Use:   "add <plan-id>",
	Short: "Append a step to a plan",
	Long: `Append a step to a plan. The step gets the next sequence number
and starts in draft, or ready if the plan is already executing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stepAddRun(args[0])
	},
}

var stepListCmd = &cobra.Command{
	Use:     "list <plan-id>",
	Aliases: []string{"ls"},
	Short:   "List a plan's steps in order",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stepListRun(args[0])
	},
}

func init() {
	stepAddCmd.Flags().StringVar(&stepTitle, "title", "", "Step title (required)")
	stepAddCmd.Flags().StringVar(&stepDesc, "desc", "", "Step description")
	stepAddCmd.Flags().BoolVar(&stepApprove, "approve", false, "Require approval before this step runs")
	stepAddCmd.Flags().StringVar(&stepTool, "tool", "", "Tool hint: llm, shell, http")
	stepAddCmd.Flags().StringVar(&stepToolArgs, "tool-args", "", "Opaque tool arguments (e.g. JSON)")
	_ = stepAddCmd.MarkFlagRequired("title")

	stepCmd.AddCommand(stepAddCmd)
	stepCmd.AddCommand(stepListCmd)
	rootCmd.AddCommand(stepCmd)
}

func stepAddRun(ref string) error {
	svc, err := getService()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findPlan(ctx, svc, ref)
	if err != nil {
		return err
	}

	step, err := svc.AddStep(ctx, sess.ID, currentOwner(), orchestrator.AddStepParams{
		Title:            stepTitle,
		Description:      stepDesc,
		RequiresApproval: stepApprove,
		ToolName:         string(models.NormalizeTool(stepTool)),
		ToolArgs:         stepToolArgs,
	})
	if err != nil {
		return err
	}

	ui.Success("Added step %d to plan %s: %s", step.Seq, output.Cyan(shortID(sess.ID)), step.Title)
	return nil
}

func stepListRun(ref string) error {
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

	if len(detail.Steps) == 0 {
		ui.Info("Plan %s has no steps yet.", shortID(sess.ID))
		return nil
	}

	table := ui.Table([]string{"Seq", "ID", "Title", "Status", "Tool", "Approval"})
	for _, step := range detail.Steps {
		approval := ""
		if step.RequiresApproval {
			approval = "required"
			if step.ApprovedBy != "" {
				approval = "by " + step.ApprovedBy
			}
		}
		_ = table.Append([]string{
			strconv.Itoa(step.Seq),
			shortID(step.ID),
			step.Title,
			output.StatusColor(string(step.Status)),
			step.ToolName,
			approval,
		})
	}
	_ = table.Render()
	return nil
}
