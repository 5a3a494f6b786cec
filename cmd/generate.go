package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/autorun-cli/autorun/internal/output"
)

var (
	genMaxSteps int
	genApprove  bool
)

var planGenerateCmd = &cobra.Command{
	Use:   "generate <plan-id> <goal>...",
	Short: "Generate steps for a plan from a goal",
	Long: `Ask the model to break a goal into ordered steps and append them to
the plan. Without a configured API key the goal is split into steps
heuristically, so the command always produces at least one step.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return planGenerateRun(args[0], strings.Join(args[1:], " "))
	},
}

func init() {
	planGenerateCmd.Flags().IntVar(&genMaxSteps, "max-steps", 0, "Maximum steps to generate (default from config)")
	planGenerateCmd.Flags().BoolVar(&genApprove, "require-approval", false, "Mark generated steps as requiring approval")

	planCmd.AddCommand(planGenerateCmd)
}

func planGenerateRun(ref, goal string) error {
	svc, err := getService()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findPlan(ctx, svc, ref)
	if err != nil {
		return err
	}

	maxSteps := genMaxSteps
	if maxSteps <= 0 {
		maxSteps = viper.GetInt("run.max_steps")
	}

	steps, err := svc.GenerateSteps(ctx, sess.ID, currentOwner(), goal, maxSteps, genApprove)
	if err != nil {
		return err
	}

	ui.Success("Generated %d steps for plan %s", len(steps), output.Cyan(shortID(sess.ID)))
	for _, step := range steps {
		marker := " "
		if step.RequiresApproval {
			marker = "*"
		}
		ui.Info("  %2d.%s %s", step.Seq, marker, step.Title)
	}
	return nil
}
