package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autorun-cli/autorun/internal/orchestrator"
	"github.com/autorun-cli/autorun/internal/output"
)

var (
	monitorType      string
	monitorTarget    string
	monitorCondition string
	monitorInterval  int
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Manage recurring plan monitors",
	RunE: func(cmd *cobra.Command, args []string) error {
		return monitorListRun()
	},
}

var monitorAddCmd = &cobra.Command{
	Use:   "add <plan-id>",
	Short: "Attach a recurring check to a plan",
	Long: `Attach a recurring check to a plan. The serve daemon's sweeper
advances the check on schedule; a plan has at most one monitor.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return monitorAddRun(args[0])
	},
}

var monitorListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List monitors across your plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		return monitorListRun()
	},
}

func init() {
	monitorAddCmd.Flags().StringVar(&monitorType, "type", "url", "Monitor type: url, price, custom")
	monitorAddCmd.Flags().StringVar(&monitorTarget, "target", "", "What to check, e.g. a URL (required)")
	monitorAddCmd.Flags().StringVar(&monitorCondition, "condition", "", "Condition payload for the evaluator")
	monitorAddCmd.Flags().IntVar(&monitorInterval, "interval", 60, "Check interval in minutes")
	_ = monitorAddCmd.MarkFlagRequired("target")

	monitorCmd.AddCommand(monitorAddCmd)
	monitorCmd.AddCommand(monitorListCmd)
	rootCmd.AddCommand(monitorCmd)
}

func monitorAddRun(ref string) error {
	svc, err := getService()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findPlan(ctx, svc, ref)
	if err != nil {
		return err
	}

	m, err := svc.ScheduleMonitor(ctx, sess.ID, currentOwner(), orchestrator.ScheduleMonitorParams{
		Type:            monitorType,
		Target:          monitorTarget,
		Condition:       monitorCondition,
		IntervalMinutes: monitorInterval,
	})
	if err != nil {
		return err
	}

	ui.Success("Monitor %s on plan %s: %s %s every %dm",
		output.Cyan(shortID(m.ID)), shortID(sess.ID), m.Type, m.Target, m.IntervalMinutes)
	ui.Info("First check at %s (needs 'autorun serve' running)", m.NextCheckAt.Local().Format("15:04:05"))
	return nil
}

func monitorListRun() error {
	svc, err := getService()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sessions, err := svc.GetRecentPlans(ctx, currentOwner(), true, 0)
	if err != nil {
		return err
	}

	table := ui.Table([]string{"ID", "Plan", "Type", "Target", "Every", "Status", "Next check"})
	count := 0
	for _, sess := range sessions {
		m, err := svc.Store().GetMonitorBySession(ctx, sess.ID)
		if err != nil {
			continue
		}
		count++
		_ = table.Append([]string{
			shortID(m.ID),
			sess.Title,
			m.Type,
			m.Target,
			fmt.Sprintf("%dm", m.IntervalMinutes),
			output.StatusColor(string(m.Status)),
			m.NextCheckAt.Local().Format("2006-01-02 15:04"),
		})
	}

	if count == 0 {
		ui.Info("No monitors found. Attach one with 'autorun monitor add <plan-id> --target ...'")
		return nil
	}
	_ = table.Render()
	return nil
}
