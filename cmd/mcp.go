package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/autorun-cli/autorun/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	Long: `Run a Model Context Protocol server over stdio so agents can manage
plans directly.

Exposed tools:
  autorun_list_plans       List plans for the current owner
  autorun_plan_detail      Full plan detail with steps and approvals
  autorun_create_plan      Create a new plan
  autorun_add_step         Append a step to a plan
  autorun_generate_steps   Generate steps from a goal
  autorun_update_status    Change a plan's status
  autorun_list_approvals   List pending approvals
  autorun_resolve_approval Approve or reject a pending approval

Add to an MCP client config:
  {"command": "autorun", "args": ["mcp"]}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	svc, err := getService()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	srv := mcp.NewServer(svc, currentOwner())
	if err := srv.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
