package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/i2y/flowkeep"
)

var userWorkflowCmd = &cobra.Command{
	Use:     "user-workflow",
	Aliases: []string{"uw"},
	Short:   "Manage user workflow rows",
}

var userWorkflowCreateCmd = &cobra.Command{
	Use:   "create <workflow-id> <user-id> <resource-id>",
	Short: "Attach a user workflow row to an existing workflow",
	Args:  cobra.ExactArgs(3),
	RunE:  runUserWorkflowCreate,
}

var userWorkflowListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List the workflows of a user, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserWorkflowList,
}

var userWorkflowStatusCmd = &cobra.Command{
	Use:   "status <workflow-id> <status>",
	Short: "Set the status of a user workflow",
	Long: `Set the status of a user workflow. Terminated, Failed, Cancelled and
Deleted are final: later task events no longer change them.`,
	Args: cobra.ExactArgs(2),
	RunE: runUserWorkflowStatus,
}

var (
	uwType   string
	uwLimit  int
	uwOffset int
)

func init() {
	userWorkflowCreateCmd.Flags().StringVar(&uwType, "type", string(flowkeep.WorkflowTypeDSAR), "workflow type (DSAR, OD3)")
	userWorkflowListCmd.Flags().IntVar(&uwLimit, "limit", 50, "maximum rows")
	userWorkflowListCmd.Flags().IntVar(&uwOffset, "offset", 0, "rows to skip")

	userWorkflowCmd.AddCommand(userWorkflowCreateCmd, userWorkflowListCmd, userWorkflowStatusCmd)
}

func runUserWorkflowCreate(cmd *cobra.Command, args []string) error {
	wfType, err := flowkeep.ParseWorkflowType(uwType)
	if err != nil {
		return err
	}
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		uw := &flowkeep.UserWorkflow{
			WorkflowID:   args[0],
			UserID:       args[1],
			ResourceID:   args[2],
			WorkflowType: wfType,
		}
		if err := engine.CreateUserWorkflow(ctx, uw); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created user workflow %d (%s)\n", uw.ID, uw.Status)
		return nil
	})
}

func runUserWorkflowList(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		rows, err := engine.ListUserWorkflows(ctx, args[0], uwLimit, uwOffset)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintln(out, "No user workflows found.")
			return nil
		}
		fmt.Fprintf(out, "%-36s %-6s %-12s %-20s %s\n", "WORKFLOW", "TYPE", "STATUS", "RESOURCE", "READY")
		fmt.Fprintln(out, strings.Repeat("-", 100))
		for _, uw := range rows {
			fmt.Fprintf(out, "%-36s %-6s %-12s %-20s %s\n",
				uw.WorkflowID,
				uw.WorkflowType,
				uw.Status,
				truncate(uw.ResourceID, 20),
				truncate(strings.Join(uw.ReadyTaskNames, ","), 40),
			)
		}
		return nil
	})
}

func runUserWorkflowStatus(cmd *cobra.Command, args []string) error {
	status, err := flowkeep.ParseStatus(args[1])
	if err != nil {
		return err
	}
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		if err := engine.UpdateUserWorkflowStatus(ctx, args[0], status); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "User workflow %s is now %s\n", args[0], status)
		return nil
	})
}
