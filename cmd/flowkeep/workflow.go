package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/i2y/flowkeep"
	"github.com/i2y/flowkeep/process"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Start, drive and inspect workflow instances",
}

var workflowStartCmd = &cobra.Command{
	Use:   "start <spec-id>",
	Short: "Start a workflow from a stored spec",
	Long: `Start a workflow from a stored spec and print its id. With --user the
workflow also gets a user workflow row that tracks its status.`,
	Example: `  flowkeep workflow start 3f1c... --user u-1 --resource r-9 --type DSAR`,
	Args:    cobra.ExactArgs(1),
	RunE:    runWorkflowStart,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowList,
}

var workflowGetCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Show the task tree of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowGet,
}

var workflowAdvanceCmd = &cobra.Command{
	Use:   "advance <workflow-id>",
	Short: "Run every ready task that is not manual",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowAdvance,
}

var workflowCompleteCmd = &cobra.Command{
	Use:   "complete <workflow-id> <task>",
	Short: "Complete a ready task by id or name",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkflowComplete,
}

var workflowFailCmd = &cobra.Command{
	Use:   "fail <workflow-id> <task>",
	Short: "Mark a ready or started task as failed",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkflowFail,
}

var workflowTerminateCmd = &cobra.Command{
	Use:   "terminate <workflow-id>",
	Short: "Cancel a workflow and mark its user workflow terminated",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowTerminate,
}

var workflowDeleteCmd = &cobra.Command{
	Use:   "delete <workflow-id>",
	Short: "Delete a workflow with its subprocesses",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowDelete,
}

var workflowDiffCmd = &cobra.Command{
	Use:   "diff <workflow-id> <spec-id>",
	Short: "Show how a workflow lines up with another spec",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkflowDiff,
}

var workflowMigrateCmd = &cobra.Command{
	Use:   "migrate <workflow-id> <spec-id>",
	Short: "Move a workflow onto another spec",
	Long: `Move a workflow onto another spec and print its new id. The migration is
refused when it would discard started or completed work, unless
--no-validate is given.`,
	Args: cobra.ExactArgs(2),
	RunE: runWorkflowMigrate,
}

var (
	startUser       string
	startResource   string
	startType       string
	listAll         bool
	failReason      string
	migrateNoVerify bool
)

func init() {
	workflowStartCmd.Flags().StringVar(&startUser, "user", "", "owning user id")
	workflowStartCmd.Flags().StringVar(&startResource, "resource", "", "resource id the workflow acts on")
	workflowStartCmd.Flags().StringVar(&startType, "type", string(flowkeep.WorkflowTypeDSAR), "workflow type (DSAR, OD3)")
	workflowListCmd.Flags().BoolVar(&listAll, "all", false, "include ended workflows")
	workflowFailCmd.Flags().StringVar(&failReason, "reason", "failed from CLI", "failure reason stored on the task")
	workflowMigrateCmd.Flags().BoolVar(&migrateNoVerify, "no-validate", false, "migrate even if started or completed tasks change")

	workflowCmd.AddCommand(
		workflowStartCmd,
		workflowListCmd,
		workflowGetCmd,
		workflowAdvanceCmd,
		workflowCompleteCmd,
		workflowFailCmd,
		workflowTerminateCmd,
		workflowDeleteCmd,
		workflowDiffCmd,
		workflowMigrateCmd,
	)
}

func runWorkflowStart(cmd *cobra.Command, args []string) error {
	var opts []flowkeep.StartOption
	if startUser != "" {
		wfType, err := flowkeep.ParseWorkflowType(startType)
		if err != nil {
			return err
		}
		opts = append(opts, flowkeep.WithOwner(startUser, startResource, wfType))
	}
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		inst, err := engine.StartWorkflow(ctx, args[0], opts...)
		if err != nil {
			return err
		}
		defer inst.Close()
		fmt.Fprintln(cmd.OutOrStdout(), inst.ID)
		return nil
	})
}

func runWorkflowList(cmd *cobra.Command, _ []string) error {
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		rows, err := engine.ListWorkflows(ctx, listAll)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintln(out, "No workflows found.")
			return nil
		}
		fmt.Fprintf(out, "%-36s %-24s %-7s %-20s %s\n", "ID", "SPEC", "ACTIVE", "STARTED", "ENDED")
		fmt.Fprintln(out, strings.Repeat("-", 110))
		for _, r := range rows {
			ended := "-"
			if r.IsEnded() {
				ended = r.EndedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "%-36s %-24s %-7d %-20s %s\n",
				r.ID,
				truncate(r.SpecName, 24),
				r.ActiveTasks,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				ended,
			)
		}
		return nil
	})
}

func runWorkflowGet(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		inst, err := engine.GetWorkflow(ctx, args[0])
		if err != nil {
			return err
		}
		defer inst.Close()
		printWorkflow(cmd, inst)
		return nil
	})
}

func printWorkflow(cmd *cobra.Command, inst *flowkeep.Instance) {
	out := cmd.OutOrStdout()
	wf := inst.Workflow()
	fmt.Fprintf(out, "Workflow: %s\n", inst.ID)
	fmt.Fprintf(out, "Spec:     %s\n", wf.Spec.Name)
	fmt.Fprintf(out, "Ended:    %t\n", wf.IsCompleted())
	fmt.Fprintln(out, "Tasks:")
	var walk func(t *process.Task, depth int)
	walk = func(t *process.Task, depth int) {
		fmt.Fprintf(out, "  %s%-*s %-10s %s\n", strings.Repeat("  ", depth), 28-2*depth, t.Name(), t.State, t.ID)
		for _, c := range t.Children {
			walk(c, depth+1)
		}
	}
	walk(wf.Root(), 0)
	for _, id := range wf.SubprocessIDs() {
		sub := wf.Subprocesses[id]
		fmt.Fprintf(out, "Subprocess %s (%s):\n", id, sub.Spec.Name)
		walk(sub.Root(), 0)
	}
}

// driveWorkflow loads a workflow, runs fn on it and reports the ready tasks
// left over.
func driveWorkflow(cmd *cobra.Command, id string, fn func(ctx context.Context, inst *flowkeep.Instance) error) error {
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		inst, err := engine.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		defer inst.Close()
		if err := fn(ctx, inst); err != nil {
			return err
		}
		if err := inst.LastSaveError(); err != nil {
			return fmt.Errorf("workflow %s was not saved: %w", id, err)
		}
		ready := inst.ReadyTasks()
		names := make([]string, 0, len(ready))
		for _, t := range ready {
			names = append(names, t.Name())
		}
		out := cmd.OutOrStdout()
		if inst.Workflow().IsCompleted() {
			fmt.Fprintf(out, "Workflow %s ended\n", id)
		} else {
			fmt.Fprintf(out, "Ready: %s\n", strings.Join(names, ", "))
		}
		return nil
	})
}

func runWorkflowAdvance(cmd *cobra.Command, args []string) error {
	return driveWorkflow(cmd, args[0], func(ctx context.Context, inst *flowkeep.Instance) error {
		return inst.Advance(ctx)
	})
}

func runWorkflowComplete(cmd *cobra.Command, args []string) error {
	return driveWorkflow(cmd, args[0], func(ctx context.Context, inst *flowkeep.Instance) error {
		return inst.CompleteTask(ctx, args[1])
	})
}

func runWorkflowFail(cmd *cobra.Command, args []string) error {
	return driveWorkflow(cmd, args[0], func(ctx context.Context, inst *flowkeep.Instance) error {
		return inst.FailTask(ctx, args[1], failReason)
	})
}

func runWorkflowTerminate(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		if err := engine.TerminateWorkflow(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Terminated workflow %s\n", args[0])
		return nil
	})
}

func runWorkflowDelete(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		if err := engine.DeleteWorkflow(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted workflow %s\n", args[0])
		return nil
	})
}

func runWorkflowDiff(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		root, subs, err := engine.DiffWorkflow(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printDiff(cmd, "workflow", root)
		ids := make([]string, 0, len(subs))
		for id := range subs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			d := subs[id]
			if d == nil {
				fmt.Fprintf(out, "subprocess %s: spec missing\n", id)
				continue
			}
			printDiff(cmd, "subprocess "+id, d)
		}
		fmt.Fprintf(out, "Safe to migrate: %t\n", flowkeep.CanMigrate(root, subs))
		return nil
	})
}

func printDiff(cmd *cobra.Command, label string, d *process.WorkflowDiff) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s:\n", label)
	for _, t := range d.Removed {
		fmt.Fprintf(out, "  - %-24s %s\n", t.Name(), t.State)
	}
	for _, t := range d.Changed {
		fmt.Fprintf(out, "  ~ %-24s %s\n", t.Name(), t.State)
	}
	for _, name := range d.Spec.Added {
		fmt.Fprintf(out, "  + %s\n", name)
	}
}

func runWorkflowMigrate(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		newID, err := engine.MigrateWorkflow(ctx, args[0], args[1], !migrateNoVerify)
		var unsafe *flowkeep.UnsafeMigrationError
		if errors.As(err, &unsafe) {
			return fmt.Errorf("%w (use --no-validate to force)", err)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), newID)
		return nil
	})
}
