package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/i2y/flowkeep"
	"github.com/i2y/flowkeep/process"
)

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Manage stored process specs",
}

var specAddCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "Store a spec file and print its id",
	Long: `Store a process spec read from a YAML or JSON file. The file holds either
a single spec or a top-level spec with the subprocess specs it depends on.
Storing the same content twice returns the same id.`,
	Example: `  flowkeep spec add order.yaml`,
	Args:    cobra.ExactArgs(1),
	RunE:    runSpecAdd,
}

var specListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored specs",
	Args:  cobra.NoArgs,
	RunE:  runSpecList,
}

var specGetCmd = &cobra.Command{
	Use:   "get <spec-id>",
	Short: "Show a spec with its tasks and direct dependencies",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpecGet,
}

var specDeleteCmd = &cobra.Command{
	Use:   "delete <spec-id>",
	Short: "Delete a spec no workflow or spec still references",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpecDelete,
}

func init() {
	specCmd.AddCommand(specAddCmd, specListCmd, specGetCmd, specDeleteCmd)
}

func runSpecAdd(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	spec, deps, err := process.DecodeSpecFile(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		id, err := engine.AddSpec(ctx, spec, deps)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runSpecList(cmd *cobra.Command, _ []string) error {
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		specs, err := engine.ListSpecs(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(specs) == 0 {
			fmt.Fprintln(out, "No specs found.")
			return nil
		}
		fmt.Fprintf(out, "%-40s %s\n", "ID", "NAME")
		fmt.Fprintln(out, strings.Repeat("-", 70))
		for _, s := range specs {
			fmt.Fprintf(out, "%-40s %s\n", s.ID, s.Name)
		}
		return nil
	})
}

func runSpecGet(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		spec, deps, err := engine.GetSpec(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Spec:  %s\n", spec.Name)
		fmt.Fprintf(out, "ID:    %s\n", args[0])
		fmt.Fprintln(out, "Tasks:")
		for _, name := range spec.TaskSpecNames() {
			ts := spec.TaskSpecs[name]
			line := fmt.Sprintf("  %-24s %-12s", name, ts.Kind)
			if ts.IsSubprocess() {
				line += " -> " + ts.Subprocess
			}
			if len(ts.Outputs) > 0 {
				line += " outputs=" + strings.Join(ts.Outputs, ",")
			}
			fmt.Fprintln(out, strings.TrimRight(line, " "))
		}
		if len(deps) > 0 {
			names := make([]string, 0, len(deps))
			for name := range deps {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(out, "Dependencies: %s\n", strings.Join(names, ", "))
		}
		return nil
	})
}

func runSpecDelete(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, engine *flowkeep.Engine) error {
		if err := engine.DeleteSpec(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted spec %s\n", args[0])
		return nil
	})
}
