package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BDNK1/reflow/runtime/parser"
)

var orderCmd = &cobra.Command{
	Use:   "order <path> <flow>",
	Short: "Print a flow's steps in execution order",
	Args:  cobra.ExactArgs(2),
	RunE:  runOrder,
}

func runOrder(cmd *cobra.Command, args []string) error {
	path, name := args[0], args[1]
	result, err := parsePath(cmd.Context(), path)
	if err != nil {
		return fmt.Errorf("failed to load flows: %w", err)
	}
	if parseErr, failed := result.Errors[name]; failed {
		return parseErr
	}
	flow, ok := result.Flows[name]
	if !ok {
		return fmt.Errorf("flow %s not found in %s", name, path)
	}

	order, err := parser.TopologicalOrder(flow)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i, id := range order {
		step, _ := flow.Step(id)
		line := fmt.Sprintf("%2d. %s [%s]", i+1, id, step.TaskType)
		if len(step.Dependencies) > 0 {
			line += " after " + strings.Join(step.Dependencies, ", ")
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
