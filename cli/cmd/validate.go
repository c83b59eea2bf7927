package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Parse a flow document and report errors and warnings",
	Long: `Validate parses every flow in a file or directory. Each flow is checked
on its own: required fields, field types, step references and dependency
cycles. The command fails if any flow is rejected.

Example:
  reflow validate flows/
  reflow validate flows/research.yaml
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	result, err := parsePath(cmd.Context(), pathArg(args, 0))
	if err != nil {
		return fmt.Errorf("failed to load flows: %w", err)
	}

	for _, name := range result.Names() {
		fmt.Fprintf(out, "ok    %s (%d steps)\n", name, len(result.Flows[name].Steps))
	}

	failed := make([]string, 0, len(result.Errors))
	for name := range result.Errors {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		fmt.Fprintf(out, "FAIL  %s: %v\n", name, result.Errors[name])
	}

	for _, w := range result.Warnings {
		if w.Step != "" {
			fmt.Fprintf(out, "warn  %s.%s: %s\n", w.Flow, w.Step, w.Message)
		} else {
			fmt.Fprintf(out, "warn  %s: %s\n", w.Flow, w.Message)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d flows failed validation", len(failed), len(failed)+len(result.Flows))
	}
	return nil
}
