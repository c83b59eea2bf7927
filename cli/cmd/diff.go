package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/BDNK1/reflow/runtime/change"
)

var diffJSON bool

var diffCmd = &cobra.Command{
	Use:   "diff <old> <new>",
	Short: "Classify the changes between two versions of a flow document",
	Long: `Diff parses both documents and, for every flow present in both, reports
each detected change with its impact, the overall compatibility and the
migration strategy that active sessions would go through.

Example:
  reflow diff flows-v1/ flows-v2/
  reflow diff old.yaml new.yaml --json
`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func init() {
	diffCmd.Flags().BoolVar(&diffJSON, "json", false, "Print analyses as JSON")
}

func runDiff(cmd *cobra.Command, args []string) error {
	oldResult, err := parsePath(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[0], err)
	}
	newResult, err := parsePath(cmd.Context(), args[1])
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[1], err)
	}

	analyzer := change.NewAnalyzer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var analyses []*change.Analysis
	var added, removed []string

	for _, name := range newResult.Names() {
		oldFlow, ok := oldResult.Flows[name]
		if !ok {
			added = append(added, name)
			continue
		}
		analysis, err := analyzer.Analyze(oldFlow, newResult.Flows[name])
		if err != nil {
			return err
		}
		analyses = append(analyses, analysis)
	}
	for _, name := range oldResult.Names() {
		if _, ok := newResult.Flows[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)

	out := cmd.OutOrStdout()
	if diffJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"analyses":      analyses,
			"added_flows":   added,
			"removed_flows": removed,
		})
	}

	for _, name := range added {
		fmt.Fprintf(out, "+ %s (new flow)\n", name)
	}
	for _, name := range removed {
		fmt.Fprintf(out, "- %s (missing from new document)\n", name)
	}
	for _, a := range analyses {
		if !a.HasChanges() {
			fmt.Fprintf(out, "= %s unchanged\n", a.FlowName)
			continue
		}
		strategy := string(a.Strategy)
		if strategy == "" {
			strategy = "none"
		}
		fmt.Fprintf(out, "~ %s impact=%s compatibility=%s migration=%s\n",
			a.FlowName, a.ImpactLevel, a.Compatibility, strategy)
		for _, r := range a.Changes {
			fmt.Fprintf(out, "    %s\n", r)
		}
	}

	failed := make([]string, 0, len(newResult.Errors))
	for name := range newResult.Errors {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		fmt.Fprintf(out, "! %s: %v\n", name, newResult.Errors[name])
	}
	return nil
}
