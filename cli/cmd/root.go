package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "reflow",
	Short: "Reflow - live-updatable workflow definitions",
	Long: `Reflow loads declarative multi-step flow definitions, watches them for
changes and migrates in-flight sessions when a definition changes.

The CLI validates and inspects flow documents and runs the update service.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(serveCmd)
}
