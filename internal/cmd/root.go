package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for arbor
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "arbor",
		Short: "Hierarchical task-tree orchestration engine",
		Long: `Arbor executes workflow definitions as hierarchical task trees,
delegating leaf tasks to external workers.

It parses workflow files (Markdown or YAML), runs the tree under
sequence, parallel, fallback, loop, and conditional semantics, records
verified facts to an append-only working memory, and keeps episodic
records of completed runs for plan seeding.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	// Add subcommands
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewEpisodesCommand())

	return cmd
}
