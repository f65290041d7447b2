package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/harrison/arbor/internal/models"
	"github.com/harrison/arbor/internal/parser"
)

// NewValidateCommand creates the validate command
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Validate a workflow file without executing it",
		Long: `Validate a workflow definition: parse the file, check the tree's
structural rules (unique ids, arity, loop bounds, branch guards), and
cross-check worker and gate references against the configuration.

Examples:
  arbor validate workflow.yaml
  arbor validate --config custom.yaml workflow.md`,
		Args: cobra.ExactArgs(1),
		RunE: validateCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .arbor/config.yaml)")

	return cmd
}

func validateCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadMergedConfig(cmd)
	if err != nil {
		return err
	}

	wf, err := parser.ParseFile(args[0])
	if err != nil {
		return err
	}

	// Cross-check references. Unknown workers or gates are reported all at
	// once rather than failing on the first.
	var problems []string
	wf.Root.Walk(func(n *models.Node) {
		if n.IsLeaf() {
			if _, ok := cfg.Workers[n.Worker.Worker]; !ok {
				problems = append(problems, fmt.Sprintf("node %s: worker %q is not configured", n.ID, n.Worker.Worker))
			}
			for _, alt := range n.Worker.Alternates {
				if _, ok := cfg.Workers[alt]; !ok {
					problems = append(problems, fmt.Sprintf("node %s: alternate worker %q is not configured", n.ID, alt))
				}
			}
			if n.Gate != "" {
				if _, ok := cfg.Gates[n.Gate]; !ok {
					problems = append(problems, fmt.Sprintf("node %s: gate %q is not configured", n.ID, n.Gate))
				}
			}
		}
	})

	leaves := 0
	wf.Root.Walk(func(n *models.Node) {
		if n.IsLeaf() {
			leaves++
		}
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Workflow: %s\n", wf.FilePath)
	fmt.Fprintf(cmd.OutOrStdout(), "  Shape: %s\n", wf.Root.Shape())
	fmt.Fprintf(cmd.OutOrStdout(), "  Leaves: %d\n", leaves)
	if wf.Request != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  Request: %s\n", wf.Request)
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		fmt.Fprintf(cmd.OutOrStdout(), "\nProblems:\n")
		for _, p := range problems {
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", p)
		}
		return fmt.Errorf("workflow references %d unconfigured name(s)", len(problems))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nWorkflow is valid.\n")
	return nil
}
