package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/arbor/internal/config"
	"github.com/harrison/arbor/internal/episode"
	"github.com/harrison/arbor/internal/executor"
	"github.com/harrison/arbor/internal/gate"
	"github.com/harrison/arbor/internal/logger"
	"github.com/harrison/arbor/internal/memory"
	"github.com/harrison/arbor/internal/models"
	"github.com/harrison/arbor/internal/parser"
	"github.com/harrison/arbor/internal/worker"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow tree",
		Long: `Execute a workflow definition as a hierarchical task tree.

The run command parses the workflow file (Markdown or YAML format),
validates the tree, and drives it to a terminal state: leaves delegate
to the configured external workers, control nodes compose their
children, and failed nodes are retried or substituted within the
configured budgets.

Configuration is loaded from .arbor/config.yaml if present.
CLI flags override configuration file settings.

Examples:
  arbor run workflow.yaml
  arbor run --dry-run workflow.md        # Validate and show the tree
  arbor run --retry-budget 3 workflow.yaml
  arbor run --no-parallel workflow.yaml  # Run parallel groups serially
  arbor run --request "rework the intro" workflow.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .arbor/config.yaml)")
	cmd.Flags().Bool("dry-run", false, "Validate the workflow without executing it")
	cmd.Flags().String("request", "", "Request text overriding the workflow's own")
	cmd.Flags().Int("retry-budget", -1, "Per-node retry budget (-1 = use config)")
	cmd.Flags().Int("retry-ceiling", -1, "Run-wide retry ceiling (-1 = use config)")
	cmd.Flags().Int("max-concurrency", -1, "Maximum concurrent parallel leaves (0 = unlimited, -1 = use config)")
	cmd.Flags().String("leaf-timeout", "", "Default worker deadline (e.g., 30s, 5m)")
	cmd.Flags().Bool("no-parallel", false, "Run parallel groups one child at a time")
	cmd.Flags().Bool("no-gates", false, "Skip quality-gate evaluation")
	cmd.Flags().String("memory-dir", "", "Directory for the memory logs")
	cmd.Flags().Bool("verbose", false, "Show detailed execution information")
	cmd.Flags().String("log-dir", "", "Directory for log files")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadMergedConfig(cmd)
	if err != nil {
		return err
	}

	workflowFile := args[0]
	fmt.Fprintf(cmd.OutOrStdout(), "Loading workflow from %s...\n", workflowFile)
	wf, err := parser.ParseFile(workflowFile)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	request := wf.Request
	if flagRequest, _ := cmd.Flags().GetString("request"); flagRequest != "" {
		request = flagRequest
	}
	if request == "" {
		return fmt.Errorf("workflow has no request text; set workflow.request or pass --request")
	}

	nodeCount := 0
	wf.Root.Walk(func(*models.Node) { nodeCount++ })

	fmt.Fprintf(cmd.OutOrStdout(), "\nWorkflow Summary:\n")
	fmt.Fprintf(cmd.OutOrStdout(), "  Nodes: %d\n", nodeCount)
	fmt.Fprintf(cmd.OutOrStdout(), "  Shape: %s\n", wf.Root.Shape())
	fmt.Fprintf(cmd.OutOrStdout(), "  Retry budget: %d (ceiling %d)\n", cfg.RetryBudget, cfg.RunRetryCeiling)

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "\nDry-run mode: workflow is valid and ready for execution.\n")
		return nil
	}

	// Determine log level: verbose flag overrides config
	logLevel := cfg.LogLevel
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logLevel = "debug"
	}

	consoleLog := logger.NewConsoleLogger(os.Stdout, logLevel)

	logDir, _ := cmd.Flags().GetString("log-dir")
	if logDir == "" {
		logDir = ".arbor/logs"
	}
	fileLog, err := logger.NewFileLoggerWithDirAndLevel(logDir, logLevel)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	defer fileLog.Close()

	multiLog := &multiLogger{loggers: []executor.Logger{consoleLog, fileLog}}

	registry := worker.NewRegistry()
	for name, wc := range cfg.Workers {
		registry.Register(name, worker.NewCommandWorker(wc.Command, wc.Args...))
	}

	var gates *gate.Evaluator
	if cfg.QualityGates {
		gates, err = gate.NewEvaluator(cfg.Gates)
		if err != nil {
			return fmt.Errorf("invalid gate policies: %w", err)
		}
	}

	memDir, err := cfg.GetMemoryDir()
	if err != nil {
		return err
	}
	mem, err := memory.Open(memDir)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer mem.Close()

	// The index is a lookup cache; losing it degrades seeding, not runs.
	var index executor.EpisodeIndex
	if idxPath, err := cfg.GetIndexPath(); err == nil && idxPath != "" {
		ix, err := episode.OpenIndex(idxPath)
		if err != nil {
			multiLog.Warnf("episode index unavailable: %v", err)
		} else {
			defer ix.Close()
			index = ix
		}
	}

	coord := executor.NewCoordinator(cfg.RetryBudget, cfg.RunRetryCeiling)
	engine, err := executor.NewEngine(mem, registry, gates, coord, multiLog, executor.Options{
		GatesEnabled:       cfg.QualityGates,
		ParallelEnabled:    cfg.ParallelExecution,
		MaxConcurrency:     cfg.MaxConcurrency,
		DefaultLeafTimeout: cfg.LeafTimeout,
	})
	if err != nil {
		return err
	}

	orch, err := executor.NewOrchestrator(engine, mem, index, multiLog)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nStarting execution...\n\n")
	summary, err := orch.Run(cmd.Context(), request, wf.Root)
	if summary != nil {
		consoleLog.LogRunSummary(summary)
		fileLog.LogRunSummary(summary)
	}
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}
	if summary.Outcome != models.OutcomeCompleted {
		return fmt.Errorf("run aborted")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nRun completed successfully.\n")
	fmt.Fprintf(cmd.OutOrStdout(), "Logs written to: %s\n", logDir)
	return nil
}

// loadMergedConfig loads the config file and applies flag overrides.
func loadMergedConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(".")
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// Build flag pointers for merge (only values the user actually set)
	var budgetPtr, ceilingPtr, concurrencyPtr *int
	if cmd.Flags().Changed("retry-budget") {
		v, _ := cmd.Flags().GetInt("retry-budget")
		budgetPtr = &v
	}
	if cmd.Flags().Changed("retry-ceiling") {
		v, _ := cmd.Flags().GetInt("retry-ceiling")
		ceilingPtr = &v
	}
	if cmd.Flags().Changed("max-concurrency") {
		v, _ := cmd.Flags().GetInt("max-concurrency")
		concurrencyPtr = &v
	}

	var timeoutPtr *time.Duration
	if cmd.Flags().Changed("leaf-timeout") {
		s, _ := cmd.Flags().GetString("leaf-timeout")
		timeout, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid leaf-timeout format %q: %w", s, err)
		}
		timeoutPtr = &timeout
	}

	var parallelPtr, gatesPtr *bool
	if cmd.Flags().Changed("no-parallel") {
		v, _ := cmd.Flags().GetBool("no-parallel")
		enabled := !v
		parallelPtr = &enabled
	}
	if cmd.Flags().Changed("no-gates") {
		v, _ := cmd.Flags().GetBool("no-gates")
		enabled := !v
		gatesPtr = &enabled
	}

	var memoryDirPtr *string
	if cmd.Flags().Changed("memory-dir") {
		v, _ := cmd.Flags().GetString("memory-dir")
		memoryDirPtr = &v
	}

	cfg.MergeWithFlags(budgetPtr, ceilingPtr, concurrencyPtr, timeoutPtr, parallelPtr, gatesPtr, memoryDirPtr)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// multiLogger implements executor.Logger by delegating to multiple loggers
type multiLogger struct {
	loggers []executor.Logger
}

func (ml *multiLogger) Debugf(format string, args ...any) {
	for _, l := range ml.loggers {
		l.Debugf(format, args...)
	}
}

func (ml *multiLogger) Infof(format string, args ...any) {
	for _, l := range ml.loggers {
		l.Infof(format, args...)
	}
}

func (ml *multiLogger) Warnf(format string, args ...any) {
	for _, l := range ml.loggers {
		l.Warnf(format, args...)
	}
}

func (ml *multiLogger) Errorf(format string, args ...any) {
	for _, l := range ml.loggers {
		l.Errorf(format, args...)
	}
}
