package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/arbor/internal/episode"
	"github.com/harrison/arbor/internal/models"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

const testConfigYAML = `retry_budget: 1
run_retry_ceiling: 4
workers:
  fetcher:
    command: /bin/cat
  writer:
    command: /bin/cat
  backup-writer:
    command: /bin/cat
gates:
  confidence:
    kind: threshold
    metric: confidence
    min: 0.8
`

const testWorkflowYAML = `workflow:
  request: summarize the quarterly numbers
  root:
    id: pipeline
    kind: sequence
    children:
      - id: gather
        kind: leaf
        worker: fetcher
        fact_type: raw_data
      - id: draft
        kind: leaf
        worker: writer
        alternates: [backup-writer]
        gate: confidence
`

func TestValidateCommand_ValidWorkflow(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARBOR_HOME", tmpDir)
	configPath := writeTestFile(t, tmpDir, "config.yaml", testConfigYAML)
	workflowPath := writeTestFile(t, tmpDir, "workflow.yaml", testWorkflowYAML)

	cmd := NewValidateCommand()
	cmd.SetArgs([]string{workflowPath, "--config", configPath})

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Expected validation to succeed, got: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Workflow is valid.") {
		t.Errorf("Expected valid message, got:\n%s", output)
	}
	if !strings.Contains(output, "sequence(leaf,leaf)") {
		t.Errorf("Expected tree shape in output, got:\n%s", output)
	}
	if !strings.Contains(output, "Leaves: 2") {
		t.Errorf("Expected leaf count in output, got:\n%s", output)
	}
}

func TestValidateCommand_UnconfiguredReferences(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARBOR_HOME", tmpDir)
	configPath := writeTestFile(t, tmpDir, "config.yaml", "workers:\n  fetcher:\n    command: /bin/cat\n")
	workflowPath := writeTestFile(t, tmpDir, "workflow.yaml", testWorkflowYAML)

	cmd := NewValidateCommand()
	cmd.SetArgs([]string{workflowPath, "--config", configPath})

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	err := cmd.Execute()
	if err == nil {
		t.Fatal("Expected validation to fail for unconfigured references")
	}
	if !strings.Contains(err.Error(), "unconfigured") {
		t.Errorf("Expected unconfigured-names error, got: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, `worker "writer" is not configured`) {
		t.Errorf("Expected missing worker problem, got:\n%s", output)
	}
	if !strings.Contains(output, `alternate worker "backup-writer" is not configured`) {
		t.Errorf("Expected missing alternate problem, got:\n%s", output)
	}
	if !strings.Contains(output, `gate "confidence" is not configured`) {
		t.Errorf("Expected missing gate problem, got:\n%s", output)
	}
}

func TestValidateCommand_StructurallyInvalidTree(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARBOR_HOME", tmpDir)
	workflowPath := writeTestFile(t, tmpDir, "workflow.yaml", `workflow:
  request: do the thing
  root:
    id: solo
    kind: loop
    children:
      - id: body
        kind: leaf
        worker: fetcher
`)

	cmd := NewValidateCommand()
	cmd.SetArgs([]string{workflowPath})

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	if err := cmd.Execute(); err == nil {
		t.Fatal("Expected loop without exit predicate to fail validation")
	}
}

func TestRunCommand_DryRun(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARBOR_HOME", tmpDir)
	configPath := writeTestFile(t, tmpDir, "config.yaml", testConfigYAML)
	workflowPath := writeTestFile(t, tmpDir, "workflow.yaml", testWorkflowYAML)

	cmd := NewRunCommand()
	cmd.SetArgs([]string{workflowPath, "--config", configPath, "--dry-run"})

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Expected dry-run to succeed, got: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Dry-run mode") {
		t.Errorf("Expected dry-run message, got:\n%s", output)
	}
	if !strings.Contains(output, "Nodes: 3") {
		t.Errorf("Expected node count, got:\n%s", output)
	}
	if !strings.Contains(output, "Retry budget: 1 (ceiling 4)") {
		t.Errorf("Expected merged budget line, got:\n%s", output)
	}
}

func TestRunCommand_FlagOverridesConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARBOR_HOME", tmpDir)
	configPath := writeTestFile(t, tmpDir, "config.yaml", testConfigYAML)
	workflowPath := writeTestFile(t, tmpDir, "workflow.yaml", testWorkflowYAML)

	cmd := NewRunCommand()
	cmd.SetArgs([]string{workflowPath, "--config", configPath, "--dry-run", "--retry-budget", "5"})

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Expected dry-run to succeed, got: %v", err)
	}
	if !strings.Contains(buf.String(), "Retry budget: 5") {
		t.Errorf("Expected flag override in summary, got:\n%s", buf.String())
	}
}

func TestRunCommand_MissingRequest(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARBOR_HOME", tmpDir)
	configPath := writeTestFile(t, tmpDir, "config.yaml", testConfigYAML)
	workflowPath := writeTestFile(t, tmpDir, "workflow.yaml", `workflow:
  root:
    id: gather
    kind: leaf
    worker: fetcher
`)

	cmd := NewRunCommand()
	cmd.SetArgs([]string{workflowPath, "--config", configPath, "--dry-run"})

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	err := cmd.Execute()
	if err == nil {
		t.Fatal("Expected error for workflow without request text")
	}
	if !strings.Contains(err.Error(), "no request text") {
		t.Errorf("Expected request error, got: %v", err)
	}
}

func TestRunCommand_InvalidLeafTimeout(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARBOR_HOME", tmpDir)
	configPath := writeTestFile(t, tmpDir, "config.yaml", testConfigYAML)
	workflowPath := writeTestFile(t, tmpDir, "workflow.yaml", testWorkflowYAML)

	cmd := NewRunCommand()
	cmd.SetArgs([]string{workflowPath, "--config", configPath, "--leaf-timeout", "banana"})

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	err := cmd.Execute()
	if err == nil {
		t.Fatal("Expected error for malformed leaf-timeout")
	}
	if !strings.Contains(err.Error(), "leaf-timeout") {
		t.Errorf("Expected leaf-timeout error, got: %v", err)
	}
}

func TestEpisodesCommand_EmptyStore(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARBOR_HOME", tmpDir)

	cmd := NewEpisodesCommand()
	cmd.SetArgs([]string{})

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Expected episodes command to succeed, got: %v", err)
	}
	if !strings.Contains(buf.String(), "No episodes recorded.") {
		t.Errorf("Expected empty-store message, got:\n%s", buf.String())
	}
}

func TestEpisodesCommand_ListsRecordedEpisodes(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARBOR_HOME", tmpDir)

	ix, err := episode.OpenIndex(filepath.Join(tmpDir, "episodes.db"))
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	fp := episode.NewFingerprinter().Fingerprint("summarize the quarterly numbers")
	rec := models.EpisodeRecord{
		EpisodeID:   "ep-cmd-test-1",
		Fingerprint: fp.Normalized,
		TreeShape:   "sequence(leaf,leaf)",
		Outcome:     models.OutcomeCompleted,
		DurationMS:  1500,
		Timestamp:   time.Now().UTC(),
	}
	if err := ix.Record(context.Background(), rec); err != nil {
		t.Fatalf("Failed to record episode: %v", err)
	}
	if err := ix.Close(); err != nil {
		t.Fatalf("Failed to close index: %v", err)
	}

	cmd := NewEpisodesCommand()
	cmd.SetArgs([]string{"--request", "Summarize the quarterly numbers!"})

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Expected episodes command to succeed, got: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "ep-cmd-test-1") {
		t.Errorf("Expected episode id in listing, got:\n%s", output)
	}
	if !strings.Contains(output, "sequence(leaf,leaf)") {
		t.Errorf("Expected tree shape in listing, got:\n%s", output)
	}
	if !strings.Contains(output, "1 completed, 0 aborted") {
		t.Errorf("Expected outcome stats, got:\n%s", output)
	}
}

func TestEpisodesCommand_RequestAndPrefixAreExclusive(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARBOR_HOME", tmpDir)

	cmd := NewEpisodesCommand()
	cmd.SetArgs([]string{"--request", "do the thing", "--prefix", "abcd"})

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	err := cmd.Execute()
	if err == nil {
		t.Fatal("Expected mutually-exclusive flag error")
	}
	if !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("Expected mutual-exclusion error, got: %v", err)
	}
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	root := NewRootCommand()

	for _, name := range []string{"run", "validate", "episodes"} {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected subcommand %q to be registered", name)
		}
	}
}
