package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/harrison/arbor/internal/models"
)

// CommandInput is the JSON document written to a command worker's stdin.
// Facts carry the working-memory snapshot visible to the leaf.
type CommandInput struct {
	Worker  string                       `json:"worker"`
	Payload map[string]any               `json:"payload,omitempty"`
	Facts   map[string]models.FactRecord `json:"facts,omitempty"`
}

// CommandOutput is the JSON document a command worker prints to stdout.
// A non-empty Error field reports a worker-level failure even when the
// process exits zero.
type CommandOutput struct {
	Fields  map[string]any     `json:"fields,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Output  string             `json:"output,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// CommandWorker shells out to an external executable. The leaf deadline is
// enforced through the context passed to Invoke; on expiry the process is
// killed and the context error is returned.
type CommandWorker struct {
	Path string
	Args []string
}

// NewCommandWorker creates a CommandWorker for the given executable.
func NewCommandWorker(path string, args ...string) *CommandWorker {
	return &CommandWorker{Path: path, Args: args}
}

// Invoke runs the command, feeding the payload and fact snapshot on stdin
// and decoding a CommandOutput from stdout.
func (w *CommandWorker) Invoke(ctx context.Context, ref models.WorkerRef, facts map[string]models.FactRecord) (*models.Result, error) {
	input, err := json.Marshal(CommandInput{
		Worker:  ref.Worker,
		Payload: ref.Payload,
		Facts:   facts,
	})
	if err != nil {
		return nil, fmt.Errorf("encode worker input: %w", err)
	}

	cmd := exec.CommandContext(ctx, w.Path, w.Args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Prefer the deadline/cancellation cause so the executor can
		// classify the failure as a timeout rather than a worker error.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("worker %s: %w: %s", ref.Worker, err, firstLine(stderr.String()))
	}

	var out CommandOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("worker %s: decode output: %w", ref.Worker, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("worker %s: %s", ref.Worker, out.Error)
	}

	return &models.Result{
		Fields:  out.Fields,
		Metrics: out.Metrics,
		Output:  out.Output,
	}, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
