// Package executor drives a task tree to a terminal state under explicit
// control-flow semantics: sequence, parallel, fallback, loop, and
// conditional composition over leaves that delegate to external workers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harrison/arbor/internal/gate"
	"github.com/harrison/arbor/internal/models"
	"github.com/harrison/arbor/internal/worker"
)

// Logger is the minimal logging surface the engine needs. A nil logger
// disables logging.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// MemoryStore is the working-memory surface the engine writes to and reads
// from at each leaf.
type MemoryStore interface {
	Write(rec models.FactRecord) error
	Snapshot(runID string) map[string]models.FactRecord
}

// Options configures engine behaviour for a run.
type Options struct {
	GatesEnabled       bool
	ParallelEnabled    bool
	MaxConcurrency     int // bound on concurrent parallel children (0 = unbounded)
	DefaultLeafTimeout time.Duration
}

// Engine executes task trees. It exclusively owns the tree for the duration
// of a run; node state is mutated in place.
type Engine struct {
	mem     MemoryStore
	workers *worker.Registry
	gates   *gate.Evaluator
	coord   *Coordinator
	logger  Logger
	opts    Options
}

// NewEngine constructs an Engine. The gate evaluator and logger are
// optional; memory, worker registry, and coordinator are required.
func NewEngine(mem MemoryStore, workers *worker.Registry, gates *gate.Evaluator, coord *Coordinator, logger Logger, opts Options) (*Engine, error) {
	if mem == nil {
		return nil, fmt.Errorf("engine requires a memory store")
	}
	if workers == nil {
		return nil, fmt.Errorf("engine requires a worker registry")
	}
	if coord == nil {
		return nil, fmt.Errorf("engine requires a feedback coordinator")
	}
	if opts.DefaultLeafTimeout <= 0 {
		opts.DefaultLeafTimeout = 10 * time.Minute
	}
	return &Engine{
		mem:     mem,
		workers: workers,
		gates:   gates,
		coord:   coord,
		logger:  logger,
		opts:    opts,
	}, nil
}

// Execute drives the tree rooted at root to a terminal state. The returned
// error is non-nil only for run-fatal conditions (storage failure, retry
// ceiling); an ordinary failed tree is reported through node state.
func (e *Engine) Execute(ctx context.Context, runID string, root *models.Node) (models.NodeState, error) {
	return e.exec(ctx, runID, root, "")
}

func (e *Engine) exec(ctx context.Context, runID string, n *models.Node, parent models.NodeKind) (models.NodeState, error) {
	// Re-entering a node that already succeeded is a no-op: the result
	// stands and no new memory records are written.
	if n.State == models.StateSucceeded {
		return n.State, nil
	}

	switch n.Kind {
	case models.KindLeaf:
		return e.execLeaf(ctx, runID, n, parent)
	case models.KindSequence:
		return e.execSequence(ctx, runID, n)
	case models.KindParallel:
		return e.execParallel(ctx, runID, n)
	case models.KindFallback:
		return e.execFallback(ctx, runID, n)
	case models.KindLoop:
		return e.execLoop(ctx, runID, n)
	case models.KindConditional:
		return e.execConditional(ctx, runID, n)
	default:
		// Validate catches this before execution; fail loudly if a tree
		// bypassed validation.
		n.State = models.StateFailed
		n.Failure = &models.Failure{
			Kind:       models.FailureWorkerError,
			Diagnostic: fmt.Sprintf("unknown node kind %q", n.Kind),
		}
		return n.State, nil
	}
}

func (e *Engine) execLeaf(ctx context.Context, runID string, n *models.Node, parent models.NodeKind) (models.NodeState, error) {
	ref := *n.Worker
	nextAlternate := 0

	for {
		if err := ctx.Err(); err != nil {
			return e.failCancelled(n, err), nil
		}

		n.State = models.StateRunning
		n.Attempts++
		e.debugf("node %s: attempt %d via worker %s", n.ID, n.Attempts, ref.Worker)

		result, kind, diag := e.invokeOnce(ctx, runID, n, ref)
		if kind == "" {
			n.Result = result
			if err := e.recordResult(runID, n, result); err != nil {
				n.State = models.StateFailed
				n.Failure = &models.Failure{Kind: models.FailureStorageFatal, Diagnostic: err.Error()}
				return n.State, err
			}
			n.State = models.StateSucceeded
			e.debugf("node %s: succeeded after %d attempt(s)", n.ID, n.Attempts)
			return n.State, nil
		}

		// A worker unwound by parent cancellation is not a real failure
		// of the strategy; record it and stop without consuming retries.
		if ctx.Err() != nil {
			return e.failCancelled(n, ctx.Err()), nil
		}

		n.Failure = &models.Failure{Kind: kind, Diagnostic: diag}
		sig := models.FeedbackSignal{
			NodeID:     n.ID,
			Kind:       kind,
			Attempts:   n.Attempts,
			Diagnostic: diag,
		}

		decision, err := e.coord.ReportFailure(sig, FailureContext{
			InFallback:   parent == models.KindFallback,
			HasAlternate: nextAlternate < len(ref.Alternates),
		})
		if err != nil {
			n.State = models.StateFailed
			e.errorf("node %s: %v", n.ID, err)
			return n.State, NewNodeError(n.ID, kind, "feedback loop aborted", err)
		}

		switch decision {
		case DecisionRetry:
			e.warnf("node %s: %s (%s), retrying", n.ID, kind, diag)
			continue
		case DecisionSubstitute:
			if parent == models.KindFallback {
				// The enclosing fallback advances to its next child.
				n.State = models.StateFailed
				e.warnf("node %s: %s, fallback advances to next strategy", n.ID, kind)
				return n.State, nil
			}
			ref.Worker = ref.Alternates[nextAlternate]
			nextAlternate++
			e.warnf("node %s: %s, substituting worker %s", n.ID, kind, ref.Worker)
			continue
		default:
			n.State = models.StateFailed
			e.warnf("node %s: %s after %d attempt(s), escalating", n.ID, kind, n.Attempts)
			return n.State, nil
		}
	}
}

// invokeOnce runs a single worker invocation, including quality gating.
// An empty failure kind means success.
func (e *Engine) invokeOnce(ctx context.Context, runID string, n *models.Node, ref models.WorkerRef) (*models.Result, models.FailureKind, string) {
	w, err := e.workers.Lookup(ref.Worker)
	if err != nil {
		return nil, models.FailureWorkerError, err.Error()
	}

	timeout := ref.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultLeafTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := w.Invoke(cctx, ref, e.mem.Snapshot(runID))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, models.FailureTimeout, fmt.Sprintf("deadline %s exceeded", timeout)
		}
		return nil, models.FailureWorkerError, err.Error()
	}
	if result == nil {
		result = &models.Result{}
	}

	if e.opts.GatesEnabled && n.Gate != "" && e.gates != nil {
		verdict, gerr := e.gates.Evaluate(n.Gate, result)
		if gerr != nil {
			return nil, models.FailureQualityGate, gerr.Error()
		}
		if !verdict.Pass {
			return nil, models.FailureQualityGate, verdict.Reason
		}
	}

	return result, "", ""
}

// recordResult writes the leaf's output to working memory under its
// declared fact type.
func (e *Engine) recordResult(runID string, n *models.Node, result *models.Result) error {
	payload := make(map[string]any, len(result.Fields)+1)
	for k, v := range result.Fields {
		payload[k] = v
	}
	if result.Output != "" {
		payload["output"] = result.Output
	}
	return e.mem.Write(models.FactRecord{
		RunID:    runID,
		NodeID:   n.ID,
		FactType: n.OutputFactType(),
		Payload:  payload,
	})
}

func (e *Engine) execSequence(ctx context.Context, runID string, n *models.Node) (models.NodeState, error) {
	n.State = models.StateRunning
	for _, child := range n.Children {
		if err := ctx.Err(); err != nil {
			return e.failCancelled(n, err), nil
		}
		st, err := e.exec(ctx, runID, child, n.Kind)
		if err != nil {
			n.State = models.StateFailed
			n.Failure = childFailure(child)
			return n.State, err
		}
		if st == models.StateFailed {
			// Remaining children are abandoned: they never enter Running.
			n.State = models.StateFailed
			n.Failure = childFailure(child)
			return n.State, nil
		}
	}
	n.State = models.StateSucceeded
	return n.State, nil
}

type parallelResult struct {
	node  *models.Node
	state models.NodeState
	err   error
}

func (e *Engine) execParallel(ctx context.Context, runID string, n *models.Node) (models.NodeState, error) {
	n.State = models.StateRunning

	// Sibling subtrees must not write the same fact type: working memory
	// is single-writer per fact type within a run, enforced by tree shape.
	if dup := duplicateFactType(n.Children); dup != "" {
		n.State = models.StateFailed
		n.Failure = &models.Failure{
			Kind:       models.FailureMemoryConflict,
			Diagnostic: fmt.Sprintf("fact type %q declared by multiple parallel siblings", dup),
		}
		e.errorf("node %s: %s", n.ID, n.Failure.Diagnostic)
		return n.State, nil
	}

	if !e.opts.ParallelEnabled {
		return e.execParallelSerial(ctx, runID, n)
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	maxConc := e.opts.MaxConcurrency
	if maxConc <= 0 || maxConc > len(n.Children) {
		maxConc = len(n.Children)
	}

	sem := make(chan struct{}, maxConc)
	results := make(chan parallelResult, len(n.Children))
	var wg sync.WaitGroup

launch:
	for _, child := range n.Children {
		select {
		case <-pctx.Done():
			break launch
		case sem <- struct{}{}:
		}
		// The semaphore slot and the cancellation can become ready at
		// the same time; never admit a child once the group is cancelled.
		if pctx.Err() != nil {
			<-sem
			break launch
		}

		wg.Add(1)
		go func(c *models.Node) {
			defer wg.Done()
			defer func() { <-sem }()
			st, err := e.exec(pctx, runID, c, n.Kind)
			if err != nil || st == models.StateFailed {
				// Cancel before releasing the semaphore so a launch loop
				// blocked on a slot stops admitting new children.
				cancel()
			}
			results <- parallelResult{node: c, state: st, err: err}
		}(child)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	var failed *models.Node
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		if r.state == models.StateFailed && failed == nil {
			failed = r.node
		}
	}

	switch {
	case firstErr != nil:
		n.State = models.StateFailed
		if failed != nil {
			n.Failure = childFailure(failed)
		}
		return n.State, firstErr
	case failed != nil:
		n.State = models.StateFailed
		n.Failure = childFailure(failed)
		return n.State, nil
	case ctx.Err() != nil:
		return e.failCancelled(n, ctx.Err()), nil
	}

	n.State = models.StateSucceeded
	return n.State, nil
}

// execParallelSerial runs a parallel group one child at a time while
// preserving parallel success semantics. Used when parallel execution is
// disabled by configuration.
func (e *Engine) execParallelSerial(ctx context.Context, runID string, n *models.Node) (models.NodeState, error) {
	for _, child := range n.Children {
		if err := ctx.Err(); err != nil {
			return e.failCancelled(n, err), nil
		}
		st, err := e.exec(ctx, runID, child, n.Kind)
		if err != nil {
			n.State = models.StateFailed
			n.Failure = childFailure(child)
			return n.State, err
		}
		if st == models.StateFailed {
			n.State = models.StateFailed
			n.Failure = childFailure(child)
			return n.State, nil
		}
	}
	n.State = models.StateSucceeded
	return n.State, nil
}

func (e *Engine) execFallback(ctx context.Context, runID string, n *models.Node) (models.NodeState, error) {
	n.State = models.StateRunning
	var last *models.Failure

	for _, child := range n.Children {
		if err := ctx.Err(); err != nil {
			return e.failCancelled(n, err), nil
		}
		st, err := e.exec(ctx, runID, child, n.Kind)
		if err != nil {
			n.State = models.StateFailed
			n.Failure = childFailure(child)
			return n.State, err
		}
		switch st {
		case models.StateSucceeded:
			n.State = models.StateSucceeded
			return n.State, nil
		case models.StateFailed:
			last = childFailure(child)
		}
		// A skipped child neither succeeds nor blocks the fallback.
	}

	n.State = models.StateFailed
	if last == nil {
		last = &models.Failure{
			Kind:       models.FailureWorkerError,
			Diagnostic: "every fallback strategy was skipped",
		}
	}
	n.Failure = last
	return n.State, nil
}

func (e *Engine) execLoop(ctx context.Context, runID string, n *models.Node) (models.NodeState, error) {
	n.State = models.StateRunning
	child := n.Children[0]

	for i := 0; i < n.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return e.failCancelled(n, err), nil
		}
		if i > 0 {
			child.Reset()
		}

		st, err := e.exec(ctx, runID, child, n.Kind)
		if err != nil {
			n.State = models.StateFailed
			n.Failure = childFailure(child)
			return n.State, err
		}
		if st == models.StateFailed {
			n.State = models.StateFailed
			n.Failure = childFailure(child)
			return n.State, nil
		}

		if n.Exit.Holds(e.mem.Snapshot(runID)) {
			n.State = models.StateSucceeded
			return n.State, nil
		}
	}

	n.State = models.StateFailed
	n.Failure = &models.Failure{
		Kind:       models.FailureLoopBound,
		Diagnostic: fmt.Sprintf("exit predicate on %q not satisfied within %d iterations", n.Exit.Fact, n.MaxIterations),
	}
	return n.State, nil
}

func (e *Engine) execConditional(ctx context.Context, runID string, n *models.Node) (models.NodeState, error) {
	n.State = models.StateRunning
	snapshot := e.mem.Snapshot(runID)

	selected := -1
	for i, child := range n.Children {
		if child.Guard.Holds(snapshot) {
			selected = i
			break
		}
	}

	// Unselected branches are skipped and do not block success evaluation.
	for i, child := range n.Children {
		if i != selected {
			markSkipped(child)
		}
	}

	if selected < 0 {
		n.State = models.StateFailed
		n.Failure = &models.Failure{
			Kind:       models.FailureNoBranch,
			Diagnostic: fmt.Sprintf("no guard matched among %d branch(es)", len(n.Children)),
		}
		return n.State, nil
	}

	st, err := e.exec(ctx, runID, n.Children[selected], n.Kind)
	if err != nil {
		n.State = models.StateFailed
		n.Failure = childFailure(n.Children[selected])
		return n.State, err
	}
	if st == models.StateFailed {
		n.State = models.StateFailed
		n.Failure = childFailure(n.Children[selected])
		return n.State, nil
	}

	n.State = models.StateSucceeded
	return n.State, nil
}

func (e *Engine) failCancelled(n *models.Node, cause error) models.NodeState {
	n.State = models.StateFailed
	if n.Failure == nil {
		n.Failure = &models.Failure{
			Kind:       models.FailureWorkerError,
			Diagnostic: fmt.Sprintf("cancelled: %v", cause),
		}
	}
	return n.State
}

// childFailure copies a child's failure descriptor for its parent, so the
// summary can show where a control node's failure originated.
func childFailure(child *models.Node) *models.Failure {
	if child.Failure != nil {
		f := *child.Failure
		return &f
	}
	return &models.Failure{
		Kind:       models.FailureWorkerError,
		Diagnostic: fmt.Sprintf("child %s failed", child.ID),
	}
}

// duplicateFactType returns the first output fact type declared by more
// than one of the given sibling subtrees, or "" if they are disjoint.
func duplicateFactType(siblings []*models.Node) string {
	seen := make(map[string]bool)
	for _, sibling := range siblings {
		local := make(map[string]bool)
		for _, tag := range sibling.LeafFactTypes() {
			local[tag] = true
		}
		for tag := range local {
			if seen[tag] {
				return tag
			}
			seen[tag] = true
		}
	}
	return ""
}

func markSkipped(n *models.Node) {
	n.Walk(func(node *models.Node) {
		if node.State == models.StatePending {
			node.State = models.StateSkipped
		}
	})
}

func (e *Engine) debugf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Debugf(format, args...)
	}
}

func (e *Engine) warnf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Warnf(format, args...)
	}
}

func (e *Engine) errorf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Errorf(format, args...)
	}
}
