package executor

import (
	"sync"

	"github.com/harrison/arbor/internal/models"
)

// Decision is the feedback coordinator's ruling on a failed node.
type Decision int

const (
	// DecisionRetry re-executes the node with the same worker reference.
	DecisionRetry Decision = iota
	// DecisionSubstitute advances to an alternate strategy: the enclosing
	// fallback moves to its next child, or the leaf swaps to an untried
	// alternate worker reference.
	DecisionSubstitute
	// DecisionEscalate hands the failure to the parent control node.
	DecisionEscalate
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionSubstitute:
		return "substitute"
	case DecisionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// FailureContext carries what the coordinator needs to know about where a
// failure occurred beyond the signal itself.
type FailureContext struct {
	// InFallback is true when the failing node's parent is a fallback.
	InFallback bool
	// HasAlternate is true when the failing leaf still has an untried
	// alternate worker reference.
	HasAlternate bool
}

// Coordinator is the central authority for deciding the fate of failed
// nodes. It enforces a per-node retry budget and a run-wide retry ceiling;
// the ceiling guarantees that feedback loops terminate.
type Coordinator struct {
	retryBudget int
	ceiling     int

	mu           sync.Mutex
	totalRetries int
}

// NewCoordinator creates a Coordinator with the given per-node retry budget
// and run-wide ceiling. Negative values are clamped to zero.
func NewCoordinator(retryBudget, ceiling int) *Coordinator {
	if retryBudget < 0 {
		retryBudget = 0
	}
	if ceiling < 0 {
		ceiling = 0
	}
	return &Coordinator{retryBudget: retryBudget, ceiling: ceiling}
}

// ReportFailure consumes a feedback signal and returns the decision for the
// failing node. Returns ErrRunBudgetExhausted when a retry or substitution
// would push the run past its ceiling; the caller must abort the run.
func (c *Coordinator) ReportFailure(sig models.FeedbackSignal, fc FailureContext) (Decision, error) {
	if !sig.Kind.Retryable() {
		return DecisionEscalate, nil
	}

	// A fallback wrapping the failing node advances to its next child
	// instead of burning retries on the same strategy.
	if fc.InFallback {
		return c.charge(DecisionSubstitute)
	}

	if sig.Attempts <= c.retryBudget {
		return c.charge(DecisionRetry)
	}

	if fc.HasAlternate {
		return c.charge(DecisionSubstitute)
	}

	return DecisionEscalate, nil
}

// charge counts a retry or substitution against the run-wide ceiling.
func (c *Coordinator) charge(d Decision) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRetries++
	if c.totalRetries > c.ceiling {
		return DecisionEscalate, ErrRunBudgetExhausted
	}
	return d, nil
}

// Reset clears the run-wide counters. The orchestrator calls this at the
// start of each run; budgets are per run, not per process.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries = 0
}

// TotalRetries returns how many retries and substitutions the run has
// consumed so far.
func (c *Coordinator) TotalRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRetries
}
