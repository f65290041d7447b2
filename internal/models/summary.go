package models

import "time"

// RunSummary is the orchestrator's report for one run. It always lists the
// terminal state of every node and the failure kinds observed, even when the
// run completed, so callers can audit degraded paths such as a fallback that
// succeeded only via its secondary branch.
type RunSummary struct {
	RunID        string
	EpisodeID    string
	Outcome      RunOutcome
	Duration     time.Duration
	NodeStates   map[string]NodeState
	Failures     map[string]FailureKind
	Attempts     map[string]int
	TotalRetries int
	SeededFrom   string // episode id the tree hints were taken from, if any
}

// NewRunSummary builds a summary by walking a finished tree.
func NewRunSummary(runID string, root *Node) *RunSummary {
	s := &RunSummary{
		RunID:      runID,
		NodeStates: make(map[string]NodeState),
		Failures:   make(map[string]FailureKind),
		Attempts:   make(map[string]int),
	}
	root.Walk(func(n *Node) {
		s.NodeStates[n.ID] = n.State
		if n.Failure != nil {
			s.Failures[n.ID] = n.Failure.Kind
		}
		if n.Attempts > 0 {
			s.Attempts[n.ID] = n.Attempts
			s.TotalRetries += n.Attempts - 1
		}
	})
	return s
}
