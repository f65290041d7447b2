package models

import "time"

// FactRecord is one working-memory entry: a verified fact produced by a node
// during a run. Records are immutable once written; a later record with the
// same fact type supersedes earlier ones without deleting them.
type FactRecord struct {
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id"`
	FactType  string         `json:"fact_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunOutcome is the terminal disposition of a whole run.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "Completed"
	OutcomeAborted   RunOutcome = "Aborted"
)

// EpisodeRecord summarises one completed run. Written exactly once when a
// run reaches a terminal state and never mutated afterward; later runs with
// a matching request fingerprint consult these as a read-only plan cache.
type EpisodeRecord struct {
	EpisodeID   string     `json:"episode_id"`
	Fingerprint string     `json:"request_fingerprint"`
	TreeShape   string     `json:"tree_shape,omitempty"`
	Outcome     RunOutcome `json:"outcome"`
	DurationMS  int64      `json:"duration_ms"`
	Timestamp   time.Time  `json:"timestamp"`
	Diagnostic  string     `json:"diagnostic,omitempty"`
}

// Duration returns the run duration recorded on the episode.
func (e *EpisodeRecord) Duration() time.Duration {
	return time.Duration(e.DurationMS) * time.Millisecond
}
