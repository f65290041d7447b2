package models

// FailureKind classifies why a node failed. Recoverable kinds may be retried
// or substituted by the feedback coordinator; structural kinds escalate
// immediately to the enclosing control node.
type FailureKind string

const (
	FailureWorkerError    FailureKind = "WORKER_ERROR"
	FailureTimeout        FailureKind = "TIMEOUT"
	FailureQualityGate    FailureKind = "QUALITY_GATE_FAILED"
	FailureLoopBound      FailureKind = "LOOP_BOUND_EXCEEDED"
	FailureNoBranch       FailureKind = "NO_BRANCH_MATCHED"
	FailureMemoryConflict FailureKind = "MEMORY_CONFLICT"
	FailureStorageFatal   FailureKind = "STORAGE_FATAL"
)

// Retryable reports whether a failure of this kind may be resolved locally
// by the feedback coordinator. Structural and storage failures are not.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureWorkerError, FailureTimeout, FailureQualityGate:
		return true
	}
	return false
}

// Failure is the error descriptor attached to a node that reached Failed.
type Failure struct {
	Kind       FailureKind `json:"kind"`
	Diagnostic string      `json:"diagnostic,omitempty"`
}

// FeedbackSignal is the structured notification routed to the feedback
// coordinator when a node fails. Attempts is the number of execution
// attempts made so far, including the one that produced this signal.
type FeedbackSignal struct {
	NodeID     string
	Kind       FailureKind
	Attempts   int
	Diagnostic string
}
