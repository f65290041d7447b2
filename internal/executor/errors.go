package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/harrison/arbor/internal/models"
)

// ErrRunBudgetExhausted indicates the run-wide retry ceiling was exceeded.
// The run is aborted to guarantee termination of feedback loops.
var ErrRunBudgetExhausted = errors.New("run-wide retry ceiling exceeded")

// NodeError represents an error raised while executing a specific node.
type NodeError struct {
	NodeID    string             // id of the node that failed
	Kind      models.FailureKind // failure classification
	Message   string             // human-readable message
	Err       error              // underlying error (optional)
	Timestamp time.Time          // when the error occurred
}

// NewNodeError creates a NodeError with the current timestamp.
func NewNodeError(nodeID string, kind models.FailureKind, msg string, err error) *NodeError {
	return &NodeError{
		NodeID:    nodeID,
		Kind:      kind,
		Message:   msg,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("node %s [%s]: %s: %v", e.NodeID, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("node %s [%s]: %s", e.NodeID, e.Kind, e.Message)
}

// Unwrap returns the underlying error for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Err
}
