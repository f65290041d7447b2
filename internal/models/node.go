package models

import (
	"fmt"
	"strings"
	"time"
)

// NodeKind identifies the control-flow semantics of a task node.
// The set is closed: the executor matches exhaustively over these values,
// so adding a kind requires updating every switch that consumes it.
type NodeKind string

const (
	KindLeaf        NodeKind = "leaf"
	KindSequence    NodeKind = "sequence"
	KindParallel    NodeKind = "parallel"
	KindFallback    NodeKind = "fallback"
	KindLoop        NodeKind = "loop"
	KindConditional NodeKind = "conditional"
)

// Valid reports whether k is one of the supported node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindLeaf, KindSequence, KindParallel, KindFallback, KindLoop, KindConditional:
		return true
	}
	return false
}

// NodeState is the lifecycle state of a node within one run.
type NodeState string

const (
	StatePending   NodeState = "pending"
	StateRunning   NodeState = "running"
	StateSucceeded NodeState = "succeeded"
	StateFailed    NodeState = "failed"
	StateSkipped   NodeState = "skipped"
)

// Terminal reports whether the state is one a node cannot leave on its own.
func (s NodeState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// Guard is a declarative predicate evaluated against the working-memory
// snapshot. With Equals empty the guard passes when the fact is present;
// otherwise the fact's "value" payload field must match Equals.
type Guard struct {
	Fact   string `yaml:"fact"`
	Equals string `yaml:"equals,omitempty"`
	Negate bool   `yaml:"negate,omitempty"`
}

// Holds evaluates the guard against the latest fact records of a run.
func (g *Guard) Holds(facts map[string]FactRecord) bool {
	rec, ok := facts[g.Fact]
	result := ok
	if ok && g.Equals != "" {
		v, has := rec.Payload["value"]
		result = has && fmt.Sprintf("%v", v) == g.Equals
	}
	if g.Negate {
		return !result
	}
	return result
}

// WorkerRef names the external executor a leaf delegates to, the payload it
// receives, and the alternates the feedback coordinator may substitute in.
type WorkerRef struct {
	Worker     string         // registry name of the executor
	Payload    map[string]any // opaque input passed through to the worker
	Alternates []string       // untried alternates, in substitution order
	Timeout    time.Duration  // per-invocation deadline (0 = engine default)
}

// Node is a single element of the execution tree. Leaves delegate to an
// external worker; control nodes compose their children under the semantics
// named by Kind. Execution state is mutated in place by the executor, which
// exclusively owns the tree for the duration of a run.
type Node struct {
	ID       string
	Kind     NodeKind
	Children []*Node

	// Leaf-only fields.
	Worker   *WorkerRef
	FactType string // tag under which the result is recorded (defaults to ID)
	Gate     string // quality-gate policy name, empty to skip gating

	// Conditional branches carry a Guard; the first branch whose guard
	// holds is selected.
	Guard *Guard

	// Loop-only fields.
	Exit          *Guard
	MaxIterations int

	// Execution state.
	State    NodeState
	Attempts int
	Result   *Result
	Failure  *Failure
}

// IsLeaf reports whether the node delegates to an external worker.
func (n *Node) IsLeaf() bool {
	return n.Kind == KindLeaf
}

// OutputFactType returns the tag under which a leaf's result is recorded.
func (n *Node) OutputFactType() string {
	if n.FactType != "" {
		return n.FactType
	}
	return n.ID
}

// Walk visits n and every descendant in depth-first declaration order.
func (n *Node) Walk(fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Reset returns the subtree rooted at n to Pending so it can be executed
// again, e.g. for a fresh loop iteration. Attempt counts are preserved:
// they track the logical step across its whole lifetime, not one pass.
func (n *Node) Reset() {
	n.Walk(func(node *Node) {
		node.State = StatePending
		node.Result = nil
		node.Failure = nil
	})
}

// Shape renders a compact structural summary of the subtree, e.g.
// "sequence(leaf,fallback(leaf,leaf))". Episode records store this so a
// later planner can compare tree shapes without replaying the run.
func (n *Node) Shape() string {
	if n == nil {
		return ""
	}
	if n.IsLeaf() {
		return string(KindLeaf)
	}
	parts := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		parts = append(parts, c.Shape())
	}
	return fmt.Sprintf("%s(%s)", n.Kind, strings.Join(parts, ","))
}

// Validate checks the structural invariants of the tree rooted at n:
// known kinds, unique ids, leaf/control arity rules, loop bounds and exit
// predicates, and conditional branch guards.
func (n *Node) Validate() error {
	if n == nil {
		return fmt.Errorf("tree root is nil")
	}
	seen := make(map[string]bool)
	var check func(node *Node) error
	check = func(node *Node) error {
		if node.ID == "" {
			return fmt.Errorf("node id is required")
		}
		if !node.Kind.Valid() {
			return fmt.Errorf("node %s: unknown kind %q", node.ID, node.Kind)
		}
		if seen[node.ID] {
			return fmt.Errorf("duplicate node id %q", node.ID)
		}
		seen[node.ID] = true

		switch node.Kind {
		case KindLeaf:
			if len(node.Children) != 0 {
				return fmt.Errorf("node %s: leaf must not have children", node.ID)
			}
			if node.Worker == nil || node.Worker.Worker == "" {
				return fmt.Errorf("node %s: leaf requires a worker reference", node.ID)
			}
		case KindLoop:
			if len(node.Children) != 1 {
				return fmt.Errorf("node %s: loop requires exactly one child", node.ID)
			}
			if node.MaxIterations <= 0 {
				return fmt.Errorf("node %s: loop requires max_iterations > 0", node.ID)
			}
			if node.Exit == nil || node.Exit.Fact == "" {
				return fmt.Errorf("node %s: loop requires an exit predicate", node.ID)
			}
		case KindConditional:
			if len(node.Children) == 0 {
				return fmt.Errorf("node %s: conditional requires at least one branch", node.ID)
			}
			for _, c := range node.Children {
				if c.Guard == nil || c.Guard.Fact == "" {
					return fmt.Errorf("node %s: branch %s requires a guard", node.ID, c.ID)
				}
			}
		default:
			if len(node.Children) == 0 {
				return fmt.Errorf("node %s: %s requires at least one child", node.ID, node.Kind)
			}
		}

		for _, c := range node.Children {
			if err := check(c); err != nil {
				return err
			}
		}
		return nil
	}
	return check(n)
}

// LeafFactTypes collects the output fact types declared by every leaf in the
// subtree. The executor uses this before launching a parallel group to verify
// the single-writer-per-fact-type invariant.
func (n *Node) LeafFactTypes() []string {
	var tags []string
	n.Walk(func(node *Node) {
		if node.IsLeaf() {
			tags = append(tags, node.OutputFactType())
		}
	})
	return tags
}
