package models

import "testing"

func TestNewRunSummary(t *testing.T) {
	a := leaf("a", "w")
	a.State = StateSucceeded
	a.Attempts = 1

	b := leaf("b", "w")
	b.State = StateFailed
	b.Attempts = 3
	b.Failure = &Failure{Kind: FailureQualityGate, Diagnostic: "coverage below minimum"}

	root := &Node{ID: "root", Kind: KindSequence, Children: []*Node{a, b}}
	root.State = StateFailed

	s := NewRunSummary("run-1", root)

	if s.NodeStates["root"] != StateFailed || s.NodeStates["a"] != StateSucceeded || s.NodeStates["b"] != StateFailed {
		t.Fatalf("NodeStates = %v", s.NodeStates)
	}
	if s.Failures["b"] != FailureQualityGate {
		t.Fatalf("Failures = %v", s.Failures)
	}
	if _, ok := s.Failures["a"]; ok {
		t.Fatal("succeeded node must not appear in Failures")
	}
	if s.TotalRetries != 2 {
		t.Fatalf("TotalRetries = %d, want 2", s.TotalRetries)
	}
	if s.Attempts["b"] != 3 {
		t.Fatalf("Attempts[b] = %d, want 3", s.Attempts["b"])
	}
}
