// Package gate provides stateless validation of node results against named
// policies. A leaf's result must pass its declared policy before the node is
// allowed to transition to succeeded; a failing verdict is treated the same
// as a worker-reported failure.
package gate

import (
	"fmt"
	"strings"

	"github.com/harrison/arbor/internal/models"
)

// Policy kinds.
const (
	PolicyThreshold = "threshold" // numeric metric >= Min
	PolicyRequired  = "required"  // named field must be present
	PolicyAllOf     = "all_of"    // every sub-policy passes
	PolicyAnyOf     = "any_of"    // at least one sub-policy passes
)

// Policy describes one validation rule. Threshold and required policies are
// leaves; all_of and any_of compose sub-policies.
type Policy struct {
	Kind   string   `yaml:"kind"`
	Metric string   `yaml:"metric,omitempty"`
	Min    float64  `yaml:"min,omitempty"`
	Field  string   `yaml:"field,omitempty"`
	Of     []Policy `yaml:"of,omitempty"`
}

// Validate checks the policy definition itself.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyThreshold:
		if p.Metric == "" {
			return fmt.Errorf("threshold policy requires a metric name")
		}
	case PolicyRequired:
		if p.Field == "" {
			return fmt.Errorf("required policy requires a field name")
		}
	case PolicyAllOf, PolicyAnyOf:
		if len(p.Of) == 0 {
			return fmt.Errorf("%s policy requires sub-policies", p.Kind)
		}
		for _, sub := range p.Of {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown policy kind %q", p.Kind)
	}
	return nil
}

// Verdict is the outcome of evaluating a policy against a result.
type Verdict struct {
	Pass   bool
	Reason string // populated on failure
}

// Evaluator holds the named policies configured for a project.
type Evaluator struct {
	policies map[string]Policy
}

// NewEvaluator validates and indexes the configured policies.
func NewEvaluator(policies map[string]Policy) (*Evaluator, error) {
	for name, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
	}
	return &Evaluator{policies: policies}, nil
}

// Evaluate checks a result against the named policy. Referencing a policy
// that was never configured is a definition defect and returns an error
// rather than a verdict.
func (e *Evaluator) Evaluate(name string, result *models.Result) (Verdict, error) {
	policy, ok := e.policies[name]
	if !ok {
		return Verdict{}, fmt.Errorf("unknown quality gate policy %q", name)
	}
	return evaluate(policy, result), nil
}

func evaluate(p Policy, result *models.Result) Verdict {
	switch p.Kind {
	case PolicyThreshold:
		v, ok := result.Metric(p.Metric)
		if !ok {
			return Verdict{Reason: fmt.Sprintf("metric %q missing from result", p.Metric)}
		}
		if v < p.Min {
			return Verdict{Reason: fmt.Sprintf("metric %q = %g below minimum %g", p.Metric, v, p.Min)}
		}
		return Verdict{Pass: true}

	case PolicyRequired:
		if _, ok := result.Field(p.Field); !ok {
			return Verdict{Reason: fmt.Sprintf("required field %q missing from result", p.Field)}
		}
		return Verdict{Pass: true}

	case PolicyAllOf:
		var reasons []string
		for _, sub := range p.Of {
			if v := evaluate(sub, result); !v.Pass {
				reasons = append(reasons, v.Reason)
			}
		}
		if len(reasons) > 0 {
			return Verdict{Reason: strings.Join(reasons, "; ")}
		}
		return Verdict{Pass: true}

	case PolicyAnyOf:
		var reasons []string
		for _, sub := range p.Of {
			v := evaluate(sub, result)
			if v.Pass {
				return Verdict{Pass: true}
			}
			reasons = append(reasons, v.Reason)
		}
		return Verdict{Reason: strings.Join(reasons, "; ")}
	}

	// Unreachable for validated policies.
	return Verdict{Reason: fmt.Sprintf("unknown policy kind %q", p.Kind)}
}
