package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/arbor/internal/models"
)

func newTestEvaluator(t *testing.T, policies map[string]Policy) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(policies)
	require.NoError(t, err)
	return e
}

func TestEvaluate_Threshold(t *testing.T) {
	e := newTestEvaluator(t, map[string]Policy{
		"coverage": {Kind: PolicyThreshold, Metric: "coverage", Min: 0.8},
	})

	pass, err := e.Evaluate("coverage", &models.Result{Metrics: map[string]float64{"coverage": 0.92}})
	require.NoError(t, err)
	assert.True(t, pass.Pass)

	fail, err := e.Evaluate("coverage", &models.Result{Metrics: map[string]float64{"coverage": 0.5}})
	require.NoError(t, err)
	assert.False(t, fail.Pass)
	assert.Contains(t, fail.Reason, "below minimum")

	missing, err := e.Evaluate("coverage", &models.Result{})
	require.NoError(t, err)
	assert.False(t, missing.Pass)
	assert.Contains(t, missing.Reason, "missing")
}

func TestEvaluate_RequiredField(t *testing.T) {
	e := newTestEvaluator(t, map[string]Policy{
		"has-artifact": {Kind: PolicyRequired, Field: "artifact"},
	})

	pass, err := e.Evaluate("has-artifact", &models.Result{Fields: map[string]any{"artifact": "a.tar"}})
	require.NoError(t, err)
	assert.True(t, pass.Pass)

	fail, err := e.Evaluate("has-artifact", &models.Result{})
	require.NoError(t, err)
	assert.False(t, fail.Pass)
}

func TestEvaluate_Composition(t *testing.T) {
	policies := map[string]Policy{
		"strict": {Kind: PolicyAllOf, Of: []Policy{
			{Kind: PolicyThreshold, Metric: "coverage", Min: 0.8},
			{Kind: PolicyRequired, Field: "artifact"},
		}},
		"lenient": {Kind: PolicyAnyOf, Of: []Policy{
			{Kind: PolicyThreshold, Metric: "coverage", Min: 0.8},
			{Kind: PolicyRequired, Field: "artifact"},
		}},
	}
	e := newTestEvaluator(t, policies)

	partial := &models.Result{Fields: map[string]any{"artifact": "a.tar"}}

	strict, err := e.Evaluate("strict", partial)
	require.NoError(t, err)
	assert.False(t, strict.Pass)

	lenient, err := e.Evaluate("lenient", partial)
	require.NoError(t, err)
	assert.True(t, lenient.Pass)
}

func TestEvaluate_UnknownPolicy(t *testing.T) {
	e := newTestEvaluator(t, nil)

	_, err := e.Evaluate("nope", &models.Result{})
	assert.Error(t, err)
}

func TestNewEvaluator_RejectsInvalidPolicies(t *testing.T) {
	cases := map[string]Policy{
		"threshold without metric": {Kind: PolicyThreshold},
		"required without field":   {Kind: PolicyRequired},
		"empty composition":        {Kind: PolicyAllOf},
		"unknown kind":             {Kind: "regex"},
	}

	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewEvaluator(map[string]Policy{"p": p})
			assert.Error(t, err)
		})
	}
}
