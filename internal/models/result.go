package models

// Result is the structured output of a successful worker invocation.
// The engine treats Fields as opaque beyond recording them to working
// memory; Metrics feed threshold-style quality gates.
type Result struct {
	Fields  map[string]any     `json:"fields,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Output  string             `json:"output,omitempty"`
}

// Field returns a named field and whether it was present.
func (r *Result) Field(name string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[name]
	return v, ok
}

// Metric returns a named metric and whether it was present.
func (r *Result) Metric(name string) (float64, bool) {
	if r == nil || r.Metrics == nil {
		return 0, false
	}
	v, ok := r.Metrics[name]
	return v, ok
}
