// Package decision defines the common outcome type that both the local
// evaluator and the remote decider project into.
package decision

import "encoding/json"

// Decision is the resolved outcome of one flag for one subject.
type Decision struct {
	Key     string
	Enabled bool

	// Variant is the multivariate outcome; empty for boolean flags.
	Variant string

	// Payload is the raw JSON payload attached to the winning outcome,
	// nil when the flag carries none.
	Payload json.RawMessage

	Reason *Reason

	// Metadata carried by v4 decision responses.
	ID        int64
	Version   int
	RequestID string

	// LocallyEvaluated is true when the decision came from the local
	// rule set rather than the decision endpoint.
	LocallyEvaluated bool
}

// Reason explains which condition produced the decision.
type Reason struct {
	Code           string
	Description    string
	ConditionIndex *int
}

// Value renders the decision the way callers observe it: the variant
// key for multivariate outcomes, a bool otherwise.
func (d Decision) Value() any {
	if d.Variant != "" {
		return d.Variant
	}
	return d.Enabled
}

// Truthy reports whether the decision counts as active: enabled, or
// carrying any variant.
func (d Decision) Truthy() bool {
	return d.Enabled || d.Variant != ""
}
