package evaluator

import (
	"github.com/OrlandoBitencourt/pennant/internal/decision"
	"github.com/OrlandoBitencourt/pennant/internal/ruleset"
)

// matchFlagDependency evaluates a filter that references another flag's
// outcome. The precomputed dependency chain lists every transitive
// dependency deepest first; an empty chain marks a cycle and is
// Inconclusive.
func (e *Evaluator) matchFlagDependency(rs *ruleset.RuleSet, filter ruleset.PropertyFilter, subject Subject, memo map[string]*decision.Decision) Result {
	if len(filter.DependencyChain) == 0 {
		return Inconclusive
	}

	var resolved *decision.Decision
	for _, key := range filter.DependencyChain {
		dependency := rs.Flag(key)
		if dependency == nil {
			return Inconclusive
		}
		d, err := e.evaluate(rs, dependency, subject, memo)
		if err != nil {
			// Whatever stopped the dependency stops us too.
			return Inconclusive
		}
		if key == filter.Key {
			resolved = d
		}
	}
	if resolved == nil {
		// The chain never produced the referenced flag itself.
		return Inconclusive
	}

	return boolResult(dependencyMatches(filter.Value, resolved))
}

// dependencyMatches applies the expected-outcome rule: a string expects
// that exact variant (case-sensitive); true expects any active outcome;
// false expects a plain boolean off.
func dependencyMatches(expected any, d *decision.Decision) bool {
	switch want := expected.(type) {
	case string:
		return d.Variant == want
	case bool:
		if want {
			return d.Truthy()
		}
		return !d.Enabled && d.Variant == ""
	default:
		return false
	}
}
