package evaluator

import (
	"github.com/OrlandoBitencourt/pennant/internal/ruleset"
)

// matchCohortFilter resolves a cohort reference from a flag filter. The
// cohort id lives in the filter value; missing cohorts and reference
// cycles are Inconclusive so the decision endpoint can resolve them.
func (e *Evaluator) matchCohortFilter(rs *ruleset.RuleSet, filter ruleset.PropertyFilter, subject Subject, properties map[string]any) Result {
	id := canonicalString(filter.Value)
	return e.matchCohort(rs, id, subject, properties, map[string]bool{})
}

func (e *Evaluator) matchCohort(rs *ruleset.RuleSet, id string, subject Subject, properties map[string]any, onPath map[string]bool) Result {
	if onPath[id] {
		return Inconclusive
	}
	cohort, ok := rs.Cohorts[id]
	if !ok {
		return Inconclusive
	}

	onPath[id] = true
	defer delete(onPath, id)

	return e.matchCohortExpression(rs, cohort, subject, properties, onPath)
}

// matchCohortExpression combines the node's children with three-valued
// AND/OR: a definite answer wins over Inconclusive only when it decides
// the whole node.
func (e *Evaluator) matchCohortExpression(rs *ruleset.RuleSet, expression *ruleset.CohortExpression, subject Subject, properties map[string]any, onPath map[string]bool) Result {
	isOr := expression.Type == "OR"
	sawInconclusive := false

	for _, value := range expression.Values {
		result := e.matchCohortValue(rs, value, subject, properties, onPath)

		switch result {
		case Inconclusive:
			sawInconclusive = true
		case Match:
			if isOr {
				return Match
			}
		case NoMatch:
			if !isOr {
				return NoMatch
			}
		}
	}

	if sawInconclusive {
		return Inconclusive
	}
	if isOr {
		return NoMatch
	}
	return Match
}

func (e *Evaluator) matchCohortValue(rs *ruleset.RuleSet, value ruleset.CohortValue, subject Subject, properties map[string]any, onPath map[string]bool) Result {
	if value.Group != nil {
		return e.matchCohortExpression(rs, value.Group, subject, properties, onPath)
	}
	if value.Filter == nil {
		return Inconclusive
	}

	filter := *value.Filter
	if filter.Type == ruleset.FilterTypeCohort {
		nested := e.matchCohort(rs, canonicalString(filter.Value), subject, properties, onPath)
		return applyNegation(nested, filter.Negation)
	}

	result := e.matchProperty(filter, properties, subject.DistinctID)
	return applyNegation(result, filter.Negation)
}

// applyNegation inverts a definite result. An Inconclusive stays
// Inconclusive: a missing property cannot be proven false, so negation
// does not rescue it.
func applyNegation(result Result, negated bool) Result {
	if !negated || result == Inconclusive {
		return result
	}
	if result == Match {
		return NoMatch
	}
	return Match
}
