// Package ruleset holds the downloaded evaluation package: flag
// definitions, cohort expressions and the group type mapping, plus the
// background loader that keeps an atomic snapshot of it fresh.
package ruleset

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Filter types recognized inside condition groups.
const (
	FilterTypePerson = "person"
	FilterTypeGroup  = "group"
	FilterTypeCohort = "cohort"
	FilterTypeFlag   = "flag"
)

// Operators supported by the local property matcher.
const (
	OperatorExact           = "exact"
	OperatorIsNot           = "is_not"
	OperatorIsSet           = "is_set"
	OperatorIsNotSet        = "is_not_set"
	OperatorIContains       = "icontains"
	OperatorNotIContains    = "not_icontains"
	OperatorRegex           = "regex"
	OperatorNotRegex        = "not_regex"
	OperatorGT              = "gt"
	OperatorGTE             = "gte"
	OperatorLT              = "lt"
	OperatorLTE             = "lte"
	OperatorIsDateBefore    = "is_date_before"
	OperatorIsDateAfter     = "is_date_after"
	OperatorFlagEvaluatesTo = "flag_evaluates_to"
)

// FeatureFlag is one flag definition as served by the rule-set endpoint.
type FeatureFlag struct {
	ID                         int64       `json:"id"`
	TeamID                     int64       `json:"team_id"`
	Key                        string      `json:"key"`
	Name                       string      `json:"name"`
	Active                     bool        `json:"active"`
	EnsureExperienceContinuity bool        `json:"ensure_experience_continuity"`
	Version                    int         `json:"version"`
	Filters                    FlagFilters `json:"filters"`
}

// FlagFilters groups everything that drives a flag's evaluation.
type FlagFilters struct {
	// AggregationGroupTypeIndex, when set, makes the flag hash the
	// group key of that group type instead of the distinct id.
	AggregationGroupTypeIndex *int                       `json:"aggregation_group_type_index"`
	Groups                    []ConditionGroup           `json:"groups"`
	Multivariate              *Multivariate              `json:"multivariate"`
	Payloads                  map[string]json.RawMessage `json:"payloads"`
}

// ConditionGroup is one ordered rule: all properties must match, then
// the rollout hash must admit the subject. The first group that passes
// both wins.
type ConditionGroup struct {
	Properties        []PropertyFilter `json:"properties"`
	RolloutPercentage *float64         `json:"rollout_percentage"`
	// Variant forces the multivariate outcome when the key exists in
	// the split; unknown overrides are ignored.
	Variant *string `json:"variant"`
}

// Multivariate describes the ordered variant split of a flag.
type Multivariate struct {
	Variants []Variant `json:"variants"`
}

// Variant is a single named outcome with its share of the split.
type Variant struct {
	Key               string   `json:"key"`
	Name              string   `json:"name"`
	RolloutPercentage *float64 `json:"rollout_percentage"`
}

// PropertyFilter is one predicate over the subject's property bag.
// Value is either a scalar or an ordered list of scalars.
type PropertyFilter struct {
	Key            string `json:"key"`
	Type           string `json:"type"`
	Value          any    `json:"value"`
	Operator       string `json:"operator,omitempty"`
	GroupTypeIndex *int   `json:"group_type_index,omitempty"`
	Negation       bool   `json:"negation,omitempty"`

	// DependencyChain lists the transitive flag dependencies that must
	// be evaluated before a flag-type filter, deepest first. A non-nil
	// empty chain marks a circular dependency.
	DependencyChain []string `json:"dependency_chain,omitempty"`
}

// EffectiveOperator returns the operator, defaulting to exact when the
// server omits it.
func (p PropertyFilter) EffectiveOperator() string {
	if p.Operator == "" {
		return OperatorExact
	}
	return p.Operator
}

// Equal reports whether two filters are interchangeable. A nil
// dependency chain equals an empty one; a non-empty chain never equals
// either. The comparison is symmetric.
func (p PropertyFilter) Equal(other PropertyFilter) bool {
	if p.Key != other.Key ||
		p.Type != other.Type ||
		p.EffectiveOperator() != other.EffectiveOperator() ||
		p.Negation != other.Negation {
		return false
	}
	if (p.GroupTypeIndex == nil) != (other.GroupTypeIndex == nil) {
		return false
	}
	if p.GroupTypeIndex != nil && *p.GroupTypeIndex != *other.GroupTypeIndex {
		return false
	}
	if len(p.DependencyChain) != len(other.DependencyChain) {
		return false
	}
	for i := range p.DependencyChain {
		if p.DependencyChain[i] != other.DependencyChain[i] {
			return false
		}
	}
	return reflect.DeepEqual(p.Value, other.Value)
}

// CohortExpression is a recursive AND/OR tree over property filters.
type CohortExpression struct {
	Type   string
	Values []CohortValue
}

// CohortValue is one node of a cohort tree: either a nested expression
// or a leaf property filter.
type CohortValue struct {
	Group  *CohortExpression
	Filter *PropertyFilter
}

// cohortProbe distinguishes nested groups from leaf filters. A node is
// a group iff its type is AND/OR and it carries a values array.
type cohortProbe struct {
	Type   string          `json:"type"`
	Values json.RawMessage `json:"values"`
}

// UnmarshalJSON decodes the server's nested cohort shape.
func (c *CohortExpression) UnmarshalJSON(data []byte) error {
	var probe cohortProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	c.Type = probe.Type
	c.Values = nil
	if len(probe.Values) == 0 {
		return nil
	}

	var rawValues []json.RawMessage
	if err := json.Unmarshal(probe.Values, &rawValues); err != nil {
		return fmt.Errorf("cohort values must be an array: %w", err)
	}
	for _, raw := range rawValues {
		var valueProbe cohortProbe
		if err := json.Unmarshal(raw, &valueProbe); err != nil {
			return err
		}
		if (valueProbe.Type == "AND" || valueProbe.Type == "OR") && valueProbe.Values != nil {
			nested := &CohortExpression{}
			if err := json.Unmarshal(raw, nested); err != nil {
				return err
			}
			c.Values = append(c.Values, CohortValue{Group: nested})
			continue
		}
		filter := &PropertyFilter{}
		if err := json.Unmarshal(raw, filter); err != nil {
			return err
		}
		c.Values = append(c.Values, CohortValue{Filter: filter})
	}
	return nil
}

// RuleSet is one consistent snapshot of everything needed for local
// evaluation. Snapshots are immutable once installed; the loader swaps
// whole snapshots atomically.
type RuleSet struct {
	Flags            []FeatureFlag
	Cohorts          map[string]*CohortExpression
	GroupTypeMapping map[string]string

	flagsByKey map[string]*FeatureFlag
	LoadedAt   time.Time
}

// localEvaluationResponse is the rule-set endpoint's wire shape.
type localEvaluationResponse struct {
	Flags            []FeatureFlag                `json:"flags"`
	GroupTypeMapping map[string]string            `json:"group_type_mapping"`
	Cohorts          map[string]*CohortExpression `json:"cohorts"`
}

// Decode parses a rule-set endpoint body into an immutable snapshot,
// precomputing flag dependency chains.
func Decode(body []byte, loadedAt time.Time) (*RuleSet, error) {
	var resp localEvaluationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed rule set: %w", err)
	}

	rs := &RuleSet{
		Flags:            resp.Flags,
		Cohorts:          resp.Cohorts,
		GroupTypeMapping: resp.GroupTypeMapping,
		flagsByKey:       make(map[string]*FeatureFlag, len(resp.Flags)),
		LoadedAt:         loadedAt,
	}
	if rs.Cohorts == nil {
		rs.Cohorts = map[string]*CohortExpression{}
	}
	if rs.GroupTypeMapping == nil {
		rs.GroupTypeMapping = map[string]string{}
	}
	for i := range rs.Flags {
		rs.flagsByKey[rs.Flags[i].Key] = &rs.Flags[i]
	}
	rs.computeDependencyChains()
	return rs, nil
}

// Flag returns the definition for key, or nil when absent.
func (rs *RuleSet) Flag(key string) *FeatureFlag {
	if rs == nil {
		return nil
	}
	return rs.flagsByKey[key]
}

// GroupType resolves an aggregation index to its group type name.
func (rs *RuleSet) GroupType(index int) (string, bool) {
	name, ok := rs.GroupTypeMapping[fmt.Sprintf("%d", index)]
	return name, ok
}

// computeDependencyChains fills in DependencyChain for every flag-type
// filter that the server left unset. The chain lists transitive
// dependencies deepest first; cycles produce a non-nil empty chain so
// evaluators can refuse them without re-walking the graph.
func (rs *RuleSet) computeDependencyChains() {
	for i := range rs.Flags {
		for g := range rs.Flags[i].Filters.Groups {
			group := &rs.Flags[i].Filters.Groups[g]
			for f := range group.Properties {
				filter := &group.Properties[f]
				if filter.Type != FilterTypeFlag || filter.DependencyChain != nil {
					continue
				}
				chain, ok := rs.chainFor(filter.Key, map[string]bool{rs.Flags[i].Key: true})
				if !ok {
					filter.DependencyChain = []string{}
					continue
				}
				filter.DependencyChain = chain
			}
		}
	}
}

// chainFor walks the dependency graph below key in post-order. Visiting
// a key already on the path means a cycle.
func (rs *RuleSet) chainFor(key string, onPath map[string]bool) ([]string, bool) {
	if onPath[key] {
		return nil, false
	}
	flag := rs.flagsByKey[key]
	chain := []string{}
	if flag == nil {
		// Unknown dependency: the chain still ends with the key so the
		// evaluator reports the missing flag, not a cycle.
		return append(chain, key), true
	}

	onPath[key] = true
	defer delete(onPath, key)

	seen := map[string]bool{}
	for _, group := range flag.Filters.Groups {
		for _, filter := range group.Properties {
			if filter.Type != FilterTypeFlag {
				continue
			}
			sub, ok := rs.chainFor(filter.Key, onPath)
			if !ok {
				return nil, false
			}
			for _, dep := range sub {
				if !seen[dep] {
					seen[dep] = true
					chain = append(chain, dep)
				}
			}
		}
	}
	return append(chain, key), true
}
