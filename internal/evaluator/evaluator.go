// Package evaluator implements local feature-flag evaluation over a
// rule-set snapshot: property filters, condition groups, cohort trees,
// flag dependencies and multivariate allocation.
//
// Evaluation is pure: the same subject against the same snapshot always
// produces the same decision. When the rule set does not carry enough
// information to decide (unknown cohorts, is_not_set, experience
// continuity, dependency cycles) the evaluator returns ErrInconclusive
// and the client falls back to the decision endpoint.
package evaluator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"

	"github.com/OrlandoBitencourt/pennant/internal/decision"
	"github.com/OrlandoBitencourt/pennant/internal/hashing"
	"github.com/OrlandoBitencourt/pennant/internal/ruleset"
)

// ErrInconclusive signals that local evaluation cannot decide the flag.
// It is internal to the SDK: callers fall back to the remote decider
// and never surface it to the application.
var ErrInconclusive = errors.New("local evaluation inconclusive")

// Result is the three-valued outcome of one predicate.
type Result uint8

const (
	NoMatch Result = iota
	Match
	Inconclusive
)

// Subject describes who a flag is evaluated for.
type Subject struct {
	DistinctID       string
	PersonProperties map[string]any

	// Groups maps group type to group key.
	Groups map[string]string

	// GroupProperties maps group type to that group's property bag.
	GroupProperties map[string]map[string]any
}

// Evaluator evaluates flags against rule-set snapshots. Safe for
// concurrent use; the only mutable state is the compiled regex program
// cache.
type Evaluator struct {
	now func() time.Time

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// New creates an evaluator. now anchors relative date filters; nil
// means time.Now.
func New(now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		now:      now,
		programs: make(map[string]*vm.Program),
	}
}

// Evaluate resolves one flag for the subject against the snapshot.
// Returns ErrInconclusive when the local rule set cannot decide.
func (e *Evaluator) Evaluate(rs *ruleset.RuleSet, flag *ruleset.FeatureFlag, subject Subject) (*decision.Decision, error) {
	memo := make(map[string]*decision.Decision)
	return e.evaluate(rs, flag, subject, memo)
}

// evaluate is the driver shared with dependency resolution; memo keeps
// per-call results so diamond-shaped dependency graphs evaluate each
// flag once.
func (e *Evaluator) evaluate(rs *ruleset.RuleSet, flag *ruleset.FeatureFlag, subject Subject, memo map[string]*decision.Decision) (*decision.Decision, error) {
	if cached, ok := memo[flag.Key]; ok {
		return cached, nil
	}

	// Continuity flags need the server's persisted override state.
	if flag.EnsureExperienceContinuity {
		return nil, fmt.Errorf("%w: flag %q requires experience continuity", ErrInconclusive, flag.Key)
	}

	if !flag.Active {
		d := &decision.Decision{
			Key:              flag.Key,
			Enabled:          false,
			ID:               flag.ID,
			Version:          flag.Version,
			LocallyEvaluated: true,
			Reason:           &decision.Reason{Code: "disabled", Description: "flag is inactive"},
		}
		memo[flag.Key] = d
		return d, nil
	}

	identifier, identified := e.hashIdentifier(rs, flag, subject)
	if !identified {
		// The flag aggregates on a group type the caller did not
		// provide; nothing to hash, so the flag is off.
		d := &decision.Decision{
			Key:              flag.Key,
			Enabled:          false,
			ID:               flag.ID,
			Version:          flag.Version,
			LocallyEvaluated: true,
			Reason:           &decision.Reason{Code: "no_group_key", Description: "no key for aggregation group type"},
		}
		memo[flag.Key] = d
		return d, nil
	}

	properties := e.propertyBag(rs, flag, subject)

	for index, group := range flag.Filters.Groups {
		matched, err := e.matchConditionGroup(rs, flag, group, subject, properties, identifier, memo)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}

		d := &decision.Decision{
			Key:              flag.Key,
			Enabled:          true,
			Variant:          e.chooseVariant(flag, group, identifier),
			ID:               flag.ID,
			Version:          flag.Version,
			LocallyEvaluated: true,
			Reason: &decision.Reason{
				Code:           "condition_match",
				Description:    fmt.Sprintf("matched condition set %d", index+1),
				ConditionIndex: intPtr(index),
			},
		}
		d.Payload = flagPayload(flag, d)
		memo[flag.Key] = d
		return d, nil
	}

	d := &decision.Decision{
		Key:              flag.Key,
		Enabled:          false,
		ID:               flag.ID,
		Version:          flag.Version,
		LocallyEvaluated: true,
		Reason:           &decision.Reason{Code: "no_condition_match", Description: "no condition set matched"},
	}
	memo[flag.Key] = d
	return d, nil
}

// matchConditionGroup walks the group's filters in order and then
// applies the rollout hash. An Inconclusive anywhere aborts the whole
// evaluation.
func (e *Evaluator) matchConditionGroup(rs *ruleset.RuleSet, flag *ruleset.FeatureFlag, group ruleset.ConditionGroup, subject Subject, properties map[string]any, identifier string, memo map[string]*decision.Decision) (bool, error) {
	for _, filter := range group.Properties {
		var result Result
		switch filter.Type {
		case ruleset.FilterTypeCohort:
			result = e.matchCohortFilter(rs, filter, subject, properties)
		case ruleset.FilterTypeFlag:
			result = e.matchFlagDependency(rs, filter, subject, memo)
		default:
			result = e.matchProperty(filter, properties, subject.DistinctID)
		}

		switch result {
		case NoMatch:
			return false, nil
		case Inconclusive:
			return false, fmt.Errorf("%w: filter %q on flag %q", ErrInconclusive, filter.Key, flag.Key)
		}
	}

	if !hashing.InRollout(flag.Key, identifier, group.RolloutPercentage) {
		return false, nil
	}
	return true, nil
}

// chooseVariant picks the multivariate outcome for a matched group. A
// group override wins when it names a variant that exists in the split;
// otherwise the variant hash walks the cumulative ranges.
func (e *Evaluator) chooseVariant(flag *ruleset.FeatureFlag, group ruleset.ConditionGroup, identifier string) string {
	multivariate := flag.Filters.Multivariate
	if multivariate == nil || len(multivariate.Variants) == 0 {
		return ""
	}

	if group.Variant != nil {
		for _, variant := range multivariate.Variants {
			if variant.Key == *group.Variant {
				return variant.Key
			}
		}
		// Unknown override: fall through to normal allocation.
	}

	value := hashing.Bucket(flag.Key, identifier, hashing.SaltVariant)
	cumulative := 0.0
	for _, variant := range multivariate.Variants {
		share := 0.0
		if variant.RolloutPercentage != nil {
			share = *variant.RolloutPercentage / 100
		}
		if value >= cumulative && value < cumulative+share {
			return variant.Key
		}
		cumulative += share
	}
	return ""
}

// hashIdentifier returns the subject identifier the rollout hash keys
// on: the group key when the flag aggregates on a group type, the
// distinct id otherwise.
func (e *Evaluator) hashIdentifier(rs *ruleset.RuleSet, flag *ruleset.FeatureFlag, subject Subject) (string, bool) {
	index := flag.Filters.AggregationGroupTypeIndex
	if index == nil {
		return subject.DistinctID, true
	}
	groupType, ok := rs.GroupType(*index)
	if !ok {
		return "", false
	}
	key, ok := subject.Groups[groupType]
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// propertyBag returns the bag filters are matched against: the group's
// properties for aggregated flags, the person properties otherwise.
func (e *Evaluator) propertyBag(rs *ruleset.RuleSet, flag *ruleset.FeatureFlag, subject Subject) map[string]any {
	index := flag.Filters.AggregationGroupTypeIndex
	if index == nil {
		return subject.PersonProperties
	}
	groupType, ok := rs.GroupType(*index)
	if !ok {
		return nil
	}
	return subject.GroupProperties[groupType]
}

// flagPayload resolves the payload for the winning outcome: keyed by
// the variant for multivariate flags, by "true" for boolean ones.
func flagPayload(flag *ruleset.FeatureFlag, d *decision.Decision) json.RawMessage {
	if len(flag.Filters.Payloads) == 0 || !d.Truthy() {
		return nil
	}
	key := "true"
	if d.Variant != "" {
		key = d.Variant
	}
	return flag.Filters.Payloads[key]
}

func intPtr(v int) *int { return &v }
