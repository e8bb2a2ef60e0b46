package evaluator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/OrlandoBitencourt/pennant/internal/ruleset"
)

// distinctIDKey is the synthetic property that filters may target to
// match the subject identifier itself. An explicit property of the same
// name takes precedence.
const distinctIDKey = "distinct_id"

// matchProperty evaluates one person/group filter against the property
// bag. Missing properties are Inconclusive except for is_not, whose
// vacuous truth the server relies on.
func (e *Evaluator) matchProperty(filter ruleset.PropertyFilter, properties map[string]any, distinctID string) Result {
	operator := filter.EffectiveOperator()

	if operator == ruleset.OperatorIsNotSet {
		// Proving a property is never set needs knowledge the SDK does
		// not have; the decision endpoint owns this operator.
		return Inconclusive
	}

	value, present := properties[filter.Key]
	if !present && filter.Key == distinctIDKey {
		value, present = distinctID, true
	}
	if !present {
		if operator == ruleset.OperatorIsNot {
			// Vacuous truth: a missing property is trivially "not"
			// any value.
			return Match
		}
		return Inconclusive
	}

	switch operator {
	case ruleset.OperatorExact:
		return boolResult(containsFold(filter.Value, value))

	case ruleset.OperatorIsNot:
		return boolResult(!containsFold(filter.Value, value))

	case ruleset.OperatorIsSet:
		return Match

	case ruleset.OperatorIContains:
		return boolResult(strings.Contains(
			strings.ToLower(canonicalString(value)),
			strings.ToLower(canonicalString(filter.Value)),
		))

	case ruleset.OperatorNotIContains:
		return boolResult(!strings.Contains(
			strings.ToLower(canonicalString(value)),
			strings.ToLower(canonicalString(filter.Value)),
		))

	case ruleset.OperatorRegex:
		matched, ok := e.matchRegex(canonicalString(filter.Value), canonicalString(value))
		if !ok {
			return Inconclusive
		}
		return boolResult(matched)

	case ruleset.OperatorNotRegex:
		matched, ok := e.matchRegex(canonicalString(filter.Value), canonicalString(value))
		if !ok {
			return Inconclusive
		}
		return boolResult(!matched)

	case ruleset.OperatorGT:
		return compareOrdered(value, filter.Value, func(c int) bool { return c > 0 })

	case ruleset.OperatorGTE:
		return compareOrdered(value, filter.Value, func(c int) bool { return c >= 0 })

	case ruleset.OperatorLT:
		return compareOrdered(value, filter.Value, func(c int) bool { return c < 0 })

	case ruleset.OperatorLTE:
		return compareOrdered(value, filter.Value, func(c int) bool { return c <= 0 })

	case ruleset.OperatorIsDateBefore:
		return e.compareDate(value, filter.Value, true)

	case ruleset.OperatorIsDateAfter:
		return e.compareDate(value, filter.Value, false)

	default:
		return Inconclusive
	}
}

// matchRegex runs the shared "value matches pattern" program with the
// pattern supplied at run time, so one compiled program serves every
// regex filter. Invalid patterns report not-ok.
func (e *Evaluator) matchRegex(pattern, value string) (matched, ok bool) {
	const programKey = "value matches pattern"

	e.mu.RLock()
	program := e.programs[programKey]
	e.mu.RUnlock()

	if program == nil {
		compiled, err := expr.Compile(programKey, expr.Env(map[string]any{
			"value":   "",
			"pattern": "",
		}))
		if err != nil {
			return false, false
		}
		e.mu.Lock()
		e.programs[programKey] = compiled
		e.mu.Unlock()
		program = compiled
	}

	// Reject invalid patterns before the VM does, so a broken filter
	// reads as Inconclusive rather than a run error.
	if _, err := regexp.Compile(pattern); err != nil {
		return false, false
	}

	out, err := expr.Run(program, map[string]any{"value": value, "pattern": pattern})
	if err != nil {
		return false, false
	}
	result, isBool := out.(bool)
	return result, isBool
}

// containsFold reports whether candidate equals the filter value, or
// any element when the filter value is a list. Comparison is
// case-insensitive over canonical strings, so 2 matches "2" and TRUE
// matches true.
func containsFold(filterValue, candidate any) bool {
	candidateStr := canonicalString(candidate)
	switch values := filterValue.(type) {
	case []any:
		for _, v := range values {
			if strings.EqualFold(canonicalString(v), candidateStr) {
				return true
			}
		}
		return false
	case []string:
		for _, v := range values {
			if strings.EqualFold(v, candidateStr) {
				return true
			}
		}
		return false
	default:
		return strings.EqualFold(canonicalString(filterValue), candidateStr)
	}
}

// compareOrdered compares numerically when both sides parse as numbers,
// lexicographically otherwise. keep receives the sign of
// property-compared-to-filter.
func compareOrdered(propertyValue, filterValue any, keep func(int) bool) Result {
	if pf, pok := toFloat(propertyValue); pok {
		if ff, fok := toFloat(filterValue); fok {
			switch {
			case pf < ff:
				return boolResult(keep(-1))
			case pf > ff:
				return boolResult(keep(1))
			default:
				return boolResult(keep(0))
			}
		}
	}
	return boolResult(keep(strings.Compare(canonicalString(propertyValue), canonicalString(filterValue))))
}

// compareDate implements is_date_before / is_date_after. The filter
// value is an absolute timestamp or a relative "-<N><unit>" duration
// anchored to the injected clock.
func (e *Evaluator) compareDate(propertyValue, filterValue any, before bool) Result {
	anchor, ok := e.parseFilterDate(canonicalString(filterValue))
	if !ok {
		return Inconclusive
	}
	propertyDate, ok := parsePropertyDate(propertyValue)
	if !ok {
		return Inconclusive
	}
	if before {
		return boolResult(propertyDate.Before(anchor))
	}
	return boolResult(propertyDate.After(anchor))
}

var relativeDatePattern = regexp.MustCompile(`^-(\d+)([hdwmy])$`)

// parseFilterDate resolves the filter side of a date comparison.
func (e *Evaluator) parseFilterDate(raw string) (time.Time, bool) {
	if m := relativeDatePattern.FindStringSubmatch(raw); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false
		}
		now := e.now().UTC()
		switch m[2] {
		case "h":
			return now.Add(-time.Duration(n) * time.Hour), true
		case "d":
			return now.AddDate(0, 0, -n), true
		case "w":
			return now.AddDate(0, 0, -7*n), true
		case "m":
			return now.AddDate(0, -n, 0), true
		case "y":
			return now.AddDate(-n, 0, 0), true
		}
		return time.Time{}, false
	}
	return parseAbsoluteDate(raw)
}

// parsePropertyDate accepts time.Time values, timestamps, and date-only
// strings.
func parsePropertyDate(value any) (time.Time, bool) {
	if t, ok := value.(time.Time); ok {
		return t.UTC(), true
	}
	return parseAbsoluteDate(canonicalString(value))
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseAbsoluteDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// canonicalString renders any scalar the way comparisons expect:
// floats without trailing zeros, bools as true/false.
func canonicalString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// toFloat converts numeric types and numeric strings.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func boolResult(matched bool) Result {
	if matched {
		return Match
	}
	return NoMatch
}
