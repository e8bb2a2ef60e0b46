package pennant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/OrlandoBitencourt/pennant/internal/cache"
	"github.com/OrlandoBitencourt/pennant/internal/decider"
	"github.com/OrlandoBitencourt/pennant/internal/decision"
	"github.com/OrlandoBitencourt/pennant/internal/evaluator"
	"github.com/OrlandoBitencourt/pennant/internal/ruleset"
)

// IsFeatureEnabled reports whether the flag is on for the subject. A
// multivariate outcome counts as enabled. Failures degrade to false.
func (c *Client) IsFeatureEnabled(ctx context.Context, payload FeatureFlagPayload) (bool, error) {
	result, err := c.GetFeatureFlag(ctx, payload)
	if err != nil {
		return false, err
	}
	if variant, ok := result.(string); ok {
		return variant != "", nil
	}
	enabled, _ := result.(bool)
	return enabled, nil
}

// GetFeatureFlag resolves the flag's value for the subject: false,
// true, or a variant key. Local evaluation is tried first; inconclusive
// outcomes fall back to the decision endpoint unless the payload opts
// out.
func (c *Client) GetFeatureFlag(ctx context.Context, payload FeatureFlagPayload) (FlagValue, error) {
	result, err := c.resolveFlag(ctx, payload)
	if err != nil {
		return false, err
	}
	c.emitFlagCalled(ctx, payload, result)
	return result.Value(), nil
}

// GetFeatureFlagPayload returns the JSON payload attached to the flag's
// winning outcome, or "" when the flag is off or carries none.
func (c *Client) GetFeatureFlagPayload(ctx context.Context, payload FeatureFlagPayload) (string, error) {
	result, err := c.resolveFlag(ctx, payload)
	if err != nil {
		return "", err
	}
	c.emitFlagCalled(ctx, payload, result)
	return string(result.Payload), nil
}

// GetAllFeatureFlags resolves every flag the subject sees. Locally
// determined decisions are kept; flags the rule set cannot decide are
// filled in from the decision endpoint, whose answers win on overlap.
func (c *Client) GetAllFeatureFlags(ctx context.Context, payload AllFlagsPayload) (map[string]FlagValue, error) {
	if !c.started.Load() {
		return nil, &NotStartedError{Operation: "GetAllFeatureFlags"}
	}

	decisions, _, err := c.allDecisions(ctx, payload.DistinctID,
		toPropertyMap(payload.PersonProperties), payload.Groups,
		toGroupPropertyMap(payload.GroupProperties), payload.OnlyEvaluateLocally)
	if err != nil {
		return nil, err
	}

	out := make(map[string]FlagValue, len(decisions))
	for key, d := range decisions {
		out[key] = d.Value()
	}
	return out, nil
}

// resolveFlag runs the local-first, remote-fallback pipeline for one
// flag.
func (c *Client) resolveFlag(ctx context.Context, payload FeatureFlagPayload) (FeatureFlagResult, error) {
	if !c.started.Load() {
		return FeatureFlagResult{}, &NotStartedError{Operation: "feature flag query"}
	}
	if payload.Key == "" || payload.DistinctID == "" {
		return FeatureFlagResult{}, &ConfigError{Field: "payload", Message: "flag key and distinct id are required"}
	}

	d, local, err := c.localDecision(payload)
	if err == nil {
		c.telemetry.RecordEvaluation(ctx, payload.Key, "local")
		return toResult(payload.Key, d, local), nil
	}
	if payload.OnlyEvaluateLocally {
		// Inconclusive with no fallback allowed reads as flag-off.
		c.log.Debug().Str("flag", payload.Key).Err(err).Msg("local-only evaluation inconclusive; treating as off")
		return FeatureFlagResult{Key: payload.Key}, nil
	}

	remote, err := c.decider.Decide(ctx, decider.Request{
		DistinctID:         payload.DistinctID,
		Groups:             payload.Groups,
		PersonProperties:   toPropertyMap(payload.PersonProperties),
		GroupProperties:    toGroupPropertyMap(payload.GroupProperties),
		FlagKeysToEvaluate: []string{payload.Key},
	})
	if err != nil {
		if errors.Is(err, decider.ErrQuotaLimited) {
			return FeatureFlagResult{Key: payload.Key}, nil
		}
		return FeatureFlagResult{}, fmt.Errorf("resolving flag %q: %w", payload.Key, err)
	}
	c.telemetry.RecordEvaluation(ctx, payload.Key, "remote")

	rd, ok := remote[payload.Key]
	if !ok {
		return FeatureFlagResult{Key: payload.Key}, nil
	}
	return toResult(payload.Key, &rd, false), nil
}

// localDecision evaluates one flag against the active rule-set
// snapshot. The error is evaluator.ErrInconclusive-shaped whenever the
// remote fallback should run.
func (c *Client) localDecision(payload FeatureFlagPayload) (*decision.Decision, bool, error) {
	if c.loader == nil {
		return nil, false, fmt.Errorf("%w: local evaluation not configured", evaluator.ErrInconclusive)
	}
	rs := c.loader.Active()
	if rs == nil {
		return nil, false, fmt.Errorf("%w: no rule set loaded", evaluator.ErrInconclusive)
	}
	flag := rs.Flag(payload.Key)
	if flag == nil {
		return nil, false, fmt.Errorf("%w: flag %q not in rule set", evaluator.ErrInconclusive, payload.Key)
	}

	d, err := c.evaluator.Evaluate(rs, flag, evaluator.Subject{
		DistinctID:       payload.DistinctID,
		PersonProperties: toPropertyMap(payload.PersonProperties),
		Groups:           payload.Groups,
		GroupProperties:  toGroupPropertyMap(payload.GroupProperties),
	})
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// allDecisions resolves every flag for a subject, consulting the
// decision cache first. Used by GetAllFeatureFlags and capture
// enrichment. Only complete sets are cached: a local-only query that
// skipped inconclusive flags, or a quota-limited remote answer, must
// not shadow later full resolutions of the same subject.
func (c *Client) allDecisions(ctx context.Context, distinctID string, personProperties map[string]any, groups Groups, groupProperties map[string]map[string]any, onlyLocal bool) (map[string]decision.Decision, bool, error) {
	fingerprint := cache.Fingerprint(distinctID, personProperties, groups, groupProperties)
	if cached, ok := c.decisions.Get(fingerprint); ok {
		return cached, true, nil
	}

	decisions, local, complete, err := c.evaluateAll(ctx, distinctID, personProperties, groups, groupProperties, onlyLocal)
	if err != nil {
		return nil, false, err
	}
	if complete {
		c.decisions.Set(fingerprint, decisions)
	}
	return decisions, local, nil
}

// evaluateAll resolves the full flag set: locally determined decisions
// are kept and inconclusive flags are filled in by the decision
// endpoint, whose answers supersede local ones on overlap. The third
// return reports whether the set is complete and safe to cache.
func (c *Client) evaluateAll(ctx context.Context, distinctID string, personProperties map[string]any, groups Groups, groupProperties map[string]map[string]any, onlyLocal bool) (map[string]decision.Decision, bool, bool, error) {
	subject := evaluator.Subject{
		DistinctID:       distinctID,
		PersonProperties: personProperties,
		Groups:           groups,
		GroupProperties:  groupProperties,
	}

	var rs *ruleset.RuleSet
	if c.loader != nil {
		rs = c.loader.Active()
	}

	decisions := map[string]decision.Decision{}
	conclusive := rs != nil
	if rs != nil {
		for i := range rs.Flags {
			flag := &rs.Flags[i]
			d, err := c.evaluator.Evaluate(rs, flag, subject)
			if err != nil {
				conclusive = false
				continue
			}
			decisions[flag.Key] = *d
		}
	}

	if conclusive || onlyLocal {
		c.telemetry.RecordEvaluation(ctx, "*", "local")
		return decisions, true, conclusive, nil
	}

	remote, err := c.decider.Decide(ctx, decider.Request{
		DistinctID:       distinctID,
		Groups:           groups,
		PersonProperties: personProperties,
		GroupProperties:  groupProperties,
	})
	if err != nil {
		if errors.Is(err, decider.ErrQuotaLimited) {
			return decisions, false, false, nil
		}
		return nil, false, false, fmt.Errorf("resolving all flags: %w", err)
	}
	c.telemetry.RecordEvaluation(ctx, "*", "remote")
	for key, d := range remote {
		decisions[key] = d
	}
	return decisions, false, true, nil
}

// emitFlagCalled enqueues a $feature_flag_called event unless flag
// events are disabled or the (flag, subject, value) tuple was already
// reported within the suppression window.
func (c *Client) emitFlagCalled(ctx context.Context, payload FeatureFlagPayload, result FeatureFlagResult) {
	if !c.cfg.sendFeatureFlagEvents || payload.DisableFlagEvents {
		return
	}

	key := payload.Key + "\x00" + payload.DistinctID + "\x00" + renderFlagValue(result.Value())
	if !c.sent.Insert(key) {
		c.telemetry.RecordSuppression(ctx, payload.Key)
		return
	}

	props := c.baseProperties(nil)
	props[propFlag] = payload.Key
	props[propFlagResponse] = result.Value()
	props[propLocallyEvaluated] = result.LocallyEvaluated
	if result.id != 0 {
		props[propFlagID] = result.id
	}
	if result.version != 0 {
		props[propFlagVersion] = result.version
	}
	if result.reason != "" {
		props[propFlagReason] = result.reason
	}
	if result.requestID != "" {
		props[propFlagRequestID] = result.requestID
	}

	c.enqueue(ctx, payload.DistinctID, eventFeatureFlag, props, nil, "")
}

// toResult projects the internal decision into the public result type.
func toResult(key string, d *decision.Decision, local bool) FeatureFlagResult {
	r := FeatureFlagResult{
		Key:              key,
		Enabled:          d.Enabled,
		Variant:          d.Variant,
		Payload:          d.Payload,
		LocallyEvaluated: local,
		id:               d.ID,
		version:          d.Version,
		requestID:        d.RequestID,
	}
	if d.Reason != nil {
		r.reason = d.Reason.Description
	}
	return r
}

// activeFlagKeys lists the keys of truthy decisions, sorted.
func activeFlagKeys(decisions map[string]decision.Decision) []string {
	keys := make([]string, 0, len(decisions))
	for key, d := range decisions {
		if d.Truthy() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// renderFlagValue renders a flag outcome as the suppression cache keys
// it, so a value change re-emits.
func renderFlagValue(value FlagValue) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, _ := json.Marshal(v)
		return string(encoded)
	}
}

func toPropertyMap(props Properties) map[string]any {
	if props == nil {
		return nil
	}
	return map[string]any(props)
}

func toGroupPropertyMap(props map[string]Properties) map[string]map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(props))
	for groupType, bag := range props {
		out[groupType] = map[string]any(bag)
	}
	return out
}
