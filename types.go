// Package pennant is a server-side analytics and feature-flag client.
// It evaluates flags locally against a periodically refreshed rule set,
// falls back to the remote decision endpoint when the rule set cannot
// decide, and batches captured events to the ingestion API in the
// background.
package pennant

import (
	"encoding/json"
	"time"
)

// SDK identification stamped on every captured event.
const (
	libName    = "pennant-go"
	libVersion = "1.2.0"
)

// Reserved property keys understood by the ingestion pipeline.
const (
	propLib               = "$lib"
	propLibVersion        = "$lib_version"
	propGeoIPDisable      = "$geoip_disable"
	propGroups            = "$groups"
	propSet               = "$set"
	propSetOnce           = "$set_once"
	propGroupType         = "$group_type"
	propGroupKey          = "$group_key"
	propGroupSet          = "$group_set"
	propActiveFlags       = "$active_feature_flags"
	propFlag              = "$feature_flag"
	propFlagResponse      = "$feature_flag_response"
	propFlagID            = "$feature_flag_id"
	propFlagVersion       = "$feature_flag_version"
	propFlagReason        = "$feature_flag_reason"
	propFlagRequestID     = "$feature_flag_request_id"
	propLocallyEvaluated  = "locally_evaluated"
	featureFlagPrefix     = "$feature/"
	eventFeatureFlag      = "$feature_flag_called"
	eventIdentify         = "$identify"
	eventGroupIdentify    = "$groupidentify"
	eventAlias            = "$create_alias"
)

// Properties is a free-form property bag attached to events and used in
// flag evaluation.
type Properties map[string]any

// NewProperties creates an empty property bag.
func NewProperties() Properties {
	return Properties{}
}

// Set adds a property (fluent interface).
func (p Properties) Set(key string, value any) Properties {
	p[key] = value
	return p
}

// Groups maps a group type (e.g. "company") to the group key the
// subject belongs to.
type Groups map[string]string

// Capture is an analytics event to enqueue.
type Capture struct {
	DistinctID string
	Event      string
	Properties Properties
	Groups     Groups

	// SendFeatureFlags enriches the event with the subject's current
	// flag decisions ($feature/<key> and $active_feature_flags).
	SendFeatureFlags bool

	// Timestamp defaults to the client clock's now.
	Timestamp time.Time

	// UUID defaults to a random v4.
	UUID string
}

// Identify sets person properties for a distinct id.
type Identify struct {
	DistinctID string
	Properties Properties

	// SetOnce properties are written only if not already present.
	SetOnce Properties
}

// GroupIdentify sets properties on a group.
type GroupIdentify struct {
	GroupType  string
	GroupKey   string
	Properties Properties
}

// Alias links two distinct ids.
type Alias struct {
	DistinctID string
	Alias      string
}

// FeatureFlagPayload describes one flag query.
type FeatureFlagPayload struct {
	Key        string
	DistinctID string

	PersonProperties Properties
	Groups           Groups
	GroupProperties  map[string]Properties

	// OnlyEvaluateLocally suppresses the remote fallback; inconclusive
	// local evaluations then read as flag-off.
	OnlyEvaluateLocally bool

	// DisableFlagEvents suppresses the $feature_flag_called event for
	// this query.
	DisableFlagEvents bool
}

// AllFlagsPayload describes a query for every flag a subject sees.
type AllFlagsPayload struct {
	DistinctID string

	PersonProperties Properties
	Groups           Groups
	GroupProperties  map[string]Properties

	OnlyEvaluateLocally bool
}

// FlagValue is a resolved flag outcome as callers observe it: false,
// true, or a variant key.
type FlagValue any

// FeatureFlagResult is the detailed outcome of one flag query.
type FeatureFlagResult struct {
	Key     string
	Enabled bool
	Variant string
	Payload json.RawMessage

	// LocallyEvaluated is true when the decision came from the local
	// rule set.
	LocallyEvaluated bool

	// Decision metadata carried through to $feature_flag_called.
	id        int64
	version   int
	reason    string
	requestID string
}

// Value renders the result the way IsFeatureEnabled/GetFeatureFlag
// callers observe it.
func (r FeatureFlagResult) Value() FlagValue {
	if r.Variant != "" {
		return r.Variant
	}
	return r.Enabled
}
