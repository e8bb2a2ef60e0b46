package pennant

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/OrlandoBitencourt/pennant/internal/queue"
)

// Capture enqueues one analytics event. The call never blocks: when
// the queue is full the event is dropped with a warning.
func (c *Client) Capture(ctx context.Context, msg Capture) error {
	if !c.started.Load() {
		return &NotStartedError{Operation: "Capture"}
	}
	if msg.DistinctID == "" || msg.Event == "" {
		return &ConfigError{Field: "capture", Message: "distinct id and event name are required"}
	}

	props := c.baseProperties(msg.Properties)
	if len(msg.Groups) > 0 {
		props[propGroups] = msg.Groups
	}

	if msg.SendFeatureFlags {
		c.enrichWithFlags(ctx, msg.DistinctID, msg.Groups, props)
	}

	c.enqueue(ctx, msg.DistinctID, msg.Event, props, &msg.Timestamp, msg.UUID)
	return nil
}

// Identify enqueues a $identify event carrying person properties.
func (c *Client) Identify(ctx context.Context, msg Identify) error {
	if !c.started.Load() {
		return &NotStartedError{Operation: "Identify"}
	}
	if msg.DistinctID == "" {
		return &ConfigError{Field: "identify", Message: "distinct id is required"}
	}

	props := c.baseProperties(nil)
	if len(msg.Properties) > 0 {
		props[propSet] = msg.Properties
	}
	if len(msg.SetOnce) > 0 {
		props[propSetOnce] = msg.SetOnce
	}

	c.enqueue(ctx, msg.DistinctID, eventIdentify, props, nil, "")
	return nil
}

// GroupIdentify enqueues a $groupidentify event carrying group
// properties. The synthetic distinct id follows the ingestion
// convention "$<type>_<key>".
func (c *Client) GroupIdentify(ctx context.Context, msg GroupIdentify) error {
	if !c.started.Load() {
		return &NotStartedError{Operation: "GroupIdentify"}
	}
	if msg.GroupType == "" || msg.GroupKey == "" {
		return &ConfigError{Field: "groupIdentify", Message: "group type and key are required"}
	}

	props := c.baseProperties(nil)
	props[propGroupType] = msg.GroupType
	props[propGroupKey] = msg.GroupKey
	if len(msg.Properties) > 0 {
		props[propGroupSet] = msg.Properties
	}

	c.enqueue(ctx, "$"+msg.GroupType+"_"+msg.GroupKey, eventGroupIdentify, props, nil, "")
	return nil
}

// AliasIdentity enqueues a $create_alias event linking two distinct
// ids.
func (c *Client) AliasIdentity(ctx context.Context, msg Alias) error {
	if !c.started.Load() {
		return &NotStartedError{Operation: "AliasIdentity"}
	}
	if msg.DistinctID == "" || msg.Alias == "" {
		return &ConfigError{Field: "alias", Message: "distinct id and alias are required"}
	}

	props := c.baseProperties(nil)
	props["distinct_id"] = msg.DistinctID
	props["alias"] = msg.Alias

	c.enqueue(ctx, msg.DistinctID, eventAlias, props, nil, "")
	return nil
}

// baseProperties builds the property bag every event starts from:
// super properties, then the caller's properties on top, then the SDK
// stamps.
func (c *Client) baseProperties(callerProps Properties) map[string]any {
	props := make(map[string]any, len(c.cfg.superProperties)+len(callerProps)+3)
	for key, value := range c.cfg.superProperties {
		props[key] = value
	}
	for key, value := range callerProps {
		props[key] = value
	}
	props[propLib] = libName
	props[propLibVersion] = libVersion
	if c.cfg.geoIPDisable {
		props[propGeoIPDisable] = true
	}
	return props
}

// enrichWithFlags stamps the subject's current flag decisions onto the
// property bag: $feature/<key> per truthy flag plus the
// $active_feature_flags roster. Resolution failures leave the event
// unenriched rather than blocking capture.
func (c *Client) enrichWithFlags(ctx context.Context, distinctID string, groups Groups, props map[string]any) {
	decisions, _, err := c.allDecisions(ctx, distinctID, nil, groups, nil, false)
	if err != nil {
		c.log.Warn().Err(err).Str("distinct_id", distinctID).Msg("flag enrichment failed; capturing without flags")
		return
	}

	for key, d := range decisions {
		if d.Truthy() {
			props[featureFlagPrefix+key] = d.Value()
		}
	}
	props[propActiveFlags] = activeFlagKeys(decisions)
}

// enqueue hands one finished event to the queue, filling the timestamp
// and UUID defaults.
func (c *Client) enqueue(ctx context.Context, distinctID, event string, props map[string]any, timestamp *time.Time, eventUUID string) {
	ts := c.cfg.now()
	if timestamp != nil && !timestamp.IsZero() {
		ts = *timestamp
	}
	if eventUUID == "" {
		eventUUID = uuid.NewString()
	}

	c.queue.Enqueue(ctx, queue.Event{
		UUID:       eventUUID,
		Event:      event,
		DistinctID: distinctID,
		Properties: props,
		Timestamp:  ts,
	})
}
