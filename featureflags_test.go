package pennant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleRuleSet = `{"flags": [
	{"id": 1, "key": "beta-feature", "active": true,
	 "filters": {"groups": [{"rollout_percentage": 100}]}}
]}`

const propertyRuleSet = `{"flags": [
	{"id": 1, "key": "us-only", "active": true, "filters": {"groups": [{
		"properties": [{"key": "region", "type": "person", "value": "USA", "operator": "exact"}],
		"rollout_percentage": 100}]}}
]}`

// One flag decidable locally, one that always needs the server.
const mixedRuleSet = `{"flags": [
	{"id": 1, "key": "local-flag", "active": true,
	 "filters": {"groups": [{"rollout_percentage": 100}]}},
	{"id": 2, "key": "continuity-flag", "active": true, "ensure_experience_continuity": true,
	 "filters": {"groups": [{"rollout_percentage": 100}]}}
]}`

func TestIsFeatureEnabled_LocalRollout(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, simpleRuleSet)
	client := newTestClient(t, backend)

	enabled, err := client.IsFeatureEnabled(context.Background(), FeatureFlagPayload{
		Key:        "beta-feature",
		DistinctID: "distinct-id",
	})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Zero(t, backend.decideCount())
}

func TestIsFeatureEnabled_InactiveFlag(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, `{"flags": [
		{"id": 1, "key": "beta-feature", "active": false,
		 "filters": {"groups": [{"rollout_percentage": 100}]}}
	]}`)
	client := newTestClient(t, backend)

	enabled, err := client.IsFeatureEnabled(context.Background(), FeatureFlagPayload{
		Key:        "beta-feature",
		DistinctID: "distinct-id",
	})
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestGetFeatureFlag_PersonProperties(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, propertyRuleSet)
	client := newTestClient(t, backend)

	ctx := context.Background()

	value, err := client.GetFeatureFlag(ctx, FeatureFlagPayload{
		Key:              "us-only",
		DistinctID:       "distinct-id",
		PersonProperties: NewProperties().Set("region", "USA"),
	})
	require.NoError(t, err)
	assert.Equal(t, true, value)

	value, err = client.GetFeatureFlag(ctx, FeatureFlagPayload{
		Key:              "us-only",
		DistinctID:       "distinct-id",
		PersonProperties: NewProperties().Set("region", "Canada"),
	})
	require.NoError(t, err)
	assert.Equal(t, false, value)
}

func TestGetFeatureFlag_RemoteFallback(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, propertyRuleSet)
	backend.setDecide(200, `{"featureFlags": {"us-only": "alakazam"}}`)
	client := newTestClient(t, backend)

	// No person properties: the region filter is inconclusive locally,
	// so the decision endpoint answers.
	value, err := client.GetFeatureFlag(context.Background(), FeatureFlagPayload{
		Key:        "us-only",
		DistinctID: "distinct-id",
	})
	require.NoError(t, err)
	assert.Equal(t, "alakazam", value)
	assert.Equal(t, 1, backend.decideCount())
}

func TestGetFeatureFlag_OnlyEvaluateLocally(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, propertyRuleSet)
	client := newTestClient(t, backend)

	value, err := client.GetFeatureFlag(context.Background(), FeatureFlagPayload{
		Key:                 "us-only",
		DistinctID:          "distinct-id",
		OnlyEvaluateLocally: true,
	})
	require.NoError(t, err)
	assert.Equal(t, false, value, "inconclusive with no fallback reads as off")
	assert.Zero(t, backend.decideCount())
}

func TestGetFeatureFlag_UnknownFlagFallsBack(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, simpleRuleSet)
	backend.setDecide(200, `{"featureFlags": {"brand-new": true}}`)
	client := newTestClient(t, backend)

	value, err := client.GetFeatureFlag(context.Background(), FeatureFlagPayload{
		Key:        "brand-new",
		DistinctID: "distinct-id",
	})
	require.NoError(t, err)
	assert.Equal(t, true, value)
}

func TestGetFeatureFlagPayload(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, `{"flags": [
		{"id": 1, "key": "with-payload", "active": true,
		 "filters": {
			"groups": [{"rollout_percentage": 100}],
			"payloads": {"true": {"color": "blue"}}
		}}
	]}`)
	client := newTestClient(t, backend)

	payload, err := client.GetFeatureFlagPayload(context.Background(), FeatureFlagPayload{
		Key:        "with-payload",
		DistinctID: "distinct-id",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"color": "blue"}`, payload)
}

func TestGetAllFeatureFlags_Local(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, `{"flags": [
		{"id": 1, "key": "on-flag", "active": true,
		 "filters": {"groups": [{"rollout_percentage": 100}]}},
		{"id": 2, "key": "off-flag", "active": true,
		 "filters": {"groups": [{"rollout_percentage": 0}]}},
		{"id": 3, "key": "variant-flag", "active": true,
		 "filters": {
			"groups": [{"rollout_percentage": 100, "variant": "gold"}],
			"multivariate": {"variants": [{"key": "gold", "rollout_percentage": 100}]}
		}}
	]}`)
	client := newTestClient(t, backend)

	flags, err := client.GetAllFeatureFlags(context.Background(), AllFlagsPayload{DistinctID: "distinct-id"})
	require.NoError(t, err)

	assert.Equal(t, map[string]FlagValue{
		"on-flag":      true,
		"off-flag":     false,
		"variant-flag": "gold",
	}, flags)
	assert.Zero(t, backend.decideCount())
}

func TestGetAllFeatureFlags_RemoteWhenInconclusive(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, mixedRuleSet)
	backend.setDecide(200, `{"featureFlags": {"continuity-flag": true, "server-side": "silver"}}`)
	client := newTestClient(t, backend)

	flags, err := client.GetAllFeatureFlags(context.Background(), AllFlagsPayload{DistinctID: "distinct-id"})
	require.NoError(t, err)

	// The locally determined flag is kept; only the inconclusive one and
	// anything extra come from the decision endpoint.
	assert.Equal(t, map[string]FlagValue{
		"local-flag":      true,
		"continuity-flag": true,
		"server-side":     "silver",
	}, flags)
	assert.Equal(t, 1, backend.decideCount())
}

func TestGetAllFeatureFlags_RemoteSupersedesLocalOnOverlap(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, mixedRuleSet)
	backend.setDecide(200, `{"featureFlags": {"local-flag": "remote-variant", "continuity-flag": true}}`)
	client := newTestClient(t, backend)

	flags, err := client.GetAllFeatureFlags(context.Background(), AllFlagsPayload{DistinctID: "distinct-id"})
	require.NoError(t, err)
	assert.Equal(t, "remote-variant", flags["local-flag"])
}

func TestGetAllFeatureFlags_LocalOnlyPartialNotCached(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, mixedRuleSet)
	backend.setDecide(200, `{"featureFlags": {"continuity-flag": true}}`)
	client := newTestClient(t, backend)

	ctx := context.Background()

	flags, err := client.GetAllFeatureFlags(ctx, AllFlagsPayload{
		DistinctID:          "distinct-id",
		OnlyEvaluateLocally: true,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]FlagValue{"local-flag": true}, flags)
	assert.Zero(t, backend.decideCount())
	client.decisions.Wait()

	// The partial set must not satisfy a later full query.
	flags, err = client.GetAllFeatureFlags(ctx, AllFlagsPayload{DistinctID: "distinct-id"})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.decideCount(), "full query resolves the deferred flag remotely")
	assert.Equal(t, map[string]FlagValue{
		"local-flag":      true,
		"continuity-flag": true,
	}, flags)
}

func TestGetAllFeatureFlags_QuotaLimitedNotCached(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, propertyRuleSet)
	backend.setDecide(402, `{}`)
	client := newTestClient(t, backend)

	ctx := context.Background()

	flags, err := client.GetAllFeatureFlags(ctx, AllFlagsPayload{DistinctID: "distinct-id"})
	require.NoError(t, err)
	assert.Empty(t, flags)
	client.decisions.Wait()

	// Once the quota recovers the subject resolves again instead of
	// reading the limited answer back from the cache.
	backend.setDecide(200, `{"featureFlags": {"us-only": true}}`)
	flags, err = client.GetAllFeatureFlags(ctx, AllFlagsPayload{DistinctID: "distinct-id"})
	require.NoError(t, err)
	assert.Equal(t, 2, backend.decideCount())
	assert.Equal(t, map[string]FlagValue{"us-only": true}, flags)
}

func TestGetAllFeatureFlags_DecisionCache(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, propertyRuleSet)
	backend.setDecide(200, `{"featureFlags": {"us-only": true}}`)
	client := newTestClient(t, backend)

	ctx := context.Background()
	payload := AllFlagsPayload{DistinctID: "distinct-id"}

	_, err := client.GetAllFeatureFlags(ctx, payload)
	require.NoError(t, err)
	client.decisions.Wait()

	_, err = client.GetAllFeatureFlags(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.decideCount(), "second query is served from the decision cache")

	client.ClearLocalFlagsCache()
	_, err = client.GetAllFeatureFlags(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.decideCount(), "clearing the cache re-resolves")
}

func TestFlagCalled_EmittedOncePerTuple(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, simpleRuleSet)
	client := newTestClient(t, backend)

	ctx := context.Background()
	payload := FeatureFlagPayload{Key: "beta-feature", DistinctID: "distinct-id"}

	for i := 0; i < 5; i++ {
		_, err := client.GetFeatureFlag(ctx, payload)
		require.NoError(t, err)
	}

	require.NoError(t, client.Flush(ctx))
	called := backend.eventsNamed("$feature_flag_called")
	require.Len(t, called, 1, "repeat queries are suppressed")

	props := called[0]["properties"].(map[string]any)
	assert.Equal(t, "beta-feature", props["$feature_flag"])
	assert.Equal(t, true, props["$feature_flag_response"])
	assert.Equal(t, true, props["locally_evaluated"])
	assert.Equal(t, "distinct-id", called[0]["distinct_id"])

	// A different subject is a new tuple.
	_, err := client.GetFeatureFlag(ctx, FeatureFlagPayload{Key: "beta-feature", DistinctID: "other-id"})
	require.NoError(t, err)
	require.NoError(t, client.Flush(ctx))
	assert.Len(t, backend.eventsNamed("$feature_flag_called"), 2)
}

func TestFlagCalled_DisabledPerQuery(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, simpleRuleSet)
	client := newTestClient(t, backend)

	ctx := context.Background()
	_, err := client.GetFeatureFlag(ctx, FeatureFlagPayload{
		Key:               "beta-feature",
		DistinctID:        "distinct-id",
		DisableFlagEvents: true,
	})
	require.NoError(t, err)

	require.NoError(t, client.Flush(ctx))
	assert.Empty(t, backend.eventsNamed("$feature_flag_called"))
}

func TestFlagCalled_DisabledGlobally(t *testing.T) {
	backend := newFakeBackend()
	backend.setLocalEvaluation(200, simpleRuleSet)
	client := newTestClient(t, backend, WithoutFeatureFlagEvents())

	ctx := context.Background()
	_, err := client.GetFeatureFlag(ctx, FeatureFlagPayload{Key: "beta-feature", DistinctID: "distinct-id"})
	require.NoError(t, err)

	require.NoError(t, client.Flush(ctx))
	assert.Empty(t, backend.eventsNamed("$feature_flag_called"))
}

func TestGetRemoteConfigPayload(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)

	ctx := context.Background()

	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "plain JSON", body: `{"color": "blue"}`, want: `{"color": "blue"}`},
		{name: "double-encoded JSON", body: `"{\"color\": \"blue\"}"`, want: `{"color": "blue"}`},
		{name: "plain string", body: `"just a string"`, want: `"just a string"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend.setRemoteConfig(200, tc.body)

			got, err := client.GetRemoteConfigPayload(ctx, "encrypted-flag")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetRemoteConfigPayload_ErrorStatuses(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	ctx := context.Background()

	backend.setRemoteConfig(401, `{"detail": "bad key"}`)
	_, err := client.GetRemoteConfigPayload(ctx, "encrypted-flag")
	var authErr *AuthenticationError
	assert.ErrorAs(t, err, &authErr)

	backend.setRemoteConfig(402, `{}`)
	_, err = client.GetRemoteConfigPayload(ctx, "encrypted-flag")
	var quotaErr *QuotaLimitedError
	assert.ErrorAs(t, err, &quotaErr)

	backend.setRemoteConfig(500, `{}`)
	_, err = client.GetRemoteConfigPayload(ctx, "encrypted-flag")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.StatusCode)
}

func TestGetRemoteConfigPayload_RequiresPersonalKey(t *testing.T) {
	client, err := New("phc_project")
	require.NoError(t, err)
	defer client.Close(context.Background())

	_, err = client.GetRemoteConfigPayload(context.Background(), "key")
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
