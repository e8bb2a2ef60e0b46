// Package decider calls the remote decision endpoint and projects its
// v3 and v4 response shapes into the common decision type.
package decider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/OrlandoBitencourt/pennant/internal/decision"
	"github.com/OrlandoBitencourt/pennant/internal/telemetry"
)

// ErrQuotaLimited means the decision endpoint refused the request
// because the project exceeded its feature-flag quota.
var ErrQuotaLimited = errors.New("decide quota limited")

// Config wires the decider's collaborators.
type Config struct {
	Endpoint      string
	ProjectAPIKey string
	HTTPClient    *http.Client
	Logger        zerolog.Logger
	Telemetry     *telemetry.Provider
}

// Client posts subject context to the decision endpoint.
type Client struct {
	cfg Config
	log zerolog.Logger
}

// New creates a decision client.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "decider").Logger(),
	}
}

// Request is the decide endpoint's request body.
type Request struct {
	APIKey             string                    `json:"api_key"`
	DistinctID         string                    `json:"distinct_id"`
	Groups             map[string]string         `json:"groups,omitempty"`
	PersonProperties   map[string]any            `json:"person_properties,omitempty"`
	GroupProperties    map[string]map[string]any `json:"group_properties,omitempty"`
	FlagKeysToEvaluate []string                  `json:"flag_keys_to_evaluate,omitempty"`
}

// v4 response shapes.
type flagDetail struct {
	Key      string        `json:"key"`
	Enabled  bool          `json:"enabled"`
	Variant  *string       `json:"variant"`
	Reason   *detailReason `json:"reason"`
	Metadata *detailMeta   `json:"metadata"`
}

type detailReason struct {
	Code           string `json:"code"`
	Description    string `json:"description"`
	ConditionIndex *int   `json:"condition_index"`
}

type detailMeta struct {
	ID      int64           `json:"id"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// decideResponse covers both wire generations: v4 populates Flags, v3
// populates FeatureFlags and FeatureFlagPayloads.
type decideResponse struct {
	Flags     map[string]flagDetail `json:"flags"`
	RequestID string                `json:"requestId"`

	FeatureFlags        map[string]any    `json:"featureFlags"`
	FeatureFlagPayloads map[string]string `json:"featureFlagPayloads"`

	QuotaLimited []string `json:"quotaLimited"`
}

// Decide resolves flags for the subject remotely. The returned map is
// keyed by flag key.
func (c *Client) Decide(ctx context.Context, req Request) (map[string]decision.Decision, error) {
	req.APIKey = c.cfg.ProjectAPIKey

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling decide request: %w", err)
	}

	u, err := url.Parse(c.cfg.Endpoint + "/decide/")
	if err != nil {
		return nil, fmt.Errorf("building decide URL: %w", err)
	}
	query := u.Query()
	query.Set("v", "4")
	u.RawQuery = query.Encode()

	ctx, span := c.cfg.Telemetry.StartSpan(ctx, "pennant.decide",
		attribute.String("distinct_id", req.DistinctID),
		attribute.Int("flag_keys", len(req.FlagKeysToEvaluate)),
	)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building decide request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decide request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		c.log.Warn().Msg("decide quota limited; returning no flags")
		return map[string]decision.Decision{}, ErrQuotaLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("decide endpoint returned status %d", resp.StatusCode)
		span.RecordError(err)
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading decide response: %w", err)
	}

	var decoded decideResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("malformed decide response: %w", err)
	}

	for _, limited := range decoded.QuotaLimited {
		if limited == "feature_flags" {
			c.log.Warn().Msg("decide quota limited; returning no flags")
			return map[string]decision.Decision{}, ErrQuotaLimited
		}
	}

	if decoded.Flags != nil {
		return projectV4(decoded), nil
	}
	return projectV3(decoded), nil
}

func projectV4(decoded decideResponse) map[string]decision.Decision {
	out := make(map[string]decision.Decision, len(decoded.Flags))
	for key, detail := range decoded.Flags {
		d := decision.Decision{
			Key:       key,
			Enabled:   detail.Enabled,
			RequestID: decoded.RequestID,
		}
		if detail.Variant != nil {
			d.Variant = *detail.Variant
		}
		if detail.Reason != nil {
			d.Reason = &decision.Reason{
				Code:           detail.Reason.Code,
				Description:    detail.Reason.Description,
				ConditionIndex: detail.Reason.ConditionIndex,
			}
		}
		if detail.Metadata != nil {
			d.ID = detail.Metadata.ID
			d.Version = detail.Metadata.Version
			d.Payload = detail.Metadata.Payload
		}
		out[key] = d
	}
	return out
}

func projectV3(decoded decideResponse) map[string]decision.Decision {
	out := make(map[string]decision.Decision, len(decoded.FeatureFlags))
	for key, value := range decoded.FeatureFlags {
		d := decision.Decision{Key: key}
		switch v := value.(type) {
		case bool:
			d.Enabled = v
		case string:
			d.Enabled = true
			d.Variant = v
		}
		if payload, ok := decoded.FeatureFlagPayloads[key]; ok {
			d.Payload = json.RawMessage(payload)
		}
		out[key] = d
	}
	return out
}
