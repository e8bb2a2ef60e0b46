package pennant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// GetRemoteConfigPayload fetches the server-held payload for an
// encrypted remote-config flag. Requires a personal API key.
func (c *Client) GetRemoteConfigPayload(ctx context.Context, flagKey string) (string, error) {
	if c.cfg.personalAPIKey == "" {
		return "", &ConfigError{Field: "personalAPIKey", Message: "remote config requires a personal API key"}
	}
	if flagKey == "" {
		return "", &ConfigError{Field: "flagKey", Message: "flag key is required"}
	}

	u, err := url.Parse(c.cfg.endpoint + "/api/projects/@current/feature_flags/" + url.PathEscape(flagKey) + "/remote_config")
	if err != nil {
		return "", fmt.Errorf("building remote config URL: %w", err)
	}
	query := u.Query()
	query.Set("token", c.cfg.projectAPIKey)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("building remote config request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.personalAPIKey)

	resp, err := c.cfg.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote config request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &AuthenticationError{Operation: "remote config"}
	case resp.StatusCode == http.StatusPaymentRequired:
		return "", &QuotaLimitedError{Operation: "remote config"}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", &HTTPError{Operation: "remote config", StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading remote config response: %w", err)
	}
	return unwrapRemoteConfig(body), nil
}

// unwrapRemoteConfig normalizes the payload. The endpoint may return
// JSON, a JSON-encoded string containing JSON (double-encoded), or a
// plain string; exactly one layer of string-wrapping is removed when
// the inner content is itself valid JSON.
func unwrapRemoteConfig(body []byte) string {
	var wrapped string
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return string(body)
	}
	if json.Valid([]byte(wrapped)) {
		return wrapped
	}
	return string(body)
}
