package pennant

import (
	"fmt"
)

// ConfigError indicates invalid client configuration. It is the only
// error class surfaced at construction time; user-facing methods log
// and degrade instead of failing.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error [%s]: %s", e.Field, e.Message)
}

// NotStartedError is returned by methods that need the background
// workers running before Start was called.
type NotStartedError struct {
	Operation string
}

func (e *NotStartedError) Error() string {
	return fmt.Sprintf("%s requires a started client; call Start first", e.Operation)
}

// AuthenticationError means the API rejected a key (401/403).
type AuthenticationError struct {
	Operation string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: API key rejected", e.Operation)
}

// QuotaLimitedError means the project exceeded its feature-flag quota
// and the endpoint refused the request.
type QuotaLimitedError struct {
	Operation string
}

func (e *QuotaLimitedError) Error() string {
	return fmt.Sprintf("%s: feature flags quota limited", e.Operation)
}

// HTTPError is an unexpected non-2xx response from the API.
type HTTPError struct {
	Operation  string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Operation, e.StatusCode)
}
