package pennant

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Default configuration values. Each maps to a recognized option.
const (
	DefaultEndpoint                = "https://us.i.posthog.com"
	DefaultFeatureFlagPollInterval = 30 * time.Second
	DefaultFlushAt                 = 20
	DefaultFlushInterval           = 30 * time.Second
	DefaultMaxBatchSize            = 100
	DefaultMaxQueueSize            = 1000
	DefaultSentCacheSizeLimit      = 50_000
	DefaultSentCacheExpiration     = 10 * time.Minute
	DefaultSentCacheCompaction     = 0.2
	DefaultDecisionCacheSize       = 10_000
)

// Option configures a Client.
type Option func(*clientConfig) error

// clientConfig holds resolved configuration.
type clientConfig struct {
	projectAPIKey  string
	personalAPIKey string
	endpoint       string

	featureFlagPollInterval time.Duration
	flushAt                 int
	flushInterval           time.Duration
	maxBatchSize            int
	maxQueueSize            int

	sentCacheSizeLimit  int
	sentCacheExpiration time.Duration
	sentCacheCompaction float64
	decisionCacheSize   int64

	snapshotDir string

	superProperties Properties
	geoIPDisable    bool

	sendFeatureFlagEvents bool
	telemetryEnabled      bool

	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

func defaultConfig(projectAPIKey string) *clientConfig {
	return &clientConfig{
		projectAPIKey:           projectAPIKey,
		endpoint:                DefaultEndpoint,
		featureFlagPollInterval: DefaultFeatureFlagPollInterval,
		flushAt:                 DefaultFlushAt,
		flushInterval:           DefaultFlushInterval,
		maxBatchSize:            DefaultMaxBatchSize,
		maxQueueSize:            DefaultMaxQueueSize,
		sentCacheSizeLimit:      DefaultSentCacheSizeLimit,
		sentCacheExpiration:     DefaultSentCacheExpiration,
		sentCacheCompaction:     DefaultSentCacheCompaction,
		decisionCacheSize:       DefaultDecisionCacheSize,
		sendFeatureFlagEvents:   true,
		httpClient:              &http.Client{Timeout: 10 * time.Second},
		logger:                  zerolog.Nop(),
		now:                     time.Now,
	}
}

func (c *clientConfig) validate() error {
	if c.projectAPIKey == "" {
		return &ConfigError{Field: "projectAPIKey", Message: "project API key is required"}
	}
	if c.endpoint == "" {
		return &ConfigError{Field: "endpoint", Message: "endpoint cannot be empty"}
	}
	if c.sentCacheCompaction <= 0 || c.sentCacheCompaction > 1 {
		return &ConfigError{Field: "sentCacheCompaction", Message: "compaction must be in (0, 1]"}
	}
	return nil
}

// WithPersonalAPIKey enables local flag evaluation by authorizing the
// rule-set endpoint. Without it every flag query goes to the decision
// endpoint.
func WithPersonalAPIKey(key string) Option {
	return func(c *clientConfig) error {
		c.personalAPIKey = key
		return nil
	}
}

// WithEndpoint sets the API base URL.
//
// Example: pennant.WithEndpoint("https://eu.i.posthog.com")
func WithEndpoint(endpoint string) Option {
	return func(c *clientConfig) error {
		if endpoint == "" {
			return &ConfigError{Field: "endpoint", Message: "endpoint cannot be empty"}
		}
		c.endpoint = endpoint
		return nil
	}
}

// WithFeatureFlagPollInterval sets how often the rule set is refreshed.
// Default: 30 seconds.
func WithFeatureFlagPollInterval(interval time.Duration) Option {
	return func(c *clientConfig) error {
		if interval <= 0 {
			return &ConfigError{Field: "featureFlagPollInterval", Message: "interval must be positive"}
		}
		c.featureFlagPollInterval = interval
		return nil
	}
}

// WithFlushAt sets the queue depth that triggers a flush. Default: 20.
func WithFlushAt(n int) Option {
	return func(c *clientConfig) error {
		if n <= 0 {
			return &ConfigError{Field: "flushAt", Message: "flushAt must be positive"}
		}
		c.flushAt = n
		return nil
	}
}

// WithFlushInterval sets the periodic flush cadence. Default: 30
// seconds.
func WithFlushInterval(interval time.Duration) Option {
	return func(c *clientConfig) error {
		if interval <= 0 {
			return &ConfigError{Field: "flushInterval", Message: "interval must be positive"}
		}
		c.flushInterval = interval
		return nil
	}
}

// WithMaxBatchSize caps the events per HTTP batch. Default: 100.
func WithMaxBatchSize(n int) Option {
	return func(c *clientConfig) error {
		if n <= 0 {
			return &ConfigError{Field: "maxBatchSize", Message: "maxBatchSize must be positive"}
		}
		c.maxBatchSize = n
		return nil
	}
}

// WithMaxQueueSize caps the in-memory event queue. Events past the cap
// are dropped with a warning. Default: 1000.
func WithMaxQueueSize(n int) Option {
	return func(c *clientConfig) error {
		if n <= 0 {
			return &ConfigError{Field: "maxQueueSize", Message: "maxQueueSize must be positive"}
		}
		c.maxQueueSize = n
		return nil
	}
}

// WithSentCacheSizeLimit caps the $feature_flag_called suppression
// cache. Default: 50 000 entries.
func WithSentCacheSizeLimit(n int) Option {
	return func(c *clientConfig) error {
		if n <= 0 {
			return &ConfigError{Field: "sentCacheSizeLimit", Message: "limit must be positive"}
		}
		c.sentCacheSizeLimit = n
		return nil
	}
}

// WithSentCacheExpiration sets the suppression cache's sliding window.
// Default: 10 minutes.
func WithSentCacheExpiration(ttl time.Duration) Option {
	return func(c *clientConfig) error {
		if ttl <= 0 {
			return &ConfigError{Field: "sentCacheExpiration", Message: "expiration must be positive"}
		}
		c.sentCacheExpiration = ttl
		return nil
	}
}

// WithSentCacheCompaction sets the fraction of suppression entries
// dropped when the cache overflows. Default: 0.2.
func WithSentCacheCompaction(fraction float64) Option {
	return func(c *clientConfig) error {
		if fraction <= 0 || fraction > 1 {
			return &ConfigError{Field: "sentCacheCompaction", Message: "compaction must be in (0, 1]"}
		}
		c.sentCacheCompaction = fraction
		return nil
	}
}

// WithSnapshotDir persists fetched rule sets under the directory so a
// restarted process evaluates locally before its first fetch. Only
// meaningful together with WithPersonalAPIKey.
func WithSnapshotDir(dir string) Option {
	return func(c *clientConfig) error {
		if dir == "" {
			return &ConfigError{Field: "snapshotDir", Message: "directory cannot be empty"}
		}
		c.snapshotDir = dir
		return nil
	}
}

// WithSuperProperties merges the given properties into every captured
// event.
func WithSuperProperties(props Properties) Option {
	return func(c *clientConfig) error {
		c.superProperties = props
		return nil
	}
}

// WithGeoIPDisable stamps $geoip_disable on every captured event.
func WithGeoIPDisable() Option {
	return func(c *clientConfig) error {
		c.geoIPDisable = true
		return nil
	}
}

// WithoutFeatureFlagEvents disables $feature_flag_called events for all
// flag queries.
func WithoutFeatureFlagEvents() Option {
	return func(c *clientConfig) error {
		c.sendFeatureFlagEvents = false
		return nil
	}
}

// WithTelemetry enables OpenTelemetry metrics and traces using the
// global providers.
func WithTelemetry() Option {
	return func(c *clientConfig) error {
		c.telemetryEnabled = true
		return nil
	}
}

// WithHTTPClient injects the HTTP transport used for every remote call.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) error {
		if client == nil {
			return &ConfigError{Field: "httpClient", Message: "http client cannot be nil"}
		}
		c.httpClient = client
		return nil
	}
}

// WithLogger injects the structured logger. Default: no-op.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *clientConfig) error {
		c.logger = logger
		return nil
	}
}

// WithNow injects the clock used for timestamps, relative date filters
// and suppression expiry. Intended for tests.
func WithNow(now func() time.Time) Option {
	return func(c *clientConfig) error {
		if now == nil {
			return &ConfigError{Field: "now", Message: "clock cannot be nil"}
		}
		c.now = now
		return nil
	}
}
