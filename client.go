package pennant

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/OrlandoBitencourt/pennant/internal/cache"
	"github.com/OrlandoBitencourt/pennant/internal/decider"
	"github.com/OrlandoBitencourt/pennant/internal/evaluator"
	"github.com/OrlandoBitencourt/pennant/internal/queue"
	"github.com/OrlandoBitencourt/pennant/internal/ruleset"
	"github.com/OrlandoBitencourt/pennant/internal/storage"
	"github.com/OrlandoBitencourt/pennant/internal/telemetry"
)

// Client is the SDK entry point. Create one per process with New, call
// Start, and share it across goroutines; every method is safe for
// concurrent use.
type Client struct {
	cfg *clientConfig
	log zerolog.Logger

	loader    *ruleset.Loader // nil without a personal API key
	evaluator *evaluator.Evaluator
	decider   *decider.Client
	queue     *queue.Queue
	decisions *cache.DecisionCache
	sent      *cache.SentCache
	telemetry *telemetry.Provider

	started atomic.Bool
	closed  atomic.Bool
}

// New builds a client. Only configuration is validated here; no network
// traffic happens until Start.
func New(projectAPIKey string, opts ...Option) (*Client, error) {
	cfg := defaultConfig(projectAPIKey)
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.logger.With().Str("component", "pennant").Logger()

	var tel *telemetry.Provider
	if cfg.telemetryEnabled {
		var err error
		tel, err = telemetry.New()
		if err != nil {
			return nil, &ConfigError{Field: "telemetry", Message: err.Error()}
		}
	}

	decisions, err := cache.NewDecisionCache(cfg.decisionCacheSize)
	if err != nil {
		return nil, &ConfigError{Field: "decisionCache", Message: err.Error()}
	}

	c := &Client{
		cfg:       cfg,
		log:       log,
		evaluator: evaluator.New(cfg.now),
		decisions: decisions,
		sent:      cache.NewSentCache(cfg.sentCacheSizeLimit, cfg.sentCacheExpiration, cfg.sentCacheCompaction, cfg.now),
		telemetry: tel,
	}

	c.decider = decider.New(decider.Config{
		Endpoint:      cfg.endpoint,
		ProjectAPIKey: cfg.projectAPIKey,
		HTTPClient:    cfg.httpClient,
		Logger:        cfg.logger,
		Telemetry:     tel,
	})

	c.queue = queue.New(queue.Config{
		Endpoint:      cfg.endpoint,
		ProjectAPIKey: cfg.projectAPIKey,
		FlushAt:       cfg.flushAt,
		FlushInterval: cfg.flushInterval,
		MaxBatchSize:  cfg.maxBatchSize,
		MaxQueueSize:  cfg.maxQueueSize,
		HTTPClient:    cfg.httpClient,
		Logger:        cfg.logger,
		Telemetry:     tel,
		Now:           cfg.now,
	})

	if cfg.personalAPIKey != "" {
		var store *storage.SnapshotStore
		if cfg.snapshotDir != "" {
			store, err = storage.NewSnapshotStore(cfg.snapshotDir)
			if err != nil {
				return nil, &ConfigError{Field: "snapshotDir", Message: err.Error()}
			}
		}
		c.loader = ruleset.NewLoader(ruleset.LoaderConfig{
			Endpoint:       cfg.endpoint,
			ProjectAPIKey:  cfg.projectAPIKey,
			PersonalAPIKey: cfg.personalAPIKey,
			PollInterval:   cfg.featureFlagPollInterval,
			HTTPClient:     cfg.httpClient,
			Logger:         cfg.logger,
			Now:            cfg.now,
			Telemetry:      tel,
			Store:          store,
		})
	}

	return c, nil
}

// Start launches the background workers: the capture queue and, when a
// personal API key is configured, the rule-set poll loop. Idempotent.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.queue.Start()
	if c.loader != nil {
		c.loader.Start(ctx)
	}
	c.log.Debug().Bool("local_evaluation", c.loader != nil).Msg("client started")
	return nil
}

// WaitUntilReady blocks until the first rule-set fetch resolves, so
// flag queries issued afterwards evaluate locally. Returns immediately
// when local evaluation is not configured.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	if c.loader == nil {
		return nil
	}
	if !c.started.Load() {
		return &NotStartedError{Operation: "WaitUntilReady"}
	}
	return c.loader.WaitUntilLoaded(ctx)
}

// ReloadFeatureFlags schedules an immediate rule-set refresh outside
// the regular poll cadence.
func (c *Client) ReloadFeatureFlags() error {
	if c.loader == nil {
		return &ConfigError{Field: "personalAPIKey", Message: "local evaluation requires a personal API key"}
	}
	if !c.started.Load() {
		return &NotStartedError{Operation: "ReloadFeatureFlags"}
	}
	c.loader.ForceReload()
	return nil
}

// ClearLocalFlagsCache drops memoized flag decisions. Call it after
// identifying a person whose properties changed server-side.
func (c *Client) ClearLocalFlagsCache() {
	c.decisions.Clear()
}

// Flush forces delivery of every event accepted so far and waits for
// the cycle to finish or the context to end.
func (c *Client) Flush(ctx context.Context) error {
	if !c.started.Load() {
		return &NotStartedError{Operation: "Flush"}
	}
	return c.queue.Flush(ctx)
}

// Close drains the capture queue, stops the background workers and
// releases caches. The context bounds the drain; events still pending
// when it expires are lost. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if c.started.Load() {
		err = c.queue.Stop(ctx)
		if c.loader != nil {
			c.loader.Stop()
		}
	}
	c.decisions.Close()
	c.log.Debug().Msg("client closed")
	return err
}

// CloseWithTimeout drains and closes with a fixed deadline.
func (c *Client) CloseWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Close(ctx)
}
