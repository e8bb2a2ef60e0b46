package ruleset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/OrlandoBitencourt/pennant/internal/storage"
	"github.com/OrlandoBitencourt/pennant/internal/telemetry"
)

// Sentinel errors surfaced by the loader. User-facing methods never see
// these directly; the client logs them and degrades to remote decisions.
var (
	// ErrQuotaLimited means the project exceeded its feature-flag
	// quota. Local state is cleared until the server recovers.
	ErrQuotaLimited = errors.New("feature flags quota limited")

	// ErrUnauthorized means the personal API key was rejected.
	ErrUnauthorized = errors.New("personal API key unauthorized")
)

// LoaderConfig wires the loader's collaborators.
type LoaderConfig struct {
	Endpoint       string
	ProjectAPIKey  string
	PersonalAPIKey string
	PollInterval   time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
	Now            func() time.Time
	Telemetry      *telemetry.Provider

	// Store, when set, persists each fetched rule set so restarts can
	// evaluate locally before their first fetch.
	Store *storage.SnapshotStore
}

// Loader polls the rule-set endpoint and keeps the active snapshot
// behind an atomic pointer. Readers grab a snapshot and evaluate
// without locking; they may see the old or the new set across calls but
// never a torn one.
type Loader struct {
	cfg LoaderConfig
	log zerolog.Logger

	active atomic.Pointer[RuleSet]
	etag   atomic.Pointer[string]

	forceReload chan struct{}
	loaded      chan struct{}
	loadedOnce  sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoader creates a loader. Start must be called before Active
// returns anything.
func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loader{
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "ruleset").Logger(),
		forceReload: make(chan struct{}, 1),
		loaded:      make(chan struct{}),
	}
}

// Start launches the background poll loop.
func (l *Loader) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop terminates the poll loop and waits for it to exit.
func (l *Loader) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Loader) run(ctx context.Context) {
	defer l.wg.Done()

	l.restore(ctx)
	l.refresh(ctx)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.forceReload:
			l.refresh(ctx)
		case <-ticker.C:
			l.refresh(ctx)
		}
	}
}

// ForceReload schedules an immediate refresh. Safe to call from any
// goroutine; coalesces when one is already pending.
func (l *Loader) ForceReload() {
	select {
	case l.forceReload <- struct{}{}:
	default:
	}
}

// Active returns the current snapshot, or nil when none is loaded.
func (l *Loader) Active() *RuleSet {
	return l.active.Load()
}

// WaitUntilLoaded blocks until the first successful fetch, the context
// ends, or the deadline passes.
func (l *Loader) WaitUntilLoaded(ctx context.Context) error {
	select {
	case <-l.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear discards the active rule set and the stored entity tag, forcing
// a full fetch on the next refresh.
func (l *Loader) Clear() {
	l.active.Store(nil)
	l.etag.Store(nil)
}

// restore seeds the active snapshot from disk. The persisted rule set
// only bridges the gap until the first fetch; it never marks the loader
// as loaded.
func (l *Loader) restore(ctx context.Context) {
	if l.cfg.Store == nil {
		return
	}
	snap, err := l.cfg.Store.Load(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNoSnapshot) {
			l.log.Warn().Err(err).Msg("could not restore persisted rule set")
		}
		return
	}
	rs, err := Decode(snap.Body, snap.FetchedAt)
	if err != nil {
		l.log.Warn().Err(err).Msg("persisted rule set is malformed; ignoring it")
		return
	}
	l.active.Store(rs)
	if snap.ETag != "" {
		etag := snap.ETag
		l.etag.Store(&etag)
	}
	l.log.Debug().Int("flags", len(rs.Flags)).Time("fetched_at", snap.FetchedAt).
		Msg("restored persisted rule set")
}

// persist writes the fetched body behind the snapshot swap. Failures
// only cost the next restart its warm start.
func (l *Loader) persist(ctx context.Context, body []byte, etag string) {
	if l.cfg.Store == nil {
		return
	}
	err := l.cfg.Store.Save(ctx, storage.Snapshot{
		ETag:      etag,
		FetchedAt: l.cfg.Now(),
		Body:      body,
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("could not persist rule set snapshot")
	}
}

func (l *Loader) refresh(ctx context.Context) {
	start := l.cfg.Now()
	err := l.fetch(ctx)
	elapsed := l.cfg.Now().Sub(start)

	snapshot := l.Active()
	flagCount := 0
	if snapshot != nil {
		flagCount = len(snapshot.Flags)
	}
	l.cfg.Telemetry.RecordRefresh(ctx, err == nil, elapsed, flagCount)

	switch {
	case err == nil:
	case errors.Is(err, ErrQuotaLimited):
		// fetch already cleared the state and logged the warning.
	case errors.Is(err, ErrUnauthorized):
		l.log.Error().Err(err).Msg("rule set fetch rejected; check personal API key")
	case errors.Is(err, context.Canceled):
	default:
		l.log.Warn().Err(err).Msg("rule set fetch failed; keeping previous snapshot")
	}
}

// fetch performs one conditional request against the rule-set endpoint.
func (l *Loader) fetch(ctx context.Context) error {
	u, err := url.Parse(l.cfg.Endpoint + "/api/feature_flag/local_evaluation")
	if err != nil {
		return fmt.Errorf("building rule set URL: %w", err)
	}
	query := u.Query()
	query.Set("token", l.cfg.ProjectAPIKey)
	query.Set("send_cohorts", "")
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("building rule set request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.cfg.PersonalAPIKey)
	req.Header.Set("Content-Type", "application/json")
	if etag := l.etag.Load(); etag != nil && *etag != "" {
		req.Header.Set("If-None-Match", *etag)
	}

	resp, err := l.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("rule set request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading rule set body: %w", err)
		}
		rs, err := Decode(body, l.cfg.Now())
		if err != nil {
			return err
		}
		l.active.Store(rs)
		if etag := resp.Header.Get("ETag"); etag != "" {
			l.etag.Store(&etag)
		} else {
			l.etag.Store(nil)
		}
		l.persist(ctx, body, resp.Header.Get("ETag"))
		l.markLoaded()
		l.log.Debug().Int("flags", len(rs.Flags)).Int("cohorts", len(rs.Cohorts)).Msg("rule set refreshed")
		return nil

	case http.StatusNotModified:
		// The snapshot is still current. A new tag replaces the stored
		// one; an omitted tag keeps it.
		if etag := resp.Header.Get("ETag"); etag != "" {
			l.etag.Store(&etag)
		}
		l.markLoaded()
		return nil

	case http.StatusPaymentRequired:
		l.Clear()
		if l.cfg.Store != nil {
			if err := l.cfg.Store.Clear(ctx); err != nil {
				l.log.Warn().Err(err).Msg("could not clear persisted rule set snapshot")
			}
		}
		l.log.Warn().Msg("feature flags quota limited; local evaluation disabled until quota recovers")
		l.markLoaded()
		return ErrQuotaLimited

	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)

	default:
		return fmt.Errorf("rule set endpoint returned status %d", resp.StatusCode)
	}
}

func (l *Loader) markLoaded() {
	l.loadedOnce.Do(func() { close(l.loaded) })
}
