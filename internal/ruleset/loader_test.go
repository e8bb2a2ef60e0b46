package ruleset

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OrlandoBitencourt/pennant/internal/storage"
)

const loaderBody = `{"flags": [
	{"id": 1, "key": "beta-feature", "active": true,
	 "filters": {"groups": [{"rollout_percentage": 100}]}}
]}`

type rulesetServer struct {
	mu       sync.Mutex
	requests []*http.Request
	status   int
	etag     string
	body     string
}

func (s *rulesetServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Clone(context.Background()))
		status, etag, body := s.status, s.etag, s.body
		s.mu.Unlock()

		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(body))
		}
	}
}

func (s *rulesetServer) request(i int) *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *rulesetServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *rulesetServer) respond(status int, etag, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.etag, s.body = status, etag, body
}

func newTestLoader(t *testing.T, endpoint string, store *storage.SnapshotStore) *Loader {
	t.Helper()
	return NewLoader(LoaderConfig{
		Endpoint:       endpoint,
		ProjectAPIKey:  "phc_project",
		PersonalAPIKey: "phx_personal",
		PollInterval:   time.Hour,
		Store:          store,
	})
}

func TestLoader_FetchInstallsSnapshot(t *testing.T) {
	srv := &rulesetServer{status: http.StatusOK, etag: `"v1"`, body: loaderBody}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	l := newTestLoader(t, ts.URL, nil)
	require.NoError(t, l.fetch(context.Background()))

	rs := l.Active()
	require.NotNil(t, rs)
	assert.NotNil(t, rs.Flag("beta-feature"))

	req := srv.request(0)
	assert.Equal(t, "/api/feature_flag/local_evaluation", req.URL.Path)
	assert.Equal(t, "phc_project", req.URL.Query().Get("token"))
	assert.Equal(t, "Bearer phx_personal", req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("If-None-Match"))
}

func TestLoader_ConditionalRefresh(t *testing.T) {
	srv := &rulesetServer{status: http.StatusOK, etag: `"v1"`, body: loaderBody}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	l := newTestLoader(t, ts.URL, nil)
	require.NoError(t, l.fetch(context.Background()))

	srv.respond(http.StatusNotModified, "", "")
	require.NoError(t, l.fetch(context.Background()))

	require.Equal(t, 2, srv.count())
	assert.Equal(t, `"v1"`, srv.request(1).Header.Get("If-None-Match"))
	assert.NotNil(t, l.Active(), "304 keeps the previous snapshot")

	// A 304 carrying a fresh tag replaces the stored one.
	srv.respond(http.StatusNotModified, `"v2"`, "")
	require.NoError(t, l.fetch(context.Background()))
	require.NoError(t, l.fetch(context.Background()))
	assert.Equal(t, `"v2"`, srv.request(3).Header.Get("If-None-Match"))
}

func TestLoader_QuotaLimitedClearsState(t *testing.T) {
	srv := &rulesetServer{status: http.StatusOK, etag: `"v1"`, body: loaderBody}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	l := newTestLoader(t, ts.URL, nil)
	require.NoError(t, l.fetch(context.Background()))
	require.NotNil(t, l.Active())

	srv.respond(http.StatusPaymentRequired, "", "")
	err := l.fetch(context.Background())
	assert.ErrorIs(t, err, ErrQuotaLimited)
	assert.Nil(t, l.Active())

	// The next request must be unconditional again.
	srv.respond(http.StatusOK, `"v3"`, loaderBody)
	require.NoError(t, l.fetch(context.Background()))
	assert.Empty(t, srv.request(2).Header.Get("If-None-Match"))
	assert.NotNil(t, l.Active())
}

func TestLoader_QuotaLimitedRefreshLogsOnce(t *testing.T) {
	srv := &rulesetServer{status: http.StatusOK, body: loaderBody}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	var logs bytes.Buffer
	l := NewLoader(LoaderConfig{
		Endpoint:       ts.URL,
		ProjectAPIKey:  "phc_project",
		PersonalAPIKey: "phx_personal",
		PollInterval:   time.Hour,
		Logger:         zerolog.New(&logs),
	})
	l.refresh(context.Background())
	require.NotNil(t, l.Active())

	srv.respond(http.StatusPaymentRequired, "", "")
	l.refresh(context.Background())
	assert.Nil(t, l.Active())

	// The quota warning comes from the fetch path alone; the refresh
	// wrapper must not also report a generic failure.
	assert.Contains(t, logs.String(), "quota limited")
	assert.NotContains(t, logs.String(), "keeping previous snapshot")
}

func TestLoader_UnauthorizedKeepsSnapshot(t *testing.T) {
	srv := &rulesetServer{status: http.StatusOK, body: loaderBody}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	l := newTestLoader(t, ts.URL, nil)
	require.NoError(t, l.fetch(context.Background()))

	srv.respond(http.StatusForbidden, "", "")
	err := l.fetch(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.NotNil(t, l.Active(), "auth failures keep the previous snapshot")
}

func TestLoader_ServerErrorKeepsSnapshot(t *testing.T) {
	srv := &rulesetServer{status: http.StatusOK, body: loaderBody}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	l := newTestLoader(t, ts.URL, nil)
	require.NoError(t, l.fetch(context.Background()))

	srv.respond(http.StatusInternalServerError, "", "")
	assert.Error(t, l.fetch(context.Background()))
	assert.NotNil(t, l.Active())
}

func TestLoader_StartPollsAndStops(t *testing.T) {
	srv := &rulesetServer{status: http.StatusOK, body: loaderBody}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	l := newTestLoader(t, ts.URL, nil)
	l.Start(context.Background())
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.WaitUntilLoaded(ctx))
	require.NotNil(t, l.Active())

	before := srv.count()
	l.ForceReload()
	require.Eventually(t, func() bool { return srv.count() > before }, 5*time.Second, 10*time.Millisecond)
}

func TestLoader_PersistAndRestore(t *testing.T) {
	srv := &rulesetServer{status: http.StatusOK, etag: `"v1"`, body: loaderBody}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	dir := t.TempDir()
	store, err := storage.NewSnapshotStore(dir)
	require.NoError(t, err)

	l := newTestLoader(t, ts.URL, store)
	require.NoError(t, l.fetch(context.Background()))

	// A second loader restores the snapshot without any fetch, etag
	// included.
	restored := newTestLoader(t, ts.URL, store)
	restored.restore(context.Background())

	rs := restored.Active()
	require.NotNil(t, rs)
	assert.NotNil(t, rs.Flag("beta-feature"))

	srv.respond(http.StatusNotModified, "", "")
	require.NoError(t, restored.fetch(context.Background()))
	assert.Equal(t, `"v1"`, srv.request(srv.count()-1).Header.Get("If-None-Match"))
}
