package posthog

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const definitionsBody = `{
	"flags": [{"key": "beta", "id": 1, "active": true,
		"filters": {"groups": [{"rollout_percentage": 100}]}}],
	"group_type_mapping": {"0": "company"}
}`

// definitionsServer serves the local-evaluation endpoint with ETag support.
type definitionsServer struct {
	mu       sync.Mutex
	etag     string
	body     string
	requests []*http.Request
}

func (s *definitionsServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.requests = append(s.requests, r.Clone(r.Context()))
		if s.etag != "" && r.Header.Get("If-None-Match") == s.etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if s.etag != "" {
			w.Header().Set("ETag", s.etag)
		}
		w.Write([]byte(s.body))
	}
}

func (s *definitionsServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *definitionsServer) request(i int) *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func newTestPoller(t *testing.T, endpoint string) (*definitionsPoller, *localEvaluator) {
	t.Helper()
	cfg, err := newConfig("project-key", WithEndpoint(endpoint), WithPersonalAPIKey("personal-key"))
	require.NoError(t, err)
	evaluator := newLocalEvaluator(slog.Default())
	return newDefinitionsPoller(cfg, evaluator), evaluator
}

func TestPollerFetchesDefinitions(t *testing.T) {
	srv := &definitionsServer{body: definitionsBody}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	poller, evaluator := newTestPoller(t, ts.URL)
	poller.pollOnce()

	require.True(t, evaluator.loaded())
	defs := evaluator.definitions()
	require.Contains(t, defs.flagsByKey, "beta")
	assert.Equal(t, "company", defs.groupTypeMapping["0"])

	req := srv.request(0)
	assert.Equal(t, "/api/feature_flag/local_evaluation/", req.URL.Path)
	assert.Equal(t, "project-key", req.URL.Query().Get("token"))
	assert.True(t, req.URL.Query().Has("send_cohorts"))
	assert.Equal(t, "Bearer personal-key", req.Header.Get("Authorization"))
}

func TestPollerETag(t *testing.T) {
	srv := &definitionsServer{body: definitionsBody, etag: `"v1"`}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	poller, evaluator := newTestPoller(t, ts.URL)
	poller.pollOnce()
	require.True(t, evaluator.loaded())
	first := evaluator.definitions()

	poller.pollOnce()
	assert.Equal(t, 2, srv.requestCount())
	assert.Equal(t, `"v1"`, srv.request(1).Header.Get("If-None-Match"))
	assert.Same(t, first, evaluator.definitions(), "a 304 must leave the cache untouched")
}

func TestPollerKeepsCacheOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := &definitionsServer{body: definitionsBody}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		srv.handler()(w, r)
	}))
	defer ts.Close()

	poller, evaluator := newTestPoller(t, ts.URL)
	poller.pollOnce()
	require.True(t, evaluator.loaded())
	first := evaluator.definitions()

	fail.Store(true)
	poller.pollOnce()
	assert.Same(t, first, evaluator.definitions(), "a failed poll must not clear the cache")
}

func TestPollerStartStop(t *testing.T) {
	srv := &definitionsServer{body: definitionsBody}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	poller, evaluator := newTestPoller(t, ts.URL)
	poller.start()
	assert.True(t, poller.isRunning())
	assert.True(t, evaluator.loaded(), "the first fetch is synchronous")

	done := make(chan struct{})
	go func() {
		poller.stop()
		poller.stop() // idempotent
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop must return once the loop has exited")
	}
	assert.False(t, poller.isRunning())
}

func TestPollerStartIdempotent(t *testing.T) {
	srv := &definitionsServer{body: definitionsBody}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	poller, _ := newTestPoller(t, ts.URL)
	poller.start()
	poller.start()
	defer poller.stop()

	assert.Equal(t, 1, srv.requestCount(), "a second start must not refetch")
}

func TestPollerUnauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	errs := &errorCollector{}
	cfg, err := newConfig("key", WithEndpoint(ts.URL),
		WithPersonalAPIKey("bad-key"), WithOnError(errs.callback()))
	require.NoError(t, err)
	poller := newDefinitionsPoller(cfg, newLocalEvaluator(slog.Default()))
	poller.pollOnce()

	require.NotEmpty(t, errs.messages())
	assert.Contains(t, errs.messages()[0], "personal API key rejected")
}
