package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/research-aggregator/internal/library/querylog"
	"github.com/Laisky/research-aggregator/internal/library/records"
	"github.com/Laisky/research-aggregator/internal/library/summary"
	"github.com/Laisky/research-aggregator/library/search"
	"github.com/Laisky/research-aggregator/library/throttle"
)

var (
	ginModeOnce sync.Once
)

func setupGinTestMode() {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.TestMode)
	})
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	name    string
	kind    search.RecordKind
	records func(query search.Query) []search.RawRecord
	err     error

	mu      sync.Mutex
	queries []search.Query
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Kind() search.RecordKind { return p.kind }

func (p *fakeProvider) Fetch(_ context.Context, query search.Query, limit int) ([]search.RawRecord, error) {
	p.mu.Lock()
	p.queries = append(p.queries, query)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.records == nil {
		return nil, nil
	}
	recs := p.records(query)
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (p *fakeProvider) lastQuery() search.Query {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries[len(p.queries)-1]
}

func paperProvider(name string, titles ...string) *fakeProvider {
	return &fakeProvider{
		name: name,
		kind: search.KindPaper,
		records: func(search.Query) []search.RawRecord {
			recs := make([]search.RawRecord, 0, len(titles))
			for i, title := range titles {
				recs = append(recs, search.Paper{
					ID:      name + "-" + string(rune('a'+i)),
					Title:   title,
					Authors: []string{"Ada"},
				})
			}
			return recs
		},
	}
}

type fakeRecords struct {
	records map[string]search.CanonicalRecord
	history []search.CanonicalRecord

	from, to time.Time
	keyword  string
}

func (f *fakeRecords) Get(_ context.Context, key string) (*search.CanonicalRecord, error) {
	record, ok := f.records[key]
	if !ok {
		return nil, errors.Wrapf(records.ErrNotFound, "key %s", key)
	}
	return &record, nil
}

func (f *fakeRecords) TrendHistory(_ context.Context, keyword string, from, to time.Time) ([]search.CanonicalRecord, error) {
	f.keyword, f.from, f.to = keyword, from, to
	return f.history, nil
}

type fakeQueryLog struct {
	recorded chan querylog.RecordInput
	entries  []querylog.Entry

	mode  string
	limit int
}

func newFakeQueryLog() *fakeQueryLog {
	return &fakeQueryLog{recorded: make(chan querylog.RecordInput, 16)}
}

func (f *fakeQueryLog) Submit(input querylog.RecordInput) error {
	select {
	case f.recorded <- input:
		return nil
	default:
		return errors.New("buffer full")
	}
}

func (f *fakeQueryLog) Recent(_ context.Context, mode string, limit int) ([]querylog.Entry, error) {
	f.mode, f.limit = mode, limit
	return f.entries, nil
}

func (f *fakeQueryLog) next(t *testing.T) querylog.RecordInput {
	t.Helper()
	select {
	case input := <-f.recorded:
		return input
	case <-time.After(2 * time.Second):
		t.Fatal("query was not logged")
		return querylog.RecordInput{}
	}
}

type fakeSummarizer struct {
	artifact  *summary.Artifact
	err       error
	events    []summary.Event
	streamErr error

	result *search.AggregatedResult
}

func (f *fakeSummarizer) Summarize(_ context.Context, result *search.AggregatedResult) (*summary.Artifact, error) {
	f.result = result
	return f.artifact, f.err
}

func (f *fakeSummarizer) Stream(_ context.Context, result *search.AggregatedResult) (<-chan summary.Event, error) {
	f.result = result
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan summary.Event, len(f.events))
	for _, event := range f.events {
		ch <- event
	}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, providers []search.Provider, opts ...Option) *Server {
	t.Helper()
	setupGinTestMode()

	coordinator, err := search.NewCoordinator(providers)
	require.NoError(t, err)

	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	srv, err := NewServer(coordinator, opts...)
	require.NoError(t, err)
	return srv
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestNewServerRequiresAggregator(t *testing.T) {
	_, err := NewServer(nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, []search.Provider{paperProvider(search.ProviderArxiv, "x")})

	w := doRequest(srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hello, world", w.Body.String())

	w = doRequest(srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCORS(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t,
		[]search.Provider{paperProvider(search.ProviderArxiv, "x")},
		WithAllowedOrigins([]string{"example.org", " .research.dev "}),
	)

	tests := []struct {
		name           string
		method         string
		origin         string
		expectedStatus int
		expectedOrigin string
	}{
		{name: "no origin", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "main domain", method: http.MethodGet, origin: "https://example.org", expectedStatus: http.StatusOK, expectedOrigin: "https://example.org"},
		{name: "subdomain", method: http.MethodGet, origin: "https://app.research.dev", expectedStatus: http.StatusOK, expectedOrigin: "https://app.research.dev"},
		{name: "allowed preflight", method: http.MethodOptions, origin: "https://example.org", expectedStatus: http.StatusNoContent, expectedOrigin: "https://example.org"},
		{name: "denied preflight", method: http.MethodOptions, origin: "https://evil.com", expectedStatus: http.StatusForbidden},
		{name: "suffix trick", method: http.MethodGet, origin: "https://notexample.org", expectedStatus: http.StatusOK},
		{name: "malformed origin", method: http.MethodGet, origin: "::::", expectedStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectedOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			if tt.expectedOrigin != "" {
				assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
				assert.Equal(t, "Origin", w.Header().Get("Vary"))
			}
		})
	}
}

func TestCORSWithoutAllowList(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, []search.Provider{paperProvider(search.ProviderArxiv, "x")})

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://example.org")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestThrottle(t *testing.T) {
	t.Parallel()
	limiter, err := throttle.New(throttle.Config{TotalPerSec: 100, TotalBurst: 100, EachPerSec: 0.001, EachBurst: 1})
	require.NoError(t, err)
	queryLog := newFakeQueryLog()
	srv := newTestServer(t,
		[]search.Provider{paperProvider(search.ProviderArxiv, "x")},
		WithThrottle(limiter), WithQueryLogger(queryLog),
	)

	w := doRequest(srv, http.MethodGet, "/api/v1/search/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(srv, http.MethodGet, "/api/v1/search/history", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	w = doRequest(srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
}
