package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/aggregate"
	"github.com/JakeFAU/docs-aggregator/internal/config"
	"github.com/JakeFAU/docs-aggregator/internal/discovery"
	"github.com/JakeFAU/docs-aggregator/internal/progress"
	"github.com/JakeFAU/docs-aggregator/internal/store"
	"github.com/JakeFAU/docs-aggregator/internal/worker"
)

type fakeService struct {
	mu       sync.Mutex
	requests []Request
	result   worker.RunResult
	report   discovery.Report
	err      error
}

func (f *fakeService) Aggregate(_ context.Context, req Request) (worker.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakeService) Discover(_ context.Context, req Request) (discovery.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.report, f.err
}

func newTestServer(svc Service, opts ...Option) *Server {
	return NewServer(svc, store.NewMemory(10), config.ServerConfig{Port: 8080}, zap.NewNop(), opts...)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerProbes(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeService{})
	rec := do(t, server.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, server.Handler(), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	failing := newTestServer(&fakeService{}, WithReadiness(func(context.Context) error {
		return errors.New("bucket unreachable")
	}))
	rec = do(t, failing.Handler(), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeService{})
	do(t, server.Handler(), http.MethodGet, "/healthz", "")
	rec := do(t, server.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServerAggregateSucceeds(t *testing.T) {
	t.Parallel()

	svc := &fakeService{result: worker.RunResult{
		RunID:          "run-1",
		ArtifactURI:    "memory://VBA_aggregated.md",
		ArtifactStatus: worker.ArtifactWritten,
		SourceURLs:     []string{"https://docs.example.com/VBA/a.html"},
	}}
	server := newTestServer(svc)

	body := `{"url":"https://docs.example.com/VBA/","allowed_path":"/VBA/","max_pages":10,"toc_max_level":2,"strategies":["sitemap","single"]}`
	rec := do(t, server.Handler(), http.MethodPost, "/v1/aggregate", body)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp aggregateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "memory://VBA_aggregated.md", resp.ArtifactURI)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "run-1", resp.Result.RunID)

	require.Len(t, svc.requests, 1)
	got := svc.requests[0]
	assert.Equal(t, "/VBA/", got.AllowedPath)
	require.NotNil(t, got.TOCMaxLevel)
	assert.Equal(t, 2, *got.TOCMaxLevel)
	assert.Nil(t, got.IncludeTOC)
}

func TestServerAggregateValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "invalid json", body: "{invalid"},
		{name: "missing url", body: `{}`, field: "url"},
		{name: "relative url", body: `{"url":"/VBA/"}`, field: "url"},
		{name: "allowed path without slash", body: `{"url":"https://d.example.com/VBA/","allowed_path":"VBA"}`, field: "allowed_path"},
		{name: "negative max pages", body: `{"url":"https://d.example.com/","max_pages":-1}`, field: "max_pages"},
		{name: "toc level too deep", body: `{"url":"https://d.example.com/","toc_max_level":9}`, field: "toc_max_level"},
		{name: "unknown strategy", body: `{"url":"https://d.example.com/","strategies":["guess"]}`, field: "strategies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &fakeService{}
			server := newTestServer(svc)
			rec := do(t, server.Handler(), http.MethodPost, "/v1/aggregate", tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, svc.requests)
			if tt.field != "" {
				var resp struct {
					Fields map[string]any `json:"fields"`
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Contains(t, resp.Fields, tt.field)
			}
		})
	}
}

func TestServerAggregateErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid target", err: fmt.Errorf("%w: outside", config.ErrInvalidTarget), want: http.StatusBadRequest},
		{name: "no pages", err: fmt.Errorf("assemble artifact: %w", aggregate.ErrNoPages), want: http.StatusUnprocessableEntity},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "other", err: errors.New("write artifact: disk full"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &fakeService{err: tt.err, result: worker.RunResult{RunID: "run-9"}}
			server := newTestServer(svc)
			rec := do(t, server.Handler(), http.MethodPost, "/v1/aggregate", `{"url":"https://docs.example.com/VBA/"}`)

			require.Equal(t, tt.want, rec.Code)
			var resp aggregateResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.err.Error(), resp.Error)
		})
	}
}

func TestServerDiscover(t *testing.T) {
	t.Parallel()

	svc := &fakeService{report: discovery.Report{
		URLs:     []string{"https://docs.example.com/VBA/a.html", "https://docs.example.com/VBA/b.html"},
		Strategy: "sitemap",
		Attempts: []discovery.Attempt{{Strategy: "sitemap", Outcome: "found", Count: 2}},
		Skipped:  4,
	}}
	server := newTestServer(svc)
	rec := do(t, server.Handler(), http.MethodPost, "/v1/discover", `{"url":"https://docs.example.com/VBA/"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp discoverResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sitemap", resp.Strategy)
	assert.Len(t, resp.URLs, 2)
	assert.Equal(t, 4, resp.Skipped)
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, "found", resp.Attempts[0].Outcome)
}

func TestServerAPIKey(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	server := NewServer(svc, nil, config.ServerConfig{APIKey: "secret"}, zap.NewNop())

	rec := do(t, server.Handler(), http.MethodPost, "/v1/discover", `{"url":"https://docs.example.com/"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/discover", bytes.NewBufferString(`{"url":"https://docs.example.com/"}`))
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRunsRoutes(t *testing.T) {
	t.Parallel()

	runs := store.NewMemory(10)
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, runs.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", TS: ts, Stage: progress.StageRunStart, URL: "https://docs.example.com/VBA/"},
		{RunID: "run-1", TS: ts, Stage: progress.StageFetchDone, URL: "https://docs.example.com/VBA/a.html", Bytes: 42},
		{RunID: "run-1", TS: ts, Stage: progress.StageRunDone},
	}))
	server := NewServer(&fakeService{}, runs, config.ServerConfig{}, zap.NewNop())
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/v1/runs?status=success&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "success", list.Runs[0].Status)

	rec = do(t, h, http.MethodGet, "/v1/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pages":1`)

	rec = do(t, h, http.MethodGet, "/v1/runs/run-1/sites", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"bytes_total":42`)

	rec = do(t, h, http.MethodGet, "/v1/runs/run-1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "FETCH_DONE")

	rec = do(t, h, http.MethodGet, "/v1/runs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/runs?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/runs?limit=0", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsWithoutRepository(t *testing.T) {
	t.Parallel()

	handler := NewRunsHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
