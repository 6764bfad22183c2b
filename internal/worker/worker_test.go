package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/aggregate"
	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/discovery"
	"github.com/JakeFAU/docs-aggregator/internal/preview"
	"github.com/JakeFAU/docs-aggregator/internal/progress"
	"github.com/JakeFAU/docs-aggregator/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/docs-aggregator/internal/publisher/memory"
	"github.com/JakeFAU/docs-aggregator/internal/storage/memory"
	"github.com/JakeFAU/docs-aggregator/internal/urlset"
)

const (
	entryURL = "https://docs.example.com/VBA/"
	pageA    = "https://docs.example.com/VBA/a.html"
	pageB    = "https://docs.example.com/VBA/b.html"
	pageC    = "https://docs.example.com/VBA/c.html"
)

type fakeDiscoverer struct {
	report discovery.Report
	err    error
}

func (f *fakeDiscoverer) Discover(context.Context, string, discovery.Target) (discovery.Report, error) {
	return f.report, f.err
}

type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]crawler.ScrapedPage
	errs   map[string]error
	method crawler.RenderingMethod
	calls  []string
}

func newFakeFetcher(method crawler.RenderingMethod) *fakeFetcher {
	return &fakeFetcher{
		pages:  map[string]crawler.ScrapedPage{},
		errs:   map[string]error{},
		method: method,
	}
}

func (f *fakeFetcher) add(url, markdown string) *fakeFetcher {
	f.pages[url] = crawler.ScrapedPage{
		URL:             url,
		Markdown:        markdown,
		HTML:            "<main>" + markdown + "</main>",
		Success:         true,
		RenderingMethod: f.method,
	}
	return f
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.ScrapedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	if err, ok := f.errs[req.URL]; ok {
		return crawler.ScrapedPage{}, err
	}
	page, ok := f.pages[req.URL]
	if !ok {
		return crawler.ScrapedPage{}, &crawler.StatusError{URL: req.URL, StatusCode: 404}
	}
	return page, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeCache struct {
	mu    sync.Mutex
	pages map[string]crawler.ScrapedPage
}

func newFakeCache() *fakeCache {
	return &fakeCache{pages: map[string]crawler.ScrapedPage{}}
}

func (c *fakeCache) Get(_ context.Context, url string) (crawler.ScrapedPage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page, ok := c.pages[url]
	return page, ok, nil
}

func (c *fakeCache) Put(_ context.Context, page crawler.ScrapedPage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[page.URL] = page
	return nil
}

type fakeDetector struct{ promote bool }

func (d fakeDetector) ShouldPromote([]byte) bool { return d.promote }
func (d fakeDetector) DetectVue([]byte) bool     { return false }

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeIDs struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run-%d", g.n), nil
}

type harness struct {
	disc      *fakeDiscoverer
	fetcher   *fakeFetcher
	store     *memory.BlobStore
	publisher *pubmemory.Publisher
	recorder  *sinks.Recorder
}

func newHarness(urls ...string) *harness {
	return &harness{
		disc: &fakeDiscoverer{report: discovery.Report{
			URLs:     urls,
			Strategy: "sitemap",
			Attempts: []discovery.Attempt{{Strategy: "sitemap", Outcome: "found", Count: len(urls)}},
		}},
		fetcher:   newFakeFetcher(crawler.RenderHTTP),
		store:     memory.NewBlobStore(),
		publisher: pubmemory.New(zap.NewNop()),
		recorder:  sinks.NewRecorder(),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Discoverer: h.disc,
		Fetcher:    h.fetcher,
		Store:      h.store,
		Publisher:  h.publisher,
		Previewer:  preview.New(),
		IDs:        &fakeIDs{},
		Clock:      fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		Emitter:    h.recorder,
		Logger:     zap.NewNop(),
	}
}

func testJob() Job {
	return Job{
		EntryURL: entryURL,
		Boundary: urlset.NewBoundary("/VBA/", "docs.example.com"),
		MaxPages: 10,
		Options:  aggregate.Options{Title: "VBA", IncludeTOC: true, TOCMaxLevel: 3, NormalizeHeadings: true},
	}
}

func newWorker(t *testing.T, deps Deps, cfg Config) *Worker {
	t.Helper()
	w, err := New(deps, cfg)
	require.NoError(t, err)
	return w
}

func TestNewRequiresCoreDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

func TestRunSuccessFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(pageA, pageB, pageC)
	h.disc.report.Pages = []crawler.ScrapedPage{{
		URL: pageA, Markdown: "# Alpha\n\nfirst", Success: true, RenderingMethod: crawler.RenderHTTP,
	}}
	h.fetcher.add(pageB, "# Beta\n\nsecond")
	h.fetcher.errs[pageC] = errors.New("connection reset")

	w := newWorker(t, h.deps(), Config{HTMLPreview: true, Report: true})
	result, err := w.Run(context.Background(), testJob())
	require.NoError(t, err)

	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, "sitemap", result.Strategy)
	assert.Equal(t, []string{pageA, pageB}, result.SourceURLs)
	assert.Equal(t, []string{pageC}, result.FailedURLs)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "connection reset")
	assert.Equal(t, []string{pageB, pageC}, h.fetcher.Calls(), "prefetched page is not fetched again")

	assert.Equal(t, ArtifactWritten, result.ArtifactStatus)
	assert.Equal(t, "VBA_aggregated.md", result.Filename)
	assert.Equal(t, "memory://VBA_aggregated.md", result.ArtifactURI)
	assert.Equal(t, "memory://VBA_aggregated.html", result.PreviewURI)
	assert.Equal(t, "memory://VBA_report.md", result.ReportURI)
	assert.NotEmpty(t, result.Fingerprint)

	body, err := h.store.GetObject(context.Background(), "VBA_aggregated.md")
	require.NoError(t, err)
	fp, ok := aggregate.ReadFingerprint(body)
	require.True(t, ok)
	assert.Equal(t, result.Fingerprint, fp)
	assert.Contains(t, string(body), "first")
	assert.Contains(t, string(body), "second")

	report, err := h.store.GetObject(context.Background(), "VBA_report.md")
	require.NoError(t, err)
	assert.Contains(t, string(report), "Aggregation Report: VBA")
	assert.Contains(t, string(report), "connection reset")

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ArtifactReadyTopic, msgs[0].Topic)
	note, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	assert.Equal(t, result.ArtifactURI, note.URI)
	assert.Equal(t, 3, note.TotalPages)
	assert.Equal(t, 2, note.SuccessfulPages)
	assert.Equal(t, []string{pageC}, note.FailedURLs)
	assert.Equal(t, result.MessageID, "memory-1")

	assert.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageFetchDone,
		progress.StageFetchDone,
		progress.StageFetchFailed,
		progress.StageAggregated,
		progress.StageRunDone,
	}, h.recorder.Stages())
}

func TestRunKeepsExistingArtifact(t *testing.T) {
	t.Parallel()

	h := newHarness(pageA, pageB)
	h.fetcher.add(pageA, "# Alpha\n\nfirst").add(pageB, "# Beta\n\nsecond")
	w := newWorker(t, h.deps(), Config{})

	first, err := w.Run(context.Background(), testJob())
	require.NoError(t, err)
	require.Equal(t, ArtifactWritten, first.ArtifactStatus)

	second, err := w.Run(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, ArtifactUnchanged, second.ArtifactStatus)
	assert.Empty(t, second.ArtifactURI)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Len(t, h.publisher.Messages(), 1)

	h.fetcher.add(pageB, "# Beta\n\nrevised")
	third, err := w.Run(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, ArtifactExists, third.ArtifactStatus)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)

	job := testJob()
	job.Overwrite = true
	fourth, err := w.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ArtifactWritten, fourth.ArtifactStatus)
	body, err := h.store.GetObject(context.Background(), "VBA_aggregated.md")
	require.NoError(t, err)
	assert.Contains(t, string(body), "revised")
	assert.Len(t, h.publisher.Messages(), 2)
}

func TestRunWithoutUsablePages(t *testing.T) {
	t.Parallel()

	h := newHarness(pageA, pageB)
	h.fetcher.add(pageA, "   ")
	w := newWorker(t, h.deps(), Config{Report: true})

	result, err := w.Run(context.Background(), testJob())
	require.ErrorIs(t, err, aggregate.ErrNoPages)
	assert.Equal(t, ArtifactNone, result.ArtifactStatus)
	assert.Equal(t, []string{pageA, pageB}, result.FailedURLs)
	assert.Contains(t, result.Errors[0], crawler.ErrNoContent.Error())
	assert.Equal(t, "memory://VBA_report.md", result.ReportURI)
	assert.Equal(t, []string{"VBA_report.md"}, h.store.Paths())

	stages := h.recorder.Stages()
	assert.Equal(t, progress.StageRunError, stages[len(stages)-1])
	assert.Empty(t, h.publisher.Messages())
}

func TestRunDiscoveryFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.disc.err = errors.New("boom")
	w := newWorker(t, h.deps(), Config{})

	_, err := w.Run(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discover pages")
	assert.Equal(t, []progress.Stage{progress.StageRunStart, progress.StageRunError}, h.recorder.Stages())
	assert.Empty(t, h.fetcher.Calls())
}

func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(pageA, pageB)
	h.fetcher.add(pageA, "# A").add(pageB, "# B")
	w := newWorker(t, h.deps(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Run(ctx, testJob())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.fetcher.Calls())
	assert.Empty(t, h.store.Paths())
}

func TestRunUsesPageCache(t *testing.T) {
	t.Parallel()

	h := newHarness(pageA, pageB)
	h.fetcher.add(pageB, "# Beta\n\nfetched")
	cache := newFakeCache()
	require.NoError(t, cache.Put(context.Background(), crawler.ScrapedPage{
		URL: pageA, Markdown: "# Alpha\n\ncached", Success: true, RenderingMethod: crawler.RenderHTTP,
	}))
	deps := h.deps()
	deps.Cache = cache
	w := newWorker(t, deps, Config{})

	result, err := w.Run(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, []string{pageB}, h.fetcher.Calls())
	require.Len(t, result.Pages, 2)
	assert.True(t, result.Pages[0].Cached)
	assert.False(t, result.Pages[1].Cached)

	_, ok, err := cache.Get(context.Background(), pageB)
	require.NoError(t, err)
	assert.True(t, ok, "fetched page is cached")
}

func TestRunPromotesToHeadless(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      Config
		promote  bool
		markdown string
		want     string
	}{
		{name: "detector promotes", cfg: Config{PromoteHeadless: true}, promote: true, markdown: "# Shell", want: "headless"},
		{name: "blank content promotes", cfg: Config{PromoteHeadless: true}, markdown: " ", want: "headless"},
		{name: "detector declines", cfg: Config{PromoteHeadless: true}, markdown: "# Static", want: "http"},
		{name: "promotion disabled", cfg: Config{}, promote: true, markdown: "# Static", want: "http"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(pageA, pageB)
			h.fetcher.add(pageA, tt.markdown).add(pageB, "# Other")
			headless := newFakeFetcher(crawler.RenderHeadless).add(pageA, "# Rendered").add(pageB, "# Rendered B")
			deps := h.deps()
			deps.Headless = headless
			deps.Detector = fakeDetector{promote: tt.promote}
			w := newWorker(t, deps, tt.cfg)

			result, err := w.Run(context.Background(), testJob())
			require.NoError(t, err)
			require.NotEmpty(t, result.Pages)
			assert.Equal(t, tt.want, result.Pages[0].Method)
		})
	}
}

func TestReportName(t *testing.T) {
	t.Parallel()

	job := testJob()
	assert.Equal(t, "VBA_report.md", reportName(job))

	job.Options.Title = ""
	job.Options.BaseURL = "https://docs.example.com/guide/"
	assert.Equal(t, "guide_report.md", reportName(job))
}

func TestRunRecordsSpans(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(pageA, pageB)
	h.fetcher.add(pageA, "# Alpha\n\nfirst")
	h.fetcher.errs[pageB] = errors.New("connection reset")
	deps := h.deps()
	deps.Tracer = tp.Tracer("test")
	w := newWorker(t, deps, Config{})

	_, err := w.Run(context.Background(), testJob())
	require.NoError(t, err)

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, s := range rec.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s)
	}
	require.Len(t, byName["aggregate.run"], 1)
	require.Len(t, byName["aggregate.discover"], 1)
	require.Len(t, byName["aggregate.page"], 2)
	require.Len(t, byName["aggregate.assemble"], 1)
	require.Len(t, byName["aggregate.deliver"], 1)

	run := byName["aggregate.run"][0]
	assert.Equal(t, codes.Unset, run.Status().Code)
	for _, child := range byName["aggregate.page"] {
		assert.Equal(t, run.SpanContext().TraceID(), child.SpanContext().TraceID())
	}
	var failed int
	for _, s := range byName["aggregate.page"] {
		if s.Status().Code == codes.Error {
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	h.disc.err = errors.New("boom")
	_, err = w.Run(context.Background(), testJob())
	require.Error(t, err)
	var runs []sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == "aggregate.run" {
			runs = append(runs, s)
		}
	}
	require.Len(t, runs, 2)
	assert.Equal(t, codes.Error, runs[1].Status().Code)
}
