// Package worker runs one aggregation: discovery, page fetching, assembly and
// delivery of the artifact and its companions.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/aggregate"
	"github.com/JakeFAU/docs-aggregator/internal/clock/system"
	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/discovery"
	"github.com/JakeFAU/docs-aggregator/internal/metrics"
	"github.com/JakeFAU/docs-aggregator/internal/progress"
	"github.com/JakeFAU/docs-aggregator/internal/report"
	"github.com/JakeFAU/docs-aggregator/internal/urlset"
)

const (
	markdownContentType = "text/markdown; charset=utf-8"
	htmlContentType     = "text/html; charset=utf-8"
	maxLoggedErrors     = 10

	// ArtifactReadyTopic is the default notification topic.
	ArtifactReadyTopic = "artifact.ready"

	tracerName = "github.com/JakeFAU/docs-aggregator/internal/worker"
)

// Artifact write statuses recorded on RunResult and in metrics.
const (
	ArtifactWritten   = "written"
	ArtifactUnchanged = "unchanged"
	ArtifactExists    = "exists"
	ArtifactNone      = "none"
)

// Discoverer finds the pages of a documentation subtree.
type Discoverer interface {
	Discover(ctx context.Context, runID string, target discovery.Target) (discovery.Report, error)
}

// Previewer renders a Markdown artifact as HTML.
type Previewer interface {
	Render(artifact []byte) ([]byte, error)
}

// Config controls Worker behavior.
type Config struct {
	// Overwrite replaces an existing artifact even when unchanged.
	Overwrite bool
	// PromoteHeadless refetches pages with the headless fetcher when the
	// detector says the HTTP markup is incomplete.
	PromoteHeadless bool
	HTMLPreview     bool
	Report          bool
	Topic           string
}

// Deps are the Worker's collaborators. Discoverer, Fetcher and Store are
// required; the rest are optional.
type Deps struct {
	Discoverer Discoverer
	Fetcher    crawler.Fetcher
	Headless   crawler.Fetcher
	Detector   crawler.HeadlessDetector
	Cache      crawler.PageCache
	Store      crawler.BlobStore
	Publisher  crawler.Publisher
	Previewer  Previewer
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
	Emitter    progress.Emitter
	// Tracer defaults to the global OpenTelemetry provider.
	Tracer trace.Tracer
	Logger *zap.Logger
}

// Job describes one aggregation request.
type Job struct {
	EntryURL string
	Boundary urlset.Boundary
	MaxPages int
	Options  aggregate.Options
	// Overwrite is ORed with Config.Overwrite.
	Overwrite bool
}

// PageResult is the outcome for one discovered URL.
type PageResult struct {
	URL      string        `json:"url"`
	Method   string        `json:"method,omitempty"`
	Bytes    int           `json:"bytes"`
	Cached   bool          `json:"cached,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// RunResult summarizes a run.
type RunResult struct {
	RunID              string              `json:"run_id"`
	EntryURL           string              `json:"entry_url"`
	Strategy           string              `json:"strategy"`
	Attempts           []discovery.Attempt `json:"attempts"`
	DiscoveredURLs     []string            `json:"discovered_urls"`
	SkippedURLs        int                 `json:"skipped_urls"`
	DuplicateURLs      int                 `json:"duplicate_urls"`
	Pages              []PageResult        `json:"pages"`
	SourceURLs         []string            `json:"source_urls"`
	FailedURLs         []string            `json:"failed_urls"`
	Errors             []string            `json:"errors"`
	Filename           string              `json:"filename,omitempty"`
	ArtifactURI        string              `json:"artifact_uri,omitempty"`
	ArtifactStatus     string              `json:"artifact_status"`
	PreviewURI         string              `json:"preview_uri,omitempty"`
	ReportURI          string              `json:"report_uri,omitempty"`
	MessageID          string              `json:"message_id,omitempty"`
	Fingerprint        string              `json:"fingerprint,omitempty"`
	HeadingsNormalized int                 `json:"headings_normalized"`
	HeadingConflicts   int                 `json:"heading_conflicts"`
	StartedAt          time.Time           `json:"started_at"`
	Duration           time.Duration       `json:"duration_ns"`

	pages []crawler.ScrapedPage
}

// Notification is the artifact.ready message.
type Notification struct {
	RunID           string   `json:"run_id"`
	Title           string   `json:"title"`
	URI             string   `json:"uri"`
	SourceURLs      []string `json:"source_urls"`
	FailedURLs      []string `json:"failed_urls"`
	Fingerprint     string   `json:"fingerprint"`
	TotalPages      int      `json:"total_pages"`
	SuccessfulPages int      `json:"successful_pages"`
}

// Worker executes aggregation jobs.
type Worker struct {
	deps      Deps
	cfg       Config
	assembler *aggregate.Assembler
	logger    *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config) (*Worker, error) {
	if deps.Discoverer == nil || deps.Fetcher == nil || deps.Store == nil {
		return nil, errors.New("worker requires a discoverer, a fetcher and a store")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Topic == "" {
		cfg.Topic = ArtifactReadyTopic
	}
	return &Worker{
		deps:      deps,
		cfg:       cfg,
		assembler: aggregate.NewAssembler(deps.Logger, deps.Clock),
		logger:    deps.Logger,
	}, nil
}

// Run executes job end to end. Per-page failures are recorded on the result;
// an error is returned for cancellation, discovery failure, a run without
// usable pages, and artifact write failures.
func (w *Worker) Run(ctx context.Context, job Job) (RunResult, error) {
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	if job.Options.BaseURL == "" {
		job.Options.BaseURL = job.EntryURL
	}
	ctx, span := w.deps.Tracer.Start(ctx, "aggregate.run",
		trace.WithAttributes(attribute.String("docsagg.entry_url", job.EntryURL)))
	defer span.End()

	result := RunResult{
		EntryURL:       job.EntryURL,
		StartedAt:      w.deps.Clock.Now(),
		ArtifactStatus: ArtifactNone,
	}
	runID, err := w.newRunID()
	if err != nil {
		endSpan(span, err)
		return result, err
	}
	result.RunID = runID
	span.SetAttributes(attribute.String("docsagg.run_id", runID))
	logger := w.logger.With(zap.String("run_id", runID), zap.String("entry_url", job.EntryURL))
	w.emit(progress.Event{RunID: runID, Stage: progress.StageRunStart, URL: job.EntryURL})
	logger.Info("aggregation started", zap.String("allowed_path", job.Boundary.PathPrefix), zap.Int("max_pages", job.MaxPages))

	err = w.run(ctx, logger, job, &result)
	result.Duration = w.deps.Clock.Now().Sub(result.StartedAt)
	w.writeReport(ctx, logger, job, &result)
	w.finish(logger, &result, err)
	span.SetAttributes(
		attribute.Int("docsagg.pages", len(result.SourceURLs)),
		attribute.Int("docsagg.failed", len(result.FailedURLs)),
		attribute.String("docsagg.artifact_status", result.ArtifactStatus),
	)
	endSpan(span, err)
	return result, err
}

// endSpan records err, if any, as the span status.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (w *Worker) run(ctx context.Context, logger *zap.Logger, job Job, result *RunResult) error {
	dctx, span := w.deps.Tracer.Start(ctx, "aggregate.discover")
	disc, err := w.deps.Discoverer.Discover(dctx, result.RunID, discovery.Target{
		EntryURL: job.EntryURL,
		Boundary: job.Boundary,
		MaxPages: job.MaxPages,
	})
	span.SetAttributes(attribute.String("docsagg.strategy", disc.Strategy), attribute.Int("docsagg.urls", len(disc.URLs)))
	endSpan(span, err)
	span.End()
	result.Strategy = disc.Strategy
	result.Attempts = disc.Attempts
	result.DiscoveredURLs = disc.URLs
	result.SkippedURLs = disc.Skipped
	result.DuplicateURLs = disc.Duplicates
	if err != nil {
		return fmt.Errorf("discover pages: %w", err)
	}

	prefetched := make(map[string]crawler.ScrapedPage, len(disc.Pages))
	for _, p := range disc.Pages {
		prefetched[urlset.StripFragment(p.URL)] = p
	}
	for _, url := range disc.URLs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("aggregation canceled: %w", err)
		}
		w.collect(ctx, logger, url, prefetched, result)
	}
	if len(result.pages) == 0 {
		result.Errors = append(result.Errors, "no page produced usable content")
		return fmt.Errorf("assemble artifact: %w", aggregate.ErrNoPages)
	}

	_, span = w.deps.Tracer.Start(ctx, "aggregate.assemble")
	artifact, err := w.assembler.Assemble(result.pages, result.FailedURLs, job.Options)
	endSpan(span, err)
	span.End()
	if err != nil {
		return fmt.Errorf("assemble artifact: %w", err)
	}
	result.HeadingsNormalized = artifact.HeadingsNormalized
	result.HeadingConflicts = artifact.Normalization.ConflictsResolved
	w.emit(progress.Event{
		RunID:     result.RunID,
		Stage:     progress.StageAggregated,
		URL:       job.EntryURL,
		Count:     artifact.SuccessfulPages(),
		Conflicts: result.HeadingConflicts,
	})
	ctx, span = w.deps.Tracer.Start(ctx, "aggregate.deliver")
	defer span.End()
	err = w.deliver(ctx, logger, job, artifact, result)
	endSpan(span, err)
	return err
}

// collect obtains one page and records it on result.
func (w *Worker) collect(
	ctx context.Context,
	logger *zap.Logger,
	url string,
	prefetched map[string]crawler.ScrapedPage,
	result *RunResult,
) {
	ctx, span := w.deps.Tracer.Start(ctx, "aggregate.page", trace.WithAttributes(attribute.String("docsagg.url", url)))
	defer span.End()
	start := time.Now()
	page, cached, err := w.obtain(ctx, logger, url, prefetched)
	if err == nil {
		err = validate(page)
	}
	dur := time.Since(start)
	endSpan(span, err)
	if err == nil {
		span.SetAttributes(attribute.String("docsagg.method", string(page.RenderingMethod)), attribute.Bool("docsagg.cached", cached))
	}
	if err != nil {
		result.FailedURLs = append(result.FailedURLs, url)
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", url, err))
		result.Pages = append(result.Pages, PageResult{URL: url, Duration: dur, Error: err.Error()})
		w.emit(progress.Event{RunID: result.RunID, Stage: progress.StageFetchFailed, URL: url, Dur: dur, Note: err.Error()})
		logger.Warn("page failed", zap.String("url", url), zap.Error(err))
		return
	}

	if page.URL == "" {
		page.URL = url
	}
	if !cached && w.deps.Cache != nil {
		if err := w.deps.Cache.Put(ctx, page); err != nil {
			logger.Warn("page cache write failed", zap.String("url", url), zap.Error(err))
		}
	}
	result.pages = append(result.pages, page)
	result.SourceURLs = append(result.SourceURLs, page.URL)
	result.Pages = append(result.Pages, PageResult{
		URL:      page.URL,
		Method:   string(page.RenderingMethod),
		Bytes:    len(page.Markdown),
		Cached:   cached,
		Duration: dur,
	})
	w.emit(progress.Event{
		RunID:  result.RunID,
		Stage:  progress.StageFetchDone,
		URL:    page.URL,
		Bytes:  int64(len(page.Markdown)),
		Method: string(page.RenderingMethod),
		Dur:    dur,
	})
}

// obtain returns the page for url from discovery, the cache, or a fetch.
// The bool reports a cache hit.
func (w *Worker) obtain(
	ctx context.Context,
	logger *zap.Logger,
	url string,
	prefetched map[string]crawler.ScrapedPage,
) (crawler.ScrapedPage, bool, error) {
	if page, ok := prefetched[url]; ok && page.Success && page.HasContent() {
		return page, false, nil
	}
	if w.deps.Cache != nil {
		page, ok, err := w.deps.Cache.Get(ctx, url)
		switch {
		case err != nil:
			logger.Warn("page cache read failed", zap.String("url", url), zap.Error(err))
		case ok:
			return page, true, nil
		}
	}
	page, err := w.fetch(ctx, logger, url)
	return page, false, err
}

func (w *Worker) fetch(ctx context.Context, logger *zap.Logger, url string) (crawler.ScrapedPage, error) {
	page, err := w.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: url})
	if err != nil {
		return crawler.ScrapedPage{}, fmt.Errorf("fetch: %w", err)
	}
	if !w.shouldPromote(page) {
		return page, nil
	}
	rendered, err := w.deps.Headless.Fetch(ctx, crawler.FetchRequest{URL: url})
	if err != nil {
		logger.Warn("headless promotion failed", zap.String("url", url), zap.Error(err))
		return page, nil
	}
	logger.Info("headless promotion applied", zap.String("url", url))
	return rendered, nil
}

func (w *Worker) shouldPromote(page crawler.ScrapedPage) bool {
	if !w.cfg.PromoteHeadless || w.deps.Headless == nil || w.deps.Detector == nil {
		return false
	}
	if page.RenderingMethod != crawler.RenderHTTP {
		return false
	}
	return !page.HasContent() || w.deps.Detector.ShouldPromote([]byte(page.HTML))
}

func validate(page crawler.ScrapedPage) error {
	if !page.Success {
		msg := page.ErrorMessage
		if msg == "" {
			msg = "scrape unsuccessful"
		}
		return errors.New(msg)
	}
	if !page.HasContent() {
		return crawler.ErrNoContent
	}
	return nil
}

// deliver writes the artifact unless an existing one should be kept, then
// the optional preview, then the notification.
func (w *Worker) deliver(
	ctx context.Context,
	logger *zap.Logger,
	job Job,
	artifact *aggregate.Artifact,
	result *RunResult,
) error {
	rendered, err := artifact.Render()
	if err != nil {
		return fmt.Errorf("render artifact: %w", err)
	}
	fingerprint, _ := aggregate.ReadFingerprint(rendered)
	result.Fingerprint = fingerprint
	result.Filename = artifact.Filename()

	if keep, status := w.keepExisting(ctx, logger, job, result.Filename, fingerprint); keep {
		result.ArtifactStatus = status
		metrics.ObserveArtifact(status)
		logger.Info("artifact kept", zap.String("filename", result.Filename), zap.String("status", status))
		return nil
	}

	uri, err := w.deps.Store.PutObject(ctx, result.Filename, markdownContentType, bytes.NewReader(rendered))
	if err != nil {
		metrics.ObserveArtifact("error")
		return fmt.Errorf("write artifact: %w", err)
	}
	result.ArtifactURI = uri
	result.ArtifactStatus = ArtifactWritten
	metrics.ObserveArtifact(ArtifactWritten)
	logger.Info("artifact written", zap.String("uri", uri), zap.String("fingerprint", fingerprint))

	if w.cfg.HTMLPreview && w.deps.Previewer != nil {
		w.writePreview(ctx, logger, artifact.Stem(), rendered, result)
	}
	w.notify(ctx, logger, artifact, result)
	return nil
}

// keepExisting reports whether an artifact already stored under filename
// should be left alone, and why.
func (w *Worker) keepExisting(ctx context.Context, logger *zap.Logger, job Job, filename, fingerprint string) (bool, string) {
	if w.cfg.Overwrite || job.Overwrite {
		return false, ""
	}
	existing, err := w.deps.Store.GetObject(ctx, filename)
	if err != nil {
		if !crawler.IsNotFound(err) {
			logger.Warn("reading existing artifact failed", zap.String("filename", filename), zap.Error(err))
		}
		return false, ""
	}
	if prev, ok := aggregate.ReadFingerprint(existing); ok && prev == fingerprint {
		return true, ArtifactUnchanged
	}
	return true, ArtifactExists
}

func (w *Worker) writePreview(ctx context.Context, logger *zap.Logger, stem string, rendered []byte, result *RunResult) {
	html, err := w.deps.Previewer.Render(rendered)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("preview: %v", err))
		logger.Warn("preview render failed", zap.Error(err))
		return
	}
	uri, err := w.deps.Store.PutObject(ctx, stem+".html", htmlContentType, bytes.NewReader(html))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("preview: %v", err))
		logger.Warn("preview write failed", zap.Error(err))
		return
	}
	result.PreviewURI = uri
}

func (w *Worker) notify(ctx context.Context, logger *zap.Logger, artifact *aggregate.Artifact, result *RunResult) {
	if w.deps.Publisher == nil {
		return
	}
	failed := artifact.FailedURLs
	if failed == nil {
		failed = []string{}
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, Notification{
		RunID:           result.RunID,
		Title:           artifact.Title,
		URI:             result.ArtifactURI,
		SourceURLs:      artifact.SourceURLs,
		FailedURLs:      failed,
		Fingerprint:     result.Fingerprint,
		TotalPages:      artifact.TotalPages(),
		SuccessfulPages: artifact.SuccessfulPages(),
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("notify: %v", err))
		logger.Warn("artifact notification failed", zap.Error(err))
		return
	}
	result.MessageID = id
}

func (w *Worker) writeReport(ctx context.Context, logger *zap.Logger, job Job, result *RunResult) {
	if !w.cfg.Report {
		return
	}
	summary := report.Summary{
		RunID:            result.RunID,
		EntryURL:         result.EntryURL,
		Title:            job.Options.Title,
		StartedAt:        result.StartedAt,
		Duration:         result.Duration,
		Strategy:         result.Strategy,
		SkippedURLs:      result.SkippedURLs,
		HeadingConflicts: result.HeadingConflicts,
		ArtifactURI:      result.ArtifactURI,
		Fingerprint:      result.Fingerprint,
		Unchanged:        result.ArtifactStatus == ArtifactUnchanged,
		Errors:           result.Errors,
	}
	for _, a := range result.Attempts {
		summary.Attempts = append(summary.Attempts, report.Attempt{
			Strategy: a.Strategy, Outcome: a.Outcome, Count: a.Count, Error: a.Error,
		})
	}
	for _, p := range result.Pages {
		summary.Pages = append(summary.Pages, report.Page{
			URL: p.URL, Method: p.Method, Bytes: p.Bytes, Cached: p.Cached, Error: p.Error,
		})
	}
	data, err := report.Render(summary)
	if err != nil {
		logger.Warn("report render failed", zap.Error(err))
		return
	}
	uri, err := w.deps.Store.PutObject(ctx, reportName(job), markdownContentType, bytes.NewReader(data))
	if err != nil {
		logger.Warn("report write failed", zap.Error(err))
		return
	}
	result.ReportURI = uri
}

// reportName is "{name}_report.md" where name is the artifact's stem
// without the aggregated suffix.
func reportName(job Job) string {
	probe := aggregate.Artifact{Title: job.Options.Title, BaseURL: job.Options.BaseURL}
	return strings.TrimSuffix(probe.Stem(), "_aggregated") + "_report.md"
}

func (w *Worker) finish(logger *zap.Logger, result *RunResult, err error) {
	if err != nil {
		w.emit(progress.Event{
			RunID: result.RunID,
			Stage: progress.StageRunError,
			URL:   result.EntryURL,
			Count: len(result.SourceURLs),
			Dur:   result.Duration,
			Note:  err.Error(),
		})
	} else {
		w.emit(progress.Event{
			RunID: result.RunID,
			Stage: progress.StageRunDone,
			URL:   result.EntryURL,
			Count: len(result.SourceURLs),
			Dur:   result.Duration,
		})
	}

	logged := result.Errors
	if len(logged) > maxLoggedErrors {
		logged = logged[:maxLoggedErrors]
	}
	fields := []zap.Field{
		zap.String("strategy", result.Strategy),
		zap.Int("discovered", len(result.DiscoveredURLs)),
		zap.Int("succeeded", len(result.SourceURLs)),
		zap.Int("failed", len(result.FailedURLs)),
		zap.String("artifact_status", result.ArtifactStatus),
		zap.String("artifact_uri", result.ArtifactURI),
		zap.Duration("duration", result.Duration),
		zap.Strings("errors", logged),
	}
	if err != nil {
		logger.Error("aggregation failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Info("aggregation finished", fields...)
}

func (w *Worker) emit(evt progress.Event) {
	evt.TS = w.deps.Clock.Now()
	w.deps.Emitter.Emit(evt)
}

func (w *Worker) newRunID() (string, error) {
	if w.deps.IDs == nil {
		return fmt.Sprintf("run-%d", w.deps.Clock.Now().UnixNano()), nil
	}
	id, err := w.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}
