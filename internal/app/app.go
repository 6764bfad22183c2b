// Package app builds the long-lived services behind the CLI and HTTP server
// from a Config and runs aggregation requests against them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/aggregate"
	"github.com/JakeFAU/docs-aggregator/internal/api"
	boltcache "github.com/JakeFAU/docs-aggregator/internal/cache/bolt"
	"github.com/JakeFAU/docs-aggregator/internal/clock/system"
	"github.com/JakeFAU/docs-aggregator/internal/config"
	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/discovery"
	collyfetcher "github.com/JakeFAU/docs-aggregator/internal/fetcher/colly"
	"github.com/JakeFAU/docs-aggregator/internal/fetcher/firecrawl"
	"github.com/JakeFAU/docs-aggregator/internal/fetcher/headless"
	"github.com/JakeFAU/docs-aggregator/internal/headless/detector"
	"github.com/JakeFAU/docs-aggregator/internal/htmlmd"
	"github.com/JakeFAU/docs-aggregator/internal/id/uuid"
	"github.com/JakeFAU/docs-aggregator/internal/outline"
	"github.com/JakeFAU/docs-aggregator/internal/policy/breaker"
	"github.com/JakeFAU/docs-aggregator/internal/policy/ratelimit"
	"github.com/JakeFAU/docs-aggregator/internal/policy/resilience"
	"github.com/JakeFAU/docs-aggregator/internal/policy/retry"
	"github.com/JakeFAU/docs-aggregator/internal/preview"
	"github.com/JakeFAU/docs-aggregator/internal/progress"
	"github.com/JakeFAU/docs-aggregator/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/docs-aggregator/internal/publisher/memory"
	natspub "github.com/JakeFAU/docs-aggregator/internal/publisher/nats"
	"github.com/JakeFAU/docs-aggregator/internal/publisher/pubsub"
	"github.com/JakeFAU/docs-aggregator/internal/storage/gcs"
	"github.com/JakeFAU/docs-aggregator/internal/storage/local"
	"github.com/JakeFAU/docs-aggregator/internal/storage/memory"
	"github.com/JakeFAU/docs-aggregator/internal/store"
	"github.com/JakeFAU/docs-aggregator/internal/telemetry"
	"github.com/JakeFAU/docs-aggregator/internal/worker"
)

// readinessProbe is looked up in the blob store; a missing object is fine.
const readinessProbe = ".docsagg-readyz"

var errClosed = errors.New("app is closed")

// App holds the shared services. It implements api.Service.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock     crawler.Clock
	ids       crawler.IDGenerator
	registry  prometheus.Registerer
	limiter   *ratelimit.Limiter
	detector  *detector.Heuristic
	converter *htmlmd.Converter

	raw       *collyfetcher.Fetcher
	headless  *headless.Fetcher
	firecrawl *firecrawl.Client

	cache     crawler.PageCache
	store     crawler.BlobStore
	publisher crawler.Publisher
	topic     string
	previewer *preview.Renderer
	runs      *store.Memory
	emitter   *progress.Multi
	tracer    trace.Tracer

	closers []func() error
	mu      sync.Mutex
	closed  bool
}

// Option customizes New.
type Option func(*App)

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) {
		a.clock = c
	}
}

// WithIDGenerator replaces the UUID v7 run ID generator.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(a *App) {
		a.ids = ids
	}
}

// WithRegisterer registers the progress metrics on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registry = reg
	}
}

// WithBlobStore bypasses the output provider in the config.
func WithBlobStore(s crawler.BlobStore) Option {
	return func(a *App) {
		a.store = s
	}
}

// WithPublisher bypasses the notify provider in the config.
func WithPublisher(p crawler.Publisher) Option {
	return func(a *App) {
		a.publisher = p
	}
}

// New wires every service the config asks for. Resources opened before a
// failure are released.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:       cfg,
		logger:    logger,
		clock:     system.New(),
		ids:       uuid.New(),
		registry:  prometheus.DefaultRegisterer,
		previewer: preview.New(),
		runs:      store.NewMemory(0),
		topic:     cfg.Notify.Topic,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.topic == "" {
		a.topic = worker.ArtifactReadyTopic
	}

	steps := []func(context.Context) error{
		a.initTelemetry,
		a.initPolicies,
		a.initFetchers,
		a.initCache,
		a.initStore,
		a.initPublisher,
		a.initProgress,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			if closeErr := a.Close(); closeErr != nil {
				logger.Warn("failed to release resources after init error", zap.Error(closeErr))
			}
			return nil, err
		}
	}

	logger.Info("application services ready",
		zap.String("backend", cfg.Fetch.Backend),
		zap.String("output", cfg.Output.Provider),
		zap.String("notify", cfg.Notify.Provider),
		zap.Bool("cache", a.cache != nil),
		zap.Bool("promote_headless", a.headless != nil && cfg.Fetch.Backend != config.BackendHeadless),
	)
	return a, nil
}

// initTelemetry installs a tracer provider when telemetry.tracing is on.
// Otherwise spans go to the global provider, a no-op unless the embedding
// program set one.
func (a *App) initTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.Tracing {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	}, a.logger.Named("trace"))
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	a.tracer = tp.Tracer("github.com/JakeFAU/docs-aggregator")
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})
	return nil
}

func (a *App) initPolicies(context.Context) error {
	a.limiter = ratelimit.New(ratelimit.Config{
		RatePerSecond: a.cfg.Fetch.RatePerSecond,
		Burst:         a.cfg.Fetch.Burst,
	})
	a.detector = detector.NewHeuristic(a.cfg.Headless.PromotionThreshold)
	a.converter = htmlmd.New(nil, nil)
	return nil
}

// executor builds a retry policy and a breaker of its own for one backend.
func (a *App) executor(name string) *resilience.Executor {
	policy := retry.New(retry.Config{
		MaxAttempts:  a.cfg.Retry.MaxAttempts,
		InitialDelay: time.Duration(a.cfg.Retry.InitialDelayMs) * time.Millisecond,
		Factor:       a.cfg.Retry.BackoffFactor,
		MaxDelay:     time.Duration(a.cfg.Retry.MaxDelayMs) * time.Millisecond,
		Jitter:       true,
	})
	br := breaker.New(breaker.Config{
		Name:      name,
		Threshold: a.cfg.Breaker.Threshold,
		Cooldown:  time.Duration(a.cfg.Breaker.CooldownSeconds) * time.Second,
	}, a.clock)
	return resilience.New(policy, br, a.logger.Named(name))
}

func (a *App) initFetchers(context.Context) error {
	cfg := a.cfg
	a.raw = collyfetcher.New(
		collyfetcher.Config{UserAgent: cfg.Fetch.UserAgent, Timeout: cfg.FetchTimeout()},
		a.logger.Named("colly"),
		collyfetcher.WithLimiter(a.limiter),
		collyfetcher.WithDetector(a.detector),
		collyfetcher.WithConverter(a.converter),
		collyfetcher.WithClock(a.clock),
	)

	if cfg.Fetch.Backend == config.BackendHeadless || cfg.Fetch.PromoteHeadless {
		hf, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			SettleDelay:       time.Duration(cfg.Headless.SettleDelayMs) * time.Millisecond,
		}, a.logger.Named("headless"),
			headless.WithLimiter(a.limiter),
			headless.WithDetector(a.detector),
			headless.WithConverter(a.converter),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize headless fetcher: %w", err)
		}
		a.headless = hf
		a.closers = append(a.closers, func() error {
			hf.Close()
			return nil
		})
	}

	if cfg.Fetch.Backend == config.BackendFirecrawl || cfg.Firecrawl.APIKey != "" {
		a.firecrawl = firecrawl.New(firecrawl.Config{
			APIURL:       cfg.Firecrawl.APIURL,
			APIKey:       cfg.Firecrawl.APIKey,
			Timeout:      cfg.FetchTimeout(),
			PollInterval: time.Duration(cfg.Firecrawl.PollIntervalMs) * time.Millisecond,
			MaxPolls:     cfg.Firecrawl.MaxPolls,
		}, a.executor(config.BackendFirecrawl), a.logger.Named("firecrawl"),
			firecrawl.WithDetector(a.detector),
			firecrawl.WithClock(a.clock),
		)
	}

	return nil
}

// pageFetcher returns the fetcher for one run. HTTP and headless fetches get
// a breaker scoped to the run, so one broken site cannot trip the next;
// Firecrawl calls already go through the shared executor.
func (a *App) pageFetcher() crawler.Fetcher {
	switch a.cfg.Fetch.Backend {
	case config.BackendHeadless:
		return newRetryingFetcher(a.headless, a.executor(config.BackendHeadless), "headless fetch")
	case config.BackendFirecrawl:
		return a.firecrawl
	default:
		return newRetryingFetcher(a.raw, a.executor(config.BackendHTTP), "http fetch")
	}
}

func (a *App) initCache(context.Context) error {
	if !a.cfg.Cache.Enabled {
		return nil
	}
	path := a.cfg.Cache.Path
	if path == "" {
		path = boltcache.DefaultPath()
	}
	c, err := boltcache.Open(boltcache.Config{
		Path: path,
		TTL:  time.Duration(a.cfg.Cache.TTLSeconds) * time.Second,
	}, a.clock, a.logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("failed to open page cache: %w", err)
	}
	a.cache = c
	a.closers = append(a.closers, c.Close)
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	out := a.cfg.Output
	switch out.Provider {
	case config.OutputGCS:
		s, err := gcs.Open(ctx, gcs.Config{Bucket: out.GCSBucket, Prefix: out.Prefix}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	case config.OutputMemory:
		a.store = memory.NewBlobStore()
	default:
		s, err := local.New(local.Config{BaseDir: filepath.Join(out.Dir, out.Prefix)})
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.store = s
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.publisher != nil {
		return nil
	}
	switch a.cfg.Notify.Provider {
	case config.NotifyPubSub:
		p, err := pubsub.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize publisher: %w", err)
		}
		a.publisher = p
		a.topic = a.cfg.PubSub.Topic
		a.closers = append(a.closers, p.Close)
	case config.NotifyNATS:
		p, err := natspub.Connect(a.cfg.NATS.URL, a.cfg.NATS.SubjectPrefix, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize publisher: %w", err)
		}
		a.publisher = p
		a.closers = append(a.closers, p.Close)
	case config.NotifyMemory:
		a.publisher = pubmemory.New(a.logger)
	}
	return nil
}

func (a *App) initProgress(context.Context) error {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("failed to register progress metrics: %w", err)
	}
	a.emitter = progress.NewMulti(a.logger, sinks.NewLogSink(a.logger.Named("progress")), promSink, a.runs)
	return nil
}

// Runs exposes the in-process run history.
func (a *App) Runs() *store.Memory {
	return a.runs
}

// Aggregate implements api.Service.
func (a *App) Aggregate(ctx context.Context, req api.Request) (worker.RunResult, error) {
	if a.isClosed() {
		return worker.RunResult{EntryURL: req.URL}, errClosed
	}
	job, names, err := a.job(req)
	if err != nil {
		return worker.RunResult{EntryURL: req.URL}, err
	}
	fetcher := a.pageFetcher()
	chain, err := a.chain(names, fetcher, a.emitter)
	if err != nil {
		return worker.RunResult{EntryURL: req.URL}, err
	}

	deps := worker.Deps{
		Discoverer: chain,
		Fetcher:    fetcher,
		Detector:   a.detector,
		Store:      a.store,
		Previewer:  a.previewer,
		IDs:        a.ids,
		Clock:      a.clock,
		Emitter:    a.emitter,
		Tracer:     a.tracer,
		Logger:     a.logger,
	}
	// Interface fields stay nil rather than holding typed nil pointers.
	if a.headless != nil {
		deps.Headless = a.headless
	}
	if a.cache != nil {
		deps.Cache = a.cache
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	w, err := worker.New(deps, worker.Config{
		Overwrite:       a.cfg.Output.Overwrite,
		PromoteHeadless: a.cfg.Fetch.PromoteHeadless && a.cfg.Fetch.Backend == config.BackendHTTP,
		HTMLPreview:     a.cfg.Output.HTMLPreview,
		Report:          a.cfg.Output.Report,
		Topic:           a.topic,
	})
	if err != nil {
		return worker.RunResult{EntryURL: req.URL}, fmt.Errorf("build worker: %w", err)
	}
	return w.Run(ctx, job)
}

// Discover implements api.Service. It runs the strategy chain only and
// records nothing in the run history.
func (a *App) Discover(ctx context.Context, req api.Request) (discovery.Report, error) {
	if a.isClosed() {
		return discovery.Report{}, errClosed
	}
	job, names, err := a.job(req)
	if err != nil {
		return discovery.Report{}, err
	}
	chain, err := a.chain(names, a.pageFetcher(), progress.Nop{})
	if err != nil {
		return discovery.Report{}, err
	}
	runID, err := a.ids.NewID()
	if err != nil {
		return discovery.Report{}, err
	}
	report, err := chain.Discover(ctx, runID, discovery.Target{
		EntryURL: job.EntryURL,
		Boundary: job.Boundary,
		MaxPages: job.MaxPages,
	})
	if err != nil {
		return report, fmt.Errorf("discover pages: %w", err)
	}
	return report, nil
}

// job resolves a request against the configured defaults.
func (a *App) job(req api.Request) (worker.Job, []string, error) {
	boundary, err := config.TargetConfig{
		EntryURL:    req.URL,
		AllowedPath: req.AllowedPath,
		AllowedHost: a.cfg.Target.AllowedHost,
		SameHost:    a.cfg.Target.SameHost,
	}.Boundary()
	if err != nil {
		return worker.Job{}, nil, err
	}

	maxPages := a.cfg.Discovery.MaxPages
	if req.MaxPages > 0 {
		maxPages = req.MaxPages
	}
	names := a.cfg.Discovery.Strategies
	if len(req.Strategies) > 0 {
		names = req.Strategies
	}

	opts := aggregate.Options{
		Title:             a.cfg.Aggregate.Title,
		BaseURL:           req.URL,
		IncludeTOC:        a.cfg.Aggregate.IncludeTOC,
		TOCMaxLevel:       a.cfg.Aggregate.TOCMaxLevel,
		TOCTitle:          a.cfg.Aggregate.TOCTitle,
		TOCPosition:       outline.DocumentStart,
		NormalizeHeadings: a.cfg.Aggregate.NormalizeHeadings,
	}
	if req.Title != "" {
		opts.Title = req.Title
	}
	if req.IncludeTOC != nil {
		opts.IncludeTOC = *req.IncludeTOC
	}
	if req.TOCMaxLevel != nil {
		opts.TOCMaxLevel = *req.TOCMaxLevel
	}
	if req.NormalizeHeadings != nil {
		opts.NormalizeHeadings = *req.NormalizeHeadings
	}

	return worker.Job{
		EntryURL:  req.URL,
		Boundary:  boundary,
		MaxPages:  maxPages,
		Options:   opts,
		Overwrite: req.Overwrite,
	}, names, nil
}

func (a *App) chain(names []string, fetcher crawler.Fetcher, emitter progress.Emitter) (*discovery.Chain, error) {
	deps := discovery.Deps{
		Raw:           a.raw,
		Fetcher:       fetcher,
		Limiter:       a.limiter,
		Logger:        a.logger.Named("discovery"),
		SitemapPaths:  a.cfg.Discovery.SitemapPaths,
		NavSelectors:  a.cfg.Discovery.NavSelectors,
		NextSelector:  a.cfg.Discovery.NextSelector,
		BundleExclude: a.cfg.Discovery.BundleExclude,
		CrawlDepth:    a.cfg.Discovery.CrawlDepth,
		UserAgent:     a.cfg.Fetch.UserAgent,
	}
	if a.headless != nil {
		deps.Rendered = a.headless
	}
	if a.firecrawl != nil {
		deps.Mapper = a.firecrawl
		deps.Batch = a.firecrawl
	}
	strategies, err := discovery.Build(names, deps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidTarget, err)
	}
	return discovery.NewChain(a.logger.Named("discovery"), emitter, a.clock, strategies...), nil
}

// Handler returns the HTTP API backed by a.
func (a *App) Handler() http.Handler {
	h := api.NewServer(a, a.runs, a.cfg.Server, a.logger, api.WithReadiness(a.Ready)).Handler()
	if a.cfg.Telemetry.Tracing {
		return otelhttp.NewHandler(h, "docsagg.http")
	}
	return h
}

// Ready reports whether the artifact store answers.
func (a *App) Ready(ctx context.Context) error {
	if a.isClosed() {
		return errClosed
	}
	if _, err := a.store.GetObject(ctx, readinessProbe); err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return fmt.Errorf("artifact store: %w", err)
	}
	return nil
}

func (a *App) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close releases every resource New opened, in reverse order. It is safe to
// call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var errs []error
	if a.emitter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.emitter.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
