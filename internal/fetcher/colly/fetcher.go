// Package collyfetcher implements plain HTTP page retrieval using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/clock/system"
	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/htmlmd"
	"github.com/JakeFAU/docs-aggregator/internal/metrics"
	"github.com/JakeFAU/docs-aggregator/internal/policy/ratelimit"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements crawler.Fetcher and crawler.Source using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	converter     *htmlmd.Converter
	detector      crawler.HeadlessDetector
	limiter       *ratelimit.Limiter
	clock         crawler.Clock
	logger        *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter throttles requests per host.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithDetector flags Vue-rendered pages on fetched content.
func WithDetector(d crawler.HeadlessDetector) Option {
	return func(f *Fetcher) { f.detector = d }
}

// WithConverter overrides the default HTML to Markdown converter.
func WithConverter(c *htmlmd.Converter) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.converter = c
		}
	}
}

// WithClock overrides the clock stamping FetchedAt.
func WithClock(c crawler.Clock) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.clock = c
		}
	}
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchResult collects what the collector callbacks observed.
type fetchResult struct {
	url        string
	statusCode int
	headers    http.Header
	body       []byte
	err        error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())

	f := &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		converter:     htmlmd.New(nil, nil),
		clock:         system.New(),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Get returns the raw markup served at url. Non-2xx responses yield a
// *crawler.StatusError.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	res, err := f.do(ctx, crawler.FetchRequest{URL: url})
	if err != nil {
		return nil, err
	}
	return res.body, nil
}

// Fetch retrieves request.URL and converts its main content to Markdown.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.ScrapedPage, error) {
	start := time.Now()
	res, err := f.do(ctx, request)
	if err != nil {
		metrics.ObserveFetch(string(crawler.RenderHTTP), request.URL, "error", 0, time.Since(start))
		return crawler.ScrapedPage{}, err
	}
	metrics.ObserveFetch(string(crawler.RenderHTTP), request.URL, "success", len(res.body), time.Since(start))

	doc, err := f.converter.Convert(res.url, res.body)
	if err != nil {
		return crawler.ScrapedPage{}, fmt.Errorf("convert %s: %w", request.URL, err)
	}
	page := crawler.ScrapedPage{
		URL:             request.URL,
		SourceURL:       res.url,
		Markdown:        doc.Markdown,
		HTML:            string(res.body),
		Title:           doc.Title,
		Description:     doc.Description,
		Language:        doc.Language,
		Success:         true,
		RenderingMethod: crawler.RenderHTTP,
		FetchedAt:       f.clock.Now(),
	}
	if f.detector != nil {
		page.VueDetected = f.detector.DetectVue(res.body)
	}
	f.logger.Debug("fetched page",
		zap.String("url", request.URL),
		zap.Int("status", res.statusCode),
		zap.Int("bytes", len(res.body)),
	)
	return page, nil
}

func (f *Fetcher) do(ctx context.Context, request crawler.FetchRequest) (*fetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("colly fetch canceled: %w", err)
	}
	if err := f.limiter.Wait(ctx, request.URL); err != nil {
		return nil, err
	}
	result := &fetchResult{}
	collector := f.buildCollector(request, result)
	if err := f.runCollector(ctx, collector, request.URL, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(request crawler.FetchRequest, result *fetchResult) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	f.configureCollectorHooks(collector, request, result)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, request crawler.FetchRequest, result *fetchResult) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.url = r.Request.URL.String()
		result.statusCode = r.StatusCode
		if r.Headers != nil {
			result.headers = r.Headers.Clone()
		}
		result.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			result.err = &crawler.StatusError{URL: request.URL, StatusCode: r.StatusCode}
			return
		}
		result.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, result *fetchResult) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if result.err != nil {
			var statusErr *crawler.StatusError
			if errors.As(result.err, &statusErr) {
				return statusErr
			}
			return fmt.Errorf("colly response failed: %w", result.err)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
