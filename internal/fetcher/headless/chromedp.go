// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/clock/system"
	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/htmlmd"
	"github.com/JakeFAU/docs-aggregator/internal/metrics"
	"github.com/JakeFAU/docs-aggregator/internal/policy/ratelimit"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay lets client-side routers finish rendering after body is ready.
	SettleDelay time.Duration
}

// Fetcher implements crawler.Fetcher and crawler.Source using chromedp and
// headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc

	converter *htmlmd.Converter
	detector  crawler.HeadlessDetector
	throttle  *ratelimit.Limiter
	clock     crawler.Clock
	logger    *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter throttles navigations per host.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(f *Fetcher) { f.throttle = l }
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

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	f := &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		converter:   htmlmd.New(nil, nil),
		clock:       system.New(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Get navigates to url and returns the rendered DOM.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	r, err := f.render(ctx, crawler.FetchRequest{URL: url})
	if err != nil {
		return nil, err
	}
	return []byte(r.html), nil
}

// Fetch renders request.URL and converts its main content to Markdown.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.ScrapedPage, error) {
	start := time.Now()
	r, err := f.render(ctx, request)
	if err != nil {
		metrics.ObserveFetch(string(crawler.RenderHeadless), request.URL, "error", 0, time.Since(start))
		return crawler.ScrapedPage{}, err
	}
	metrics.ObserveFetch(string(crawler.RenderHeadless), request.URL, "success", len(r.html), time.Since(start))

	doc, err := f.converter.Convert(r.url, []byte(r.html))
	if err != nil {
		return crawler.ScrapedPage{}, fmt.Errorf("convert %s: %w", request.URL, err)
	}
	page := crawler.ScrapedPage{
		URL:             request.URL,
		SourceURL:       r.url,
		Markdown:        doc.Markdown,
		HTML:            r.html,
		Title:           doc.Title,
		Description:     doc.Description,
		Language:        doc.Language,
		Success:         true,
		RenderingMethod: crawler.RenderHeadless,
		FetchedAt:       f.clock.Now(),
	}
	if f.detector != nil {
		page.VueDetected = f.detector.DetectVue([]byte(r.html))
	}
	f.logger.Debug("rendered page",
		zap.String("url", request.URL),
		zap.Int("status", r.status),
		zap.Duration("dur", time.Since(start)),
	)
	return page, nil
}

type rendered struct {
	html   string
	url    string
	status int
}

func (f *Fetcher) render(ctx context.Context, request crawler.FetchRequest) (rendered, error) {
	if err := f.throttle.Wait(ctx, request.URL); err != nil {
		return rendered{}, err
	}
	if err := f.acquire(ctx); err != nil {
		return rendered{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()

	// Abort the browser task when the caller gives up.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	html, finalURL, err := f.runHeadless(taskCtx, request)
	if err != nil {
		return rendered{}, err
	}

	status, _, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if status >= http.StatusBadRequest {
		return rendered{}, &crawler.StatusError{URL: request.URL, StatusCode: status}
	}
	return rendered{html: html, url: responseURL, status: status}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, request crawler.FetchRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Keep the first document response; later ones are iframes.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
