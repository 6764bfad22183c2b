// Package firecrawl is a client for a Firecrawl-compatible scrape service.
// It implements crawler.Fetcher, crawler.Source and crawler.BatchFetcher.
package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/clock/system"
	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/metrics"
	"github.com/JakeFAU/docs-aggregator/internal/policy/resilience"
)

// DefaultAPIURL is where a self-hosted service listens.
const DefaultAPIURL = "http://localhost:3002"

// ErrPollLimit is returned when a crawl job is still running after MaxPolls.
var ErrPollLimit = errors.New("crawl job did not finish")

// Config controls the client.
type Config struct {
	APIURL       string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
	MaxPolls     int
}

// Client talks to the scrape service over its JSON REST API.
type Client struct {
	cfg      Config
	http     *http.Client
	exec     *resilience.Executor
	detector crawler.HeadlessDetector
	clock    crawler.Clock
	logger   *zap.Logger
	sleep    resilience.SleepFunc
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithDetector flags Vue-rendered pages using the returned HTML.
func WithDetector(d crawler.HeadlessDetector) Option {
	return func(c *Client) { c.detector = d }
}

// WithClock overrides the clock stamping FetchedAt.
func WithClock(clock crawler.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithPollSleep replaces the wait between crawl status polls.
func WithPollSleep(fn resilience.SleepFunc) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// New builds a Client. exec may be nil to disable retries and the breaker.
func New(cfg Config, exec *resilience.Executor, logger *zap.Logger, opts ...Option) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 120
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		exec:   exec,
		clock:  system.New(),
		logger: logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type pageMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Language    string `json:"language"`
	SourceURL   string `json:"sourceURL"`
	URL         string `json:"url"`
	StatusCode  int    `json:"statusCode"`
	Error       string `json:"error"`
}

type pageData struct {
	Markdown string       `json:"markdown"`
	HTML     string       `json:"html"`
	RawHTML  string       `json:"rawHtml"`
	Metadata pageMetadata `json:"metadata"`
}

type scrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats"`
}

type scrapeResponse struct {
	Success bool     `json:"success"`
	Data    pageData `json:"data"`
	Error   string   `json:"error"`
}

type mapRequest struct {
	URL string `json:"url"`
}

type mapResponse struct {
	Success bool              `json:"success"`
	Links   []json.RawMessage `json:"links"`
	Error   string            `json:"error"`
}

type crawlRequest struct {
	URL           string        `json:"url"`
	Limit         int           `json:"limit,omitempty"`
	ScrapeOptions scrapeOptions `json:"scrapeOptions"`
}

type scrapeOptions struct {
	Formats []string `json:"formats"`
}

type crawlSubmitResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	URL     string `json:"url"`
	Error   string `json:"error"`
}

type crawlStatusResponse struct {
	Status    string     `json:"status"`
	Total     int        `json:"total"`
	Completed int        `json:"completed"`
	Data      []pageData `json:"data"`
	Error     string     `json:"error"`
}

// Fetch scrapes request.URL.
func (c *Client) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.ScrapedPage, error) {
	return c.Scrape(ctx, request.URL)
}

// Scrape asks the service to render url and return Markdown plus HTML.
func (c *Client) Scrape(ctx context.Context, url string) (crawler.ScrapedPage, error) {
	start := time.Now()
	var resp scrapeResponse
	err := c.call(ctx, "firecrawl.scrape", http.MethodPost, "/v2/scrape",
		scrapeRequest{URL: url, Formats: []string{"markdown", "html"}}, &resp)
	if err != nil {
		metrics.ObserveFetch(string(crawler.RenderFirecrawl), url, "error", 0, time.Since(start))
		return crawler.ScrapedPage{}, err
	}
	if !resp.Success {
		metrics.ObserveFetch(string(crawler.RenderFirecrawl), url, "failed", 0, time.Since(start))
		msg := resp.Error
		if msg == "" {
			msg = "scrape reported failure"
		}
		return crawler.ScrapedPage{}, fmt.Errorf("scrape %s: %s", url, msg)
	}
	metrics.ObserveFetch(string(crawler.RenderFirecrawl), url, "success", len(resp.Data.Markdown), time.Since(start))
	return c.toPage(resp.Data, url), nil
}

// Get returns the rendered HTML of url so markup-based discovery works with
// this backend.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	page, err := c.Scrape(ctx, url)
	if err != nil {
		return nil, err
	}
	return []byte(page.HTML), nil
}

// Map asks the service for the links reachable from url.
func (c *Client) Map(ctx context.Context, url string) ([]string, error) {
	var resp mapResponse
	if err := c.call(ctx, "firecrawl.map", http.MethodPost, "/v1/map", mapRequest{URL: url}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success && resp.Error != "" {
		return nil, fmt.Errorf("map %s: %s", url, resp.Error)
	}
	links := make([]string, 0, len(resp.Links))
	for _, raw := range resp.Links {
		if link := decodeLink(raw); link != "" {
			links = append(links, link)
		}
	}
	return links, nil
}

// decodeLink accepts both the bare-string and the {"url": ...} link shapes.
func decodeLink(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.URL)
	}
	return ""
}

// Crawl submits a crawl job rooted at entryURL and polls it until it reaches a
// terminal state.
func (c *Client) Crawl(ctx context.Context, entryURL string, limit int) (crawler.Batch, error) {
	var submit crawlSubmitResponse
	req := crawlRequest{
		URL:           entryURL,
		Limit:         limit,
		ScrapeOptions: scrapeOptions{Formats: []string{"markdown", "html"}},
	}
	if err := c.call(ctx, "firecrawl.crawl", http.MethodPost, "/v2/crawl", req, &submit); err != nil {
		return crawler.Batch{}, err
	}
	if submit.ID == "" {
		return crawler.Batch{}, fmt.Errorf("crawl %s: no job id returned: %s", entryURL, submit.Error)
	}
	c.logger.Info("crawl job submitted", zap.String("job_id", submit.ID), zap.String("url", entryURL), zap.Int("limit", limit))

	for poll := 0; poll < c.cfg.MaxPolls; poll++ {
		var status crawlStatusResponse
		if err := c.call(ctx, "firecrawl.crawl_status", http.MethodGet, "/v2/crawl/"+submit.ID, nil, &status); err != nil {
			return crawler.Batch{}, err
		}
		if status.Total > 0 {
			c.logger.Info("crawl progress",
				zap.String("job_id", submit.ID),
				zap.Int("completed", status.Completed),
				zap.Int("total", status.Total),
			)
		}
		switch crawler.BatchStatus(status.Status) {
		case crawler.BatchCompleted, crawler.BatchFailed, crawler.BatchCancelled:
			batch := crawler.Batch{Status: crawler.BatchStatus(status.Status)}
			for _, data := range status.Data {
				batch.Pages = append(batch.Pages, c.toPage(data, ""))
			}
			return batch, nil
		}
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return crawler.Batch{}, fmt.Errorf("crawl poll wait: %w", err)
		}
	}
	return crawler.Batch{}, fmt.Errorf("job %s after %d polls: %w", submit.ID, c.cfg.MaxPolls, ErrPollLimit)
}

func (c *Client) toPage(data pageData, requested string) crawler.ScrapedPage {
	source := data.Metadata.SourceURL
	if source == "" {
		source = data.Metadata.URL
	}
	if source == "" {
		source = requested
	}
	url := requested
	if url == "" {
		url = source
	}
	html := data.HTML
	if html == "" {
		html = data.RawHTML
	}
	page := crawler.ScrapedPage{
		URL:             url,
		SourceURL:       source,
		Markdown:        data.Markdown,
		HTML:            html,
		Title:           data.Metadata.Title,
		Description:     data.Metadata.Description,
		Language:        data.Metadata.Language,
		Success:         true,
		RenderingMethod: crawler.RenderFirecrawl,
		FetchedAt:       c.clock.Now(),
	}
	if data.Metadata.Error != "" {
		page.MarkFailed(data.Metadata.Error)
	}
	if c.detector != nil && html != "" {
		page.VueDetected = c.detector.DetectVue([]byte(html))
	}
	return page
}

func (c *Client) call(ctx context.Context, op, method, path string, body, out any) error {
	err := c.exec.Do(ctx, op, func(ctx context.Context) error {
		return c.doJSON(ctx, method, path, body, out)
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	c.logger.Debug("api request", zap.String("method", method), zap.String("path", path))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("api error response",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", strings.TrimSpace(string(snippet))),
		)
		return &crawler.StatusError{URL: c.cfg.APIURL + path, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
