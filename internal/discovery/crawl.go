package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/policy/ratelimit"
)

// CrawlConfig bounds the recursive crawl.
type CrawlConfig struct {
	// Depth is how many links away from the entry page to follow.
	Depth     int
	UserAgent string
}

// Crawl follows in-boundary links from the entry page. When a BatchFetcher
// is set the crawl is delegated to it and its pages are kept.
type Crawl struct {
	cfg     CrawlConfig
	batch   crawler.BatchFetcher
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewCrawl builds a Crawl strategy. batch may be nil.
func NewCrawl(cfg CrawlConfig, batch crawler.BatchFetcher, limiter *ratelimit.Limiter, logger *zap.Logger) *Crawl {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 3
	}
	return &Crawl{cfg: cfg, batch: batch, limiter: limiter, logger: logger}
}

// Name implements Strategy.
func (c *Crawl) Name() string { return "crawl" }

// Discover implements Strategy.
func (c *Crawl) Discover(ctx context.Context, target Target) Result {
	if c.batch != nil {
		return c.discoverBatch(ctx, target)
	}
	return c.discoverColly(ctx, target)
}

// logVisitError records why a link was not queued. Links already visited
// are expected on every page and stay silent.
func (c *Crawl) logVisitError(link string, err error) {
	var alreadyVisited *colly.AlreadyVisitedError
	if errors.As(err, &alreadyVisited) {
		return
	}
	c.logger.Debug("crawl link not followed", zap.String("url", link), zap.Error(err))
}

func (c *Crawl) discoverBatch(ctx context.Context, target Target) Result {
	batch, err := c.batch.Crawl(ctx, target.EntryURL, target.MaxPages)
	if err != nil {
		return Result{Outcome: sourceOutcome(err), Err: err}
	}
	var (
		urls  []string
		pages []crawler.ScrapedPage
	)
	for _, p := range batch.Pages {
		if !p.Success || !p.HasContent() {
			continue
		}
		urls = append(urls, p.URL)
		pages = append(pages, p)
	}
	if len(urls) == 0 && batch.Status != crawler.BatchCompleted {
		return Result{Outcome: Failed, Err: fmt.Errorf("crawl job %s", batch.Status)}
	}
	return Result{Outcome: countOutcome(urls), URLs: urls, Pages: pages}
}

func (c *Crawl) discoverColly(ctx context.Context, target Target) Result {
	opts := []colly.CollectorOption{
		colly.MaxDepth(c.cfg.Depth + 1), // the entry page is depth 1
		colly.StdlibContext(ctx),
	}
	if target.Boundary.Host != "" {
		opts = append(opts, colly.AllowedDomains(target.Boundary.Host))
	}
	if c.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(c.cfg.UserAgent))
	}
	collector := colly.NewCollector(opts...)

	var (
		mu        sync.Mutex
		urls      []string
		requested int
	)
	collector.OnRequest(func(r *colly.Request) {
		mu.Lock()
		full := target.MaxPages > 0 && requested >= target.MaxPages
		if !full {
			requested++
		}
		mu.Unlock()
		if full {
			r.Abort()
			return
		}
		if err := c.limiter.Wait(ctx, r.URL.String()); err != nil {
			r.Abort()
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		mu.Lock()
		urls = append(urls, r.Request.URL.String())
		mu.Unlock()
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link, err := crawler.ResolveLink(e.Request.URL.String(), e.Attr("href"))
		if err != nil || !target.Boundary.Allows(link) {
			return
		}
		if err := e.Request.Visit(link); err != nil {
			c.logVisitError(link, err)
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		c.logger.Debug("crawl request failed",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status_code", r.StatusCode),
			zap.Error(err),
		)
	})

	if err := collector.Visit(target.EntryURL); err != nil {
		return Result{Outcome: Failed, Err: fmt.Errorf("crawl %s: %w", target.EntryURL, err)}
	}
	collector.Wait()
	if err := ctx.Err(); err != nil {
		return Result{Outcome: Failed, Err: err}
	}
	return Result{Outcome: countOutcome(urls), URLs: urls}
}
