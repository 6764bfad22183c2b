package discovery

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/policy/ratelimit"
)

// DefaultOrder is the chain used when no strategies are configured.
var DefaultOrder = []string{"sitemap", "static", "bundle", "map", "navigation", "crawl", "sequential", "single"}

// Deps holds everything strategies may need. Nil members disable or degrade
// the strategies that use them.
type Deps struct {
	// Raw serves unrendered markup (sitemaps, static scans, bundles).
	Raw crawler.Source
	// Rendered serves the DOM after scripts ran; Raw is used when nil.
	Rendered crawler.Source
	Fetcher  crawler.Fetcher
	Mapper   Mapper
	Batch    crawler.BatchFetcher
	Limiter  *ratelimit.Limiter
	Logger   *zap.Logger

	SitemapPaths  []string
	NavSelectors  []string
	NextSelector  string
	BundleExclude []string
	CrawlDepth    int
	UserAgent     string
}

// Build turns strategy names into a chain order. Single is appended when
// missing so discovery always yields a URL.
func Build(names []string, deps Deps) ([]Strategy, error) {
	if len(names) == 0 {
		names = DefaultOrder
	}
	rendered := deps.Rendered
	if rendered == nil {
		rendered = deps.Raw
	}
	strategies := make([]Strategy, 0, len(names)+1)
	hasSingle := false
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "sitemap", "static", "bundle":
			if deps.Raw == nil {
				return nil, fmt.Errorf("strategy %q needs a page source", name)
			}
		case "navigation":
			if rendered == nil {
				return nil, fmt.Errorf("strategy %q needs a page source", name)
			}
		case "sequential":
			if deps.Fetcher == nil {
				return nil, fmt.Errorf("strategy %q needs a fetcher", name)
			}
		}
		switch name {
		case "sitemap":
			strategies = append(strategies, NewSitemap(deps.Raw, deps.SitemapPaths...))
		case "static":
			strategies = append(strategies, NewStaticLinks(deps.Raw))
		case "bundle":
			strategies = append(strategies, NewBundle(deps.Raw, deps.BundleExclude))
		case "map":
			strategies = append(strategies, NewMapAPI(deps.Mapper))
		case "navigation":
			strategies = append(strategies, NewNavigation(rendered, deps.NavSelectors...))
		case "crawl":
			strategies = append(strategies, NewCrawl(CrawlConfig{Depth: deps.CrawlDepth, UserAgent: deps.UserAgent}, deps.Batch, deps.Limiter, deps.Logger))
		case "sequential":
			strategies = append(strategies, NewSequential(deps.Fetcher, deps.NextSelector))
		case "single":
			strategies = append(strategies, Single{})
			hasSingle = true
		default:
			return nil, fmt.Errorf("unknown discovery strategy %q", raw)
		}
	}
	if !hasSingle {
		strategies = append(strategies, Single{})
	}
	return strategies, nil
}

// KnownStrategy reports whether name is a strategy Build understands.
func KnownStrategy(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, known := range DefaultOrder {
		if name == known {
			return true
		}
	}
	return false
}
