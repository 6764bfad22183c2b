package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/urlset"
)

// DefaultNextSelector finds the "next page" link of VuePress style themes.
const DefaultNextSelector = ".page-nav .next a"

// Sequential walks "next page" links from the entry URL, keeping the pages it
// fetches on the way.
type Sequential struct {
	fetcher  crawler.Fetcher
	selector string
}

// NewSequential builds a Sequential strategy. An empty selector uses
// DefaultNextSelector.
func NewSequential(fetcher crawler.Fetcher, selector string) *Sequential {
	if strings.TrimSpace(selector) == "" {
		selector = DefaultNextSelector
	}
	return &Sequential{fetcher: fetcher, selector: selector}
}

// Name implements Strategy.
func (s *Sequential) Name() string { return "sequential" }

// PreservesOrder reports that traversal order is reading order.
func (s *Sequential) PreservesOrder() bool { return true }

// Discover implements Strategy. Running out of links, leaving the boundary,
// revisiting a page or reaching MaxPages all end the walk normally.
func (s *Sequential) Discover(ctx context.Context, target Target) Result {
	visited := make(map[string]struct{})
	var (
		urls  []string
		pages []crawler.ScrapedPage
	)
	current := urlset.StripFragment(target.EntryURL)
	for current != "" {
		if target.MaxPages > 0 && len(urls) >= target.MaxPages {
			break
		}
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Failed, URLs: urls, Pages: pages, Err: err}
		}
		visited[current] = struct{}{}
		page, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: current})
		if err != nil {
			if len(urls) == 0 {
				return Result{Outcome: sourceOutcome(err), Err: fmt.Errorf("fetch %s: %w", current, err)}
			}
			break
		}
		urls = append(urls, current)
		pages = append(pages, page)

		next, ok := s.nextLink(current, page.HTML)
		if !ok || !target.Boundary.Allows(next) {
			break
		}
		if _, seen := visited[next]; seen {
			break
		}
		current = next
	}
	return Result{Outcome: countOutcome(urls), URLs: urls, Pages: pages}
}

func (s *Sequential) nextLink(pageURL, html string) (string, bool) {
	if html == "" {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}
	href, ok := doc.Find(s.selector).First().Attr("href")
	if !ok {
		return "", false
	}
	next, err := crawler.ResolveLink(pageURL, href)
	if err != nil {
		return "", false
	}
	return next, true
}
