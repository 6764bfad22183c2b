package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
)

// DefaultNavSelectors are tried in order; the first match is the sidebar.
var DefaultNavSelectors = []string{
	".sidebar-nav",
	".sidebar-links",
	".nav-links",
	"[class*='sidebar']",
	"[class*='nav']",
}

var errNoNav = errors.New("no navigation container")

// Navigation collects the links of the page's sidebar.
type Navigation struct {
	source    crawler.Source
	selectors []string
}

// NewNavigation builds a Navigation strategy. The source should render
// JavaScript when sidebars are built client side.
func NewNavigation(source crawler.Source, selectors ...string) *Navigation {
	if len(selectors) == 0 {
		selectors = DefaultNavSelectors
	}
	return &Navigation{source: source, selectors: selectors}
}

// Name implements Strategy.
func (n *Navigation) Name() string { return "navigation" }

// Discover implements Strategy.
func (n *Navigation) Discover(ctx context.Context, target Target) Result {
	body, err := n.source.Get(ctx, target.EntryURL)
	if err != nil {
		return Result{Outcome: sourceOutcome(err), Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: Failed, Err: fmt.Errorf("parse page: %w", err)}
	}
	var nav *goquery.Selection
	for _, sel := range n.selectors {
		if found := doc.Find(sel); found.Length() > 0 {
			nav = found.First()
			break
		}
	}
	if nav == nil {
		return Result{Outcome: Unavailable, Err: errNoNav}
	}
	var urls []string
	nav.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if abs, err := crawler.ResolveLink(target.EntryURL, href); err == nil {
			urls = append(urls, abs)
		}
	})
	return Result{Outcome: countOutcome(urls), URLs: urls}
}
