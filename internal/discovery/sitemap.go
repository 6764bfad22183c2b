package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
)

// DefaultSitemapPaths are probed in order on the entry URL's origin.
var DefaultSitemapPaths = []string{"/sitemap.xml", "/sitemap_index.xml", "/sitemap1.xml"}

// Sitemap reads <loc> entries from the site's sitemaps.
type Sitemap struct {
	source crawler.Source
	paths  []string
}

// NewSitemap builds a Sitemap strategy. Empty paths fall back to
// DefaultSitemapPaths.
func NewSitemap(source crawler.Source, paths ...string) *Sitemap {
	if len(paths) == 0 {
		paths = DefaultSitemapPaths
	}
	return &Sitemap{source: source, paths: paths}
}

// Name implements Strategy.
func (s *Sitemap) Name() string { return "sitemap" }

// Discover implements Strategy. The first sitemap with any in-prefix <loc>
// wins; a site where every sitemap is missing is Unavailable.
func (s *Sitemap) Discover(ctx context.Context, target Target) Result {
	origin, err := crawler.Origin(target.EntryURL)
	if err != nil {
		return Result{Outcome: Failed, Err: err}
	}
	var lastErr error
	missing := 0
	for _, p := range s.paths {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Failed, Err: err}
		}
		body, err := s.source.Get(ctx, origin+"/"+strings.TrimLeft(p, "/"))
		if err != nil {
			if crawler.IsNotFound(err) {
				missing++
			}
			lastErr = err
			continue
		}
		locs, err := sitemapLocs(body, target.Boundary.PathPrefix)
		if err != nil {
			lastErr = err
			continue
		}
		if len(locs) > 0 {
			return Result{Outcome: countOutcome(locs), URLs: locs}
		}
	}
	switch {
	case missing == len(s.paths):
		return Result{Outcome: Unavailable, Err: lastErr}
	case lastErr != nil && missing == 0:
		return Result{Outcome: Failed, Err: lastErr}
	default:
		return Result{Outcome: Insufficient}
	}
}

func sitemapLocs(body []byte, pathPrefix string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	var locs []string
	doc.Find("loc").Each(func(_ int, sel *goquery.Selection) {
		loc := strings.TrimSpace(sel.Text())
		if loc != "" && strings.Contains(loc, pathPrefix) {
			locs = append(locs, loc)
		}
	})
	if len(locs) == 0 && doc.Find("urlset, sitemapindex").Length() == 0 {
		return nil, errors.New("parse sitemap: no urlset element")
	}
	return locs, nil
}
