package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
)

// StaticLinks scans the entry page's raw markup for quoted page paths such as
// "/VBA/intro.html".
type StaticLinks struct {
	source crawler.Source
}

// NewStaticLinks builds a StaticLinks strategy.
func NewStaticLinks(source crawler.Source) *StaticLinks {
	return &StaticLinks{source: source}
}

// Name implements Strategy.
func (s *StaticLinks) Name() string { return "static" }

// Discover implements Strategy.
func (s *StaticLinks) Discover(ctx context.Context, target Target) Result {
	body, err := s.source.Get(ctx, target.EntryURL)
	if err != nil {
		return Result{Outcome: sourceOutcome(err), Err: err}
	}
	origin, err := crawler.Origin(target.EntryURL)
	if err != nil {
		return Result{Outcome: Failed, Err: err}
	}
	pattern := regexp.MustCompile(`["'](` + regexp.QuoteMeta(target.Boundary.PathPrefix) + `[^"'\s<>]+?\.html?)["']`)
	urls := []string{target.EntryURL}
	for _, m := range pattern.FindAllSubmatch(body, -1) {
		urls = append(urls, origin+string(m[1]))
	}
	return Result{Outcome: countOutcome(urls), URLs: urls}
}

var (
	bundleScript = regexp.MustCompile(`src="(/assets/[^"]+\.js)"`)
	bundleRoute  = regexp.MustCompile(`/assets/([A-Za-z0-9_\-]+)\.html-[0-9a-f]+\.js`)
)

// DefaultBundleExclude lists route names never synthesized from bundles.
var DefaultBundleExclude = []string{"index"}

// Bundle synthesizes page URLs from per-route script bundles such as
// /assets/intro.html-3f2a9c.js.
type Bundle struct {
	source  crawler.Source
	exclude map[string]struct{}
}

// NewBundle builds a Bundle strategy. A nil exclude list uses
// DefaultBundleExclude.
func NewBundle(source crawler.Source, exclude []string) *Bundle {
	if exclude == nil {
		exclude = DefaultBundleExclude
	}
	set := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		set[strings.TrimSpace(name)] = struct{}{}
	}
	return &Bundle{source: source, exclude: set}
}

// Name implements Strategy.
func (b *Bundle) Name() string { return "bundle" }

// Discover implements Strategy.
func (b *Bundle) Discover(ctx context.Context, target Target) Result {
	body, err := b.source.Get(ctx, target.EntryURL)
	if err != nil {
		return Result{Outcome: sourceOutcome(err), Err: err}
	}
	origin, err := crawler.Origin(target.EntryURL)
	if err != nil {
		return Result{Outcome: Failed, Err: fmt.Errorf("bundle origin: %w", err)}
	}
	urls := []string{target.EntryURL}
	for _, script := range bundleScript.FindAllSubmatch(body, -1) {
		m := bundleRoute.FindSubmatch(script[1])
		if m == nil {
			continue
		}
		name := string(m[1])
		if _, skip := b.exclude[name]; skip {
			continue
		}
		urls = append(urls, origin+target.Boundary.PathPrefix+name+".html")
	}
	return Result{Outcome: countOutcome(urls), URLs: urls}
}
