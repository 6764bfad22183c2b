// Package discovery finds the pages of a documentation subtree by trying an
// ordered chain of strategies until one yields more than a single page.
package discovery

import (
	"context"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/urlset"
)

// Outcome classifies a single strategy attempt.
type Outcome int

// Strategy outcomes.
const (
	// Found means more than one usable URL.
	Found Outcome = iota
	// Insufficient means the strategy ran but found at most one URL.
	Insufficient
	// Unavailable means the source does not exist for this site.
	Unavailable
	// Failed means a transport or parse error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Insufficient:
		return "insufficient"
	case Unavailable:
		return "unavailable"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Target is what a strategy discovers pages for.
type Target struct {
	EntryURL string
	Boundary urlset.Boundary
	MaxPages int
}

// Result is what a strategy returns. Pages carries documents already fetched
// during discovery so the runner need not fetch them again.
type Result struct {
	Outcome Outcome
	URLs    []string
	Pages   []crawler.ScrapedPage
	Err     error
}

// Strategy is one way of enumerating pages.
type Strategy interface {
	Name() string
	Discover(ctx context.Context, target Target) Result
}

// orderPreserving strategies return URLs in a meaningful order that must
// survive the chain's sorting.
type orderPreserving interface {
	PreservesOrder() bool
}

// fallback strategies are accepted with a single URL.
type fallback interface {
	Fallback() bool
}

// Mapper lists links reachable from a URL using a remote service.
type Mapper interface {
	Map(ctx context.Context, url string) ([]string, error)
}

func countOutcome(urls []string) Outcome {
	if len(urls) > 1 {
		return Found
	}
	return Insufficient
}

func sourceOutcome(err error) Outcome {
	if crawler.IsNotFound(err) {
		return Unavailable
	}
	return Failed
}
