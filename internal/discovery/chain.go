package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/clock/system"
	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/progress"
	"github.com/JakeFAU/docs-aggregator/internal/urlset"
)

// ErrNoStrategies is returned by a Chain built without strategies.
var ErrNoStrategies = errors.New("no discovery strategies configured")

// Attempt records how one strategy fared.
type Attempt struct {
	Strategy   string `json:"strategy"`
	Outcome    string `json:"outcome"`
	Count      int    `json:"count"`
	Skipped    int    `json:"skipped"`
	Duplicates int    `json:"duplicates"`
	Error      string `json:"error,omitempty"`
}

// Report is the chain's answer: the usable URLs, the strategy that produced
// them, and every attempt along the way.
type Report struct {
	URLs       []string              `json:"urls"`
	Pages      []crawler.ScrapedPage `json:"-"`
	Strategy   string                `json:"strategy"`
	Attempts   []Attempt             `json:"attempts"`
	Skipped    int                   `json:"skipped"`
	Duplicates int                   `json:"duplicates"`
}

// Chain tries strategies in order until one finds more than one usable URL.
type Chain struct {
	strategies []Strategy
	logger     *zap.Logger
	emitter    progress.Emitter
	clock      crawler.Clock
}

// NewChain builds a Chain. A nil emitter drops events.
func NewChain(logger *zap.Logger, emitter progress.Emitter, clock crawler.Clock, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if clock == nil {
		clock = system.New()
	}
	return &Chain{strategies: strategies, logger: logger, emitter: emitter, clock: clock}
}

// Discover runs the chain for target. When every strategy comes up short the
// entry URL alone is returned. Only context cancellation is an error.
func (c *Chain) Discover(ctx context.Context, runID string, target Target) (Report, error) {
	if len(c.strategies) == 0 {
		return Report{}, ErrNoStrategies
	}
	var report Report
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("discovery canceled: %w", err)
		}
		res := s.Discover(ctx, target)
		urls, pages, attempt := c.usable(s, res, target)
		report.Attempts = append(report.Attempts, attempt)
		report.Skipped += attempt.Skipped
		report.Duplicates += attempt.Duplicates
		c.record(runID, attempt, res.Err)

		if attempt.Outcome == Found.String() {
			report.URLs = urls
			report.Pages = pages
			report.Strategy = s.Name()
			c.logger.Info("discovery complete",
				zap.String("strategy", s.Name()),
				zap.Int("urls", len(urls)),
				zap.Int("skipped", report.Skipped),
			)
			return report, nil
		}
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("discovery canceled: %w", err)
		}
	}

	c.logger.Warn("discovery exhausted; using entry url", zap.String("url", target.EntryURL))
	report.URLs = []string{urlset.StripFragment(target.EntryURL)}
	report.Strategy = "entry"
	return report, nil
}

// usable filters, dedups, orders and caps a strategy's URLs and classifies
// the attempt.
func (c *Chain) usable(s Strategy, res Result, target Target) ([]string, []crawler.ScrapedPage, Attempt) {
	attempt := Attempt{Strategy: s.Name()}
	if res.Err != nil {
		attempt.Error = res.Err.Error()
	}

	stripped := make([]string, 0, len(res.URLs))
	for _, u := range res.URLs {
		stripped = append(stripped, urlset.StripFragment(u))
	}
	kept, skipped := target.Boundary.Filter(stripped)
	kept, dupes := urlset.DedupURLs(kept)
	if op, ok := s.(orderPreserving); !ok || !op.PreservesOrder() {
		sort.Strings(kept)
	}
	if target.MaxPages > 0 && len(kept) > target.MaxPages {
		kept = kept[:target.MaxPages]
	}
	attempt.Count = len(kept)
	attempt.Skipped = skipped
	attempt.Duplicates = dupes

	outcome := res.Outcome
	switch {
	case outcome == Unavailable || outcome == Failed:
	case len(kept) > 1:
		outcome = Found
	case len(kept) == 1 && isFallback(s):
		outcome = Found
	default:
		outcome = Insufficient
	}
	attempt.Outcome = outcome.String()
	return kept, keepPages(res.Pages, kept), attempt
}

func isFallback(s Strategy) bool {
	fb, ok := s.(fallback)
	return ok && fb.Fallback()
}

// keepPages returns the prefetched pages whose URL survived filtering.
func keepPages(pages []crawler.ScrapedPage, urls []string) []crawler.ScrapedPage {
	if len(pages) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		allowed[u] = struct{}{}
	}
	out := make([]crawler.ScrapedPage, 0, len(pages))
	for _, p := range pages {
		if _, ok := allowed[urlset.StripFragment(p.URL)]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (c *Chain) record(runID string, attempt Attempt, err error) {
	fields := []zap.Field{
		zap.String("strategy", attempt.Strategy),
		zap.String("outcome", attempt.Outcome),
		zap.Int("count", attempt.Count),
		zap.Int("skipped", attempt.Skipped),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Info("discovery attempt", fields...)
	c.emitter.Emit(progress.Event{
		RunID:    runID,
		TS:       c.clock.Now(),
		Stage:    progress.StageDiscovery,
		Strategy: attempt.Strategy,
		Outcome:  attempt.Outcome,
		Count:    attempt.Count,
		Note:     attempt.Error,
	})
}
