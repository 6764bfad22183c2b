package app

import (
	"context"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/policy/resilience"
)

// retryingFetcher runs every fetch through an executor.
type retryingFetcher struct {
	inner crawler.Fetcher
	exec  *resilience.Executor
	op    string
}

func newRetryingFetcher(inner crawler.Fetcher, exec *resilience.Executor, op string) *retryingFetcher {
	return &retryingFetcher{inner: inner, exec: exec, op: op}
}

// Fetch implements crawler.Fetcher.
func (f *retryingFetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.ScrapedPage, error) {
	return resilience.Call(ctx, f.exec, f.op, func(ctx context.Context) (crawler.ScrapedPage, error) {
		return f.inner.Fetch(ctx, request)
	})
}
