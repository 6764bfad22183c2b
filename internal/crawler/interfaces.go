package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher turns a URL into a scraped Markdown page.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (ScrapedPage, error)
}

// BatchFetcher crawls a site as one job, returning at most limit pages.
type BatchFetcher interface {
	Crawl(ctx context.Context, entryURL string, limit int) (Batch, error)
}

// Source returns the raw markup served at a URL.
type Source interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// HeadlessDetector decides whether a page needs a JavaScript-capable fetch.
type HeadlessDetector interface {
	ShouldPromote(body []byte) bool
	DetectVue(body []byte) bool
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes artifact notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PageCache stores previously scraped pages keyed by URL.
type PageCache interface {
	Get(ctx context.Context, url string) (ScrapedPage, bool, error)
	Put(ctx context.Context, page ScrapedPage) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
