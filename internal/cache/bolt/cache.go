// Package boltcache caches scraped pages in a local bbolt database so repeated
// runs over the same site skip pages fetched recently.
package boltcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/clock/system"
	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/metrics"
)

var pagesBucket = []byte("pages")

// DefaultPath is the cache file under the user's XDG cache directory.
func DefaultPath() string {
	return filepath.Join(xdg.CacheHome, "docsagg", "pages.db")
}

// Config controls where the cache lives and how long entries stay fresh.
type Config struct {
	Path string
	// TTL of zero keeps entries forever.
	TTL time.Duration
}

type entry struct {
	StoredAt time.Time           `json:"stored_at"`
	Page     crawler.ScrapedPage `json:"page"`
}

// PageCache implements crawler.PageCache.
type PageCache struct {
	db     *bolt.DB
	ttl    time.Duration
	clock  crawler.Clock
	logger *zap.Logger
}

// Open creates (or reuses) the cache database.
func Open(cfg Config, clock crawler.Clock, logger *zap.Logger) (*PageCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open page cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pagesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	logger.Debug("page cache opened", zap.String("path", path), zap.Duration("ttl", cfg.TTL))
	return &PageCache{db: db, ttl: cfg.TTL, clock: clock, logger: logger}, nil
}

// Get returns the cached page for url. Expired or unreadable entries are
// reported as misses.
func (c *PageCache) Get(ctx context.Context, url string) (crawler.ScrapedPage, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.ScrapedPage{}, false, err
	}
	var (
		e     entry
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(pagesBucket).Get([]byte(url))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &e); err != nil {
			c.logger.Warn("discarding unreadable cache entry", zap.String("url", url), zap.Error(err))
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return crawler.ScrapedPage{}, false, fmt.Errorf("read page cache: %w", err)
	}
	if found && c.ttl > 0 && c.clock.Now().Sub(e.StoredAt) > c.ttl {
		found = false
	}
	metrics.ObserveCacheLookup(found)
	if !found {
		return crawler.ScrapedPage{}, false, nil
	}
	return e.Page, true, nil
}

// Put stores page under its URL. Failed pages are not cached.
func (c *PageCache) Put(ctx context.Context, page crawler.ScrapedPage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !page.Success || page.URL == "" {
		return nil
	}
	data, err := json.Marshal(entry{StoredAt: c.clock.Now(), Page: page})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pagesBucket).Put([]byte(page.URL), data)
	})
	if err != nil {
		return fmt.Errorf("write page cache: %w", err)
	}
	return nil
}

// Close releases the database file lock.
func (c *PageCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
