// Package config loads and validates aggregator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/docs-aggregator/internal/discovery"
	"github.com/JakeFAU/docs-aggregator/internal/urlset"
)

// EnvPrefix is prepended to every environment override, e.g.
// DOCSAGG_OUTPUT_DIR=/tmp/out.
const EnvPrefix = "DOCSAGG"

// Supported fetch backends.
const (
	BackendHTTP      = "http"
	BackendHeadless  = "headless"
	BackendFirecrawl = "firecrawl"
)

// Supported output providers.
const (
	OutputLocal  = "local"
	OutputGCS    = "gcs"
	OutputMemory = "memory"
)

// Supported notification providers.
const (
	NotifyNone   = "none"
	NotifyMemory = "memory"
	NotifyPubSub = "pubsub"
	NotifyNATS   = "nats"
)

// ErrInvalidTarget marks an unusable entry URL or allowed path.
var ErrInvalidTarget = errors.New("invalid target")

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Target    TargetConfig    `mapstructure:"target"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Firecrawl FirecrawlConfig `mapstructure:"firecrawl"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Aggregate AggregateConfig `mapstructure:"aggregate"`
	Output    OutputConfig    `mapstructure:"output"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// TargetConfig names the documentation subtree to aggregate. It may be left
// empty when serving, since API requests carry their own target.
type TargetConfig struct {
	EntryURL    string `mapstructure:"entry_url"`
	AllowedPath string `mapstructure:"allowed_path"`
	AllowedHost string `mapstructure:"allowed_host"`
	SameHost    bool   `mapstructure:"same_host"`
}

// DiscoveryConfig tunes the strategy chain.
type DiscoveryConfig struct {
	Strategies    []string `mapstructure:"strategies"`
	SitemapPaths  []string `mapstructure:"sitemap_paths"`
	NavSelectors  []string `mapstructure:"nav_selectors"`
	NextSelector  string   `mapstructure:"next_selector"`
	BundleExclude []string `mapstructure:"bundle_exclude"`
	MaxPages      int      `mapstructure:"max_pages"`
	CrawlDepth    int      `mapstructure:"crawl_depth"`
}

// FetchConfig selects and tunes the page fetcher.
type FetchConfig struct {
	Backend         string  `mapstructure:"backend"`
	UserAgent       string  `mapstructure:"user_agent"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
	RatePerSecond   float64 `mapstructure:"rate_per_second"`
	Burst           int     `mapstructure:"burst"`
	PromoteHeadless bool    `mapstructure:"promote_headless"`
}

// FirecrawlConfig points at a scrape service.
type FirecrawlConfig struct {
	APIURL         string `mapstructure:"api_url"`
	APIKey         string `mapstructure:"api_key"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	MaxPolls       int    `mapstructure:"max_polls"`
}

// RetryConfig tunes the exponential retry policy.
type RetryConfig struct {
	MaxAttempts    int     `mapstructure:"max_attempts"`
	InitialDelayMs int     `mapstructure:"initial_delay_ms"`
	BackoffFactor  float64 `mapstructure:"backoff_factor"`
	MaxDelayMs     int     `mapstructure:"max_delay_ms"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	Threshold       int `mapstructure:"threshold"`
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	MaxParallel        int `mapstructure:"max_parallel"`
	NavTimeoutSec      int `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs      int `mapstructure:"settle_delay_ms"`
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// AggregateConfig controls artifact assembly.
type AggregateConfig struct {
	Title             string `mapstructure:"title"`
	IncludeTOC        bool   `mapstructure:"include_toc"`
	TOCMaxLevel       int    `mapstructure:"toc_max_level"`
	TOCTitle          string `mapstructure:"toc_title"`
	NormalizeHeadings bool   `mapstructure:"normalize_headings"`
}

// OutputConfig picks where artifacts land.
type OutputConfig struct {
	Provider    string `mapstructure:"provider"`
	Dir         string `mapstructure:"dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	Overwrite   bool   `mapstructure:"overwrite"`
	HTMLPreview bool   `mapstructure:"html_preview"`
	Report      bool   `mapstructure:"report"`
}

// CacheConfig controls the on-disk page cache.
type CacheConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// NotifyConfig picks the artifact notification transport.
type NotifyConfig struct {
	Provider string `mapstructure:"provider"`
	Topic    string `mapstructure:"topic"`
}

// PubSubConfig holds Google Pub/Sub settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// NATSConfig holds NATS settings.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, is required on /v1 routes.
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the preset minimum level (debug, info, warn, error).
	Level string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Tracing     bool    `mapstructure:"tracing"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// New returns a Viper instance with defaults and environment overrides set.
// Callers may bind flags to it before calling Read.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from defaults, the optional file at path, and the
// environment.
func Load(path string) (Config, error) {
	return Read(New(), path)
}

// Read unmarshals v, after merging the optional file at path, and validates
// the result.
func Read(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target.same_host", true)
	v.SetDefault("discovery.strategies", discovery.DefaultOrder)
	v.SetDefault("discovery.next_selector", discovery.DefaultNextSelector)
	v.SetDefault("discovery.max_pages", 200)
	v.SetDefault("discovery.crawl_depth", 3)
	v.SetDefault("fetch.backend", BackendHTTP)
	v.SetDefault("fetch.user_agent", "docsagg/1.0 (+https://github.com/JakeFAU/docs-aggregator)")
	v.SetDefault("fetch.timeout_seconds", 120)
	v.SetDefault("fetch.rate_per_second", 2.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.promote_headless", false)
	v.SetDefault("firecrawl.api_url", "http://localhost:3002")
	v.SetDefault("firecrawl.poll_interval_ms", 2000)
	v.SetDefault("firecrawl.max_polls", 150)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown_seconds", 60)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.settle_delay_ms", 500)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("aggregate.include_toc", true)
	v.SetDefault("aggregate.toc_max_level", 3)
	v.SetDefault("aggregate.normalize_headings", true)
	v.SetDefault("output.provider", OutputLocal)
	v.SetDefault("output.dir", "./output")
	v.SetDefault("output.report", true)
	v.SetDefault("cache.ttl_seconds", 86400)
	v.SetDefault("notify.provider", NotifyMemory)
	v.SetDefault("notify.topic", "artifact.ready")
	v.SetDefault("pubsub.topic", "artifact-ready")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "docsagg")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 900)
	v.SetDefault("logging.development", false)
	v.SetDefault("telemetry.service_name", "docsagg")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits. It performs no I/O.
func (c Config) Validate() error {
	if c.Target.EntryURL != "" {
		if _, err := c.Target.Boundary(); err != nil {
			return err
		}
	}
	if c.Discovery.MaxPages <= 0 {
		return fmt.Errorf("discovery.max_pages must be > 0")
	}
	for _, name := range c.Discovery.Strategies {
		if !discovery.KnownStrategy(name) {
			return fmt.Errorf("discovery.strategies: unknown strategy %q", name)
		}
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	switch c.Fetch.Backend {
	case BackendHTTP, BackendHeadless, BackendFirecrawl:
	default:
		return fmt.Errorf("fetch.backend %q is not one of http, headless, firecrawl", c.Fetch.Backend)
	}
	if c.Fetch.Backend == BackendFirecrawl && c.Firecrawl.APIURL == "" {
		return fmt.Errorf("firecrawl.api_url must be set for the firecrawl backend")
	}
	if (c.Fetch.Backend == BackendHeadless || c.Fetch.PromoteHeadless) && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless rendering is used")
	}
	if c.Headless.NavTimeoutSec <= 0 {
		return fmt.Errorf("headless.nav_timeout_seconds must be > 0")
	}
	if c.Aggregate.TOCMaxLevel < 1 || c.Aggregate.TOCMaxLevel > 6 {
		return fmt.Errorf("aggregate.toc_max_level must be between 1 and 6")
	}
	switch c.Output.Provider {
	case OutputLocal:
		if c.Output.Dir == "" {
			return fmt.Errorf("output.dir must be set for the local provider")
		}
	case OutputGCS:
		if c.Output.GCSBucket == "" {
			return fmt.Errorf("output.gcs_bucket must be set for the gcs provider")
		}
	case OutputMemory:
	default:
		return fmt.Errorf("output.provider %q is not one of local, gcs, memory", c.Output.Provider)
	}
	switch c.Notify.Provider {
	case NotifyNone, NotifyMemory, "":
	case NotifyPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic must be set for pubsub notifications")
		}
	case NotifyNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url must be set for nats notifications")
		}
	default:
		return fmt.Errorf("notify.provider %q is not one of none, memory, pubsub, nats", c.Notify.Provider)
	}
	if c.Cache.Enabled && c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// Boundary validates the target and returns the subtree it describes. An
// empty allowed path defaults to the directory of the entry URL.
func (t TargetConfig) Boundary() (urlset.Boundary, error) {
	u, err := url.Parse(strings.TrimSpace(t.EntryURL))
	if err != nil {
		return urlset.Boundary{}, fmt.Errorf("%w: entry url: %v", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return urlset.Boundary{}, fmt.Errorf("%w: entry url %q must be an absolute http(s) url", ErrInvalidTarget, t.EntryURL)
	}

	allowed := t.AllowedPath
	if allowed == "" {
		allowed = DefaultAllowedPath(u.Path)
	}
	if !strings.HasPrefix(allowed, "/") || !strings.HasSuffix(allowed, "/") {
		return urlset.Boundary{}, fmt.Errorf("%w: allowed path %q must start and end with /", ErrInvalidTarget, allowed)
	}

	host := t.AllowedHost
	if host == "" && t.SameHost {
		host = u.Hostname()
	}
	boundary := urlset.NewBoundary(allowed, host)
	if !boundary.Allows(u.String()) {
		return urlset.Boundary{}, fmt.Errorf("%w: entry url %q is outside %q", ErrInvalidTarget, t.EntryURL, allowed)
	}
	return boundary, nil
}

// DefaultAllowedPath returns the directory portion of an entry URL path,
// e.g. "/VBA/" for "/VBA/index.html".
func DefaultAllowedPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if strings.HasSuffix(p, "/") {
		return p
	}
	dir := path.Dir(p)
	if dir == "/" {
		return "/"
	}
	return dir + "/"
}

// FetchTimeout is the per-request budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
