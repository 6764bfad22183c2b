// Package aggregate assembles scraped pages into one Markdown artifact.
package aggregate

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/clock/system"
	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/outline"
)

// ErrNoPages is returned when an artifact is requested from zero pages.
var ErrNoPages = errors.New("aggregate: at least one scraped page is required")

// Options captures the optimizer settings applied to one artifact.
type Options struct {
	Title             string
	BaseURL           string
	IncludeTOC        bool
	TOCMaxLevel       int
	TOCTitle          string
	TOCPosition       outline.Position
	NormalizeHeadings bool
}

// Assembler folds scraped pages into an Artifact.
type Assembler struct {
	logger *zap.Logger
	clock  crawler.Clock
}

// NewAssembler builds an Assembler. Nil dependencies fall back to a no-op
// logger and the system clock.
func NewAssembler(logger *zap.Logger, clock crawler.Clock) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	return &Assembler{logger: logger, clock: clock}
}

// Assemble combines pages, in order, into one artifact. failedURLs are carried
// into the artifact metadata only.
func (a *Assembler) Assemble(pages []crawler.ScrapedPage, failedURLs []string, opts Options) (*Artifact, error) {
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	if opts.TOCMaxLevel <= 0 {
		opts.TOCMaxLevel = outline.DefaultTOCMaxLevel
	}

	var (
		body   string
		report outline.NormalizationReport
	)
	if opts.NormalizeHeadings && len(pages) > 1 {
		bodies := make([]string, 0, len(pages))
		for _, page := range pages {
			bodies = append(bodies, page.Markdown)
		}
		body, report = outline.NormalizePages(bodies, true)
	} else {
		body = concatenate(pages)
	}

	tocInserted := false
	if opts.IncludeTOC {
		toc := outline.GenerateTOC(outline.Analyze(body), outline.TOCOptions{
			MaxLevel: opts.TOCMaxLevel,
			Title:    opts.TOCTitle,
		})
		if toc != "" {
			body = outline.InsertTOC(body, toc, opts.TOCPosition)
			tocInserted = true
		}
	}

	sources := make([]string, 0, len(pages))
	for _, page := range pages {
		sources = append(sources, page.URL)
	}

	artifact := &Artifact{
		Title:              strings.TrimSpace(opts.Title),
		BaseURL:            opts.BaseURL,
		Content:            body,
		SourceURLs:         sources,
		FailedURLs:         append([]string(nil), failedURLs...),
		IncludeTOC:         opts.IncludeTOC,
		TOCMaxLevel:        opts.TOCMaxLevel,
		NormalizeHeadings:  opts.NormalizeHeadings,
		HeadingsNormalized: report.NormalizedHeadings,
		AggregatedAt:       a.clock.Now().UTC().Truncate(timeResolution),
		VueContent:         anyVue(pages),
		RenderingMethod:    renderingMethod(pages),
		Normalization:      report,
	}

	a.logger.Info("assembled artifact",
		zap.Int("pages", len(pages)),
		zap.Int("failed", len(failedURLs)),
		zap.Int("headings_normalized", report.NormalizedHeadings),
		zap.Int("conflicts_resolved", report.ConflictsResolved),
		zap.Bool("toc_inserted", tocInserted),
	)
	return artifact, nil
}

func concatenate(pages []crawler.ScrapedPage) string {
	var b strings.Builder
	for i, page := range pages {
		title := strings.TrimSpace(page.Title)
		if title == "" {
			title = fmt.Sprintf("Section %d", i+1)
		}
		fmt.Fprintf(&b, "\n## %s\n", title)
		fmt.Fprintf(&b, "*Source: %s*\n", page.URL)
		b.WriteString(page.Markdown)
		b.WriteString("\n\n---\n")
	}
	return b.String()
}

func anyVue(pages []crawler.ScrapedPage) bool {
	for _, page := range pages {
		if page.VueDetected {
			return true
		}
	}
	return false
}

func renderingMethod(pages []crawler.ScrapedPage) string {
	method := pages[0].RenderingMethod
	for _, page := range pages[1:] {
		if page.RenderingMethod != method {
			return "mixed"
		}
	}
	return string(method)
}
