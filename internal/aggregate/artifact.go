package aggregate

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/adrg/frontmatter"
	"github.com/inful/mdfp"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/docs-aggregator/internal/outline"
)

const (
	timeResolution    = time.Second
	maxFilenameBytes  = 255
	aggregatedSuffix  = "_aggregated.md"
	defaultFileStem   = "documentation"
	frontMatterFence  = "---"
	frontMatterIndent = 2
)

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// Artifact is the aggregated Markdown document plus its metadata.
type Artifact struct {
	Title              string
	BaseURL            string
	Content            string
	SourceURLs         []string
	FailedURLs         []string
	IncludeTOC         bool
	TOCMaxLevel        int
	NormalizeHeadings  bool
	HeadingsNormalized int
	AggregatedAt       time.Time
	VueContent         bool
	RenderingMethod    string
	Normalization      outline.NormalizationReport
}

// FrontMatter is the YAML header written ahead of the artifact body.
type FrontMatter struct {
	Title              string    `yaml:"title,omitempty"`
	BaseURL            string    `yaml:"base_url"`
	SourceURLs         []string  `yaml:"source_urls"`
	FailedURLs         []string  `yaml:"failed_urls,omitempty"`
	AggregatedAt       time.Time `yaml:"aggregated_at,omitempty"`
	TotalPages         int       `yaml:"total_pages"`
	SuccessfulPages    int       `yaml:"successful_pages"`
	IncludeTOC         bool      `yaml:"include_toc,omitempty"`
	TOCMaxLevel        int       `yaml:"toc_max_level,omitempty"`
	NormalizeHeadings  bool      `yaml:"normalize_headings,omitempty"`
	HeadingsNormalized int       `yaml:"headings_normalized,omitempty"`
	VueContent         bool      `yaml:"vuejs_content,omitempty"`
	RenderingMethod    string    `yaml:"rendering_method,omitempty"`
	Fingerprint        string    `yaml:"fingerprint,omitempty"`
}

// TotalPages counts every page the run attempted to aggregate.
func (a *Artifact) TotalPages() int {
	return len(a.SourceURLs) + len(a.FailedURLs)
}

// SuccessfulPages counts the pages whose bodies are in the artifact.
func (a *Artifact) SuccessfulPages() int {
	return len(a.SourceURLs)
}

// FrontMatter returns the metadata header without a fingerprint.
func (a *Artifact) FrontMatter() FrontMatter {
	fm := FrontMatter{
		Title:              a.Title,
		BaseURL:            a.BaseURL,
		SourceURLs:         append([]string(nil), a.SourceURLs...),
		FailedURLs:         append([]string(nil), a.FailedURLs...),
		AggregatedAt:       a.AggregatedAt,
		TotalPages:         a.TotalPages(),
		SuccessfulPages:    a.SuccessfulPages(),
		NormalizeHeadings:  a.NormalizeHeadings,
		HeadingsNormalized: a.HeadingsNormalized,
		VueContent:         a.VueContent,
	}
	if fm.SourceURLs == nil {
		fm.SourceURLs = []string{}
	}
	if a.IncludeTOC {
		fm.IncludeTOC = true
		fm.TOCMaxLevel = a.TOCMaxLevel
	}
	if a.VueContent {
		fm.RenderingMethod = a.RenderingMethod
	}
	return fm
}

// Fingerprint hashes the front matter and body, ignoring the aggregation
// timestamp so that re-running over unchanged pages yields the same value.
func (a *Artifact) Fingerprint() (string, error) {
	fm := a.FrontMatter()
	fm.AggregatedAt = time.Time{}
	serialized, err := encodeYAML(fm)
	if err != nil {
		return "", err
	}
	return mdfp.CalculateFingerprintFromParts(strings.TrimSuffix(string(serialized), "\n"), a.Content), nil
}

// Render returns the artifact as front matter followed by the body.
func (a *Artifact) Render() ([]byte, error) {
	fingerprint, err := a.Fingerprint()
	if err != nil {
		return nil, err
	}
	fm := a.FrontMatter()
	fm.Fingerprint = fingerprint
	serialized, err := encodeYAML(fm)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterFence + "\n")
	buf.Write(serialized)
	buf.WriteString(frontMatterFence + "\n\n")
	buf.WriteString(a.Content)
	if !strings.HasSuffix(a.Content, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Filename returns the artifact's file name: the sanitized title, or the last
// path segment of the base URL, followed by "_aggregated.md".
func (a *Artifact) Filename() string {
	stem := strings.TrimSpace(a.Title)
	if stem == "" {
		stem = lastPathSegment(a.BaseURL)
	}
	if stem == "" {
		stem = defaultFileStem
	}
	stem = unsafeFilenameChars.ReplaceAllString(stem, "_")

	limit := maxFilenameBytes - len(aggregatedSuffix)
	if len(stem) > limit {
		stem = stem[:limit]
		for !utf8.ValidString(stem) {
			stem = stem[:len(stem)-1]
		}
	}
	return stem + aggregatedSuffix
}

// Stem returns Filename without the ".md" extension.
func (a *Artifact) Stem() string {
	return strings.TrimSuffix(a.Filename(), ".md")
}

// ReadFingerprint extracts the fingerprint from a rendered artifact.
func ReadFingerprint(rendered []byte) (string, bool) {
	var fm struct {
		Fingerprint string `yaml:"fingerprint"`
	}
	if _, err := frontmatter.Parse(bytes.NewReader(rendered), &fm); err != nil {
		return "", false
	}
	return fm.Fingerprint, fm.Fingerprint != ""
}

func encodeYAML(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(frontMatterIndent)
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close front matter encoder: %w", err)
	}
	return buf.Bytes(), nil
}

func lastPathSegment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	p := strings.Trim(u.Path, "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		p = p[idx+1:]
	}
	if p == "" {
		return u.Hostname()
	}
	return p
}
