// Package htmlmd extracts the main content of a documentation page and
// converts it to Markdown.
package htmlmd

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// DefaultContentSelectors locate the article body, first match wins.
var DefaultContentSelectors = []string{
	"main .theme-default-content",
	".theme-default-content",
	"article",
	"main",
	"[role='main']",
	".content",
	"body",
}

// DefaultStripSelectors name chrome that never belongs in the Markdown.
var DefaultStripSelectors = []string{
	"script",
	"style",
	"noscript",
	"template",
	"nav",
	"header",
	"footer",
	"aside",
	".sidebar",
	".navbar",
	".page-nav",
	".page-edit",
	".header-anchor",
}

// Document is a converted page.
type Document struct {
	Markdown    string
	Title       string
	Description string
	Language    string
}

// Converter turns HTML into Markdown.
type Converter struct {
	contentSelectors []string
	stripSelectors   []string
	conv             *md.Converter
}

// New builds a Converter. Empty selector lists fall back to the defaults.
func New(contentSelectors, stripSelectors []string) *Converter {
	if len(contentSelectors) == 0 {
		contentSelectors = DefaultContentSelectors
	}
	if len(stripSelectors) == 0 {
		stripSelectors = DefaultStripSelectors
	}
	conv := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
	})
	return &Converter{
		contentSelectors: contentSelectors,
		stripSelectors:   stripSelectors,
		conv:             conv,
	}
}

// Convert parses body, drops page chrome, and renders the main content of
// pageURL as Markdown. Relative links and images are made absolute.
func (c *Converter) Convert(pageURL string, body []byte) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}
	out := Metadata(doc)

	for _, sel := range c.stripSelectors {
		doc.Find(sel).Remove()
	}
	if base, err := url.Parse(pageURL); err == nil && base.IsAbs() {
		absolutize(doc, base, "a", "href")
		absolutize(doc, base, "img", "src")
	}

	content := c.mainContent(doc)
	html, err := goquery.OuterHtml(content)
	if err != nil {
		return Document{}, fmt.Errorf("render content: %w", err)
	}
	markdown, err := c.conv.ConvertString(html)
	if err != nil {
		return Document{}, fmt.Errorf("convert markdown: %w", err)
	}
	out.Markdown = strings.TrimSpace(markdown)
	if out.Title == "" {
		out.Title = strings.TrimSpace(content.Find("h1").First().Text())
	}
	return out, nil
}

func (c *Converter) mainContent(doc *goquery.Document) *goquery.Selection {
	for _, sel := range c.contentSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			return found
		}
	}
	return doc.Selection
}

// Metadata reads the title, description and language of a parsed page.
func Metadata(doc *goquery.Document) Document {
	var out Document
	out.Title = strings.TrimSpace(doc.Find("head title").First().Text())
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && out.Title == "" {
		out.Title = strings.TrimSpace(og)
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		out.Description = strings.TrimSpace(desc)
	}
	if lang, ok := doc.Find("html").Attr("lang"); ok {
		out.Language = strings.TrimSpace(lang)
	}
	return out
}

func absolutize(doc *goquery.Document, base *url.URL, tag, attr string) {
	doc.Find(tag + "[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
		raw, _ := s.Attr(attr)
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			return
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return
		}
		s.SetAttr(attr, base.ResolveReference(ref).String())
	})
}
