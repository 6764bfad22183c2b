// Package preview renders an aggregated artifact as a standalone HTML page
// whose heading IDs match the artifact's table of contents.
package preview

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/adrg/frontmatter"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	"github.com/JakeFAU/docs-aggregator/internal/outline"
)

var page = template.Must(template.New("preview").Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{max-width:52rem;margin:2rem auto;padding:0 1rem;font-family:system-ui,sans-serif;line-height:1.55}
pre{overflow-x:auto;background:#f6f8fa;padding:.75rem}
table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.25rem .5rem}
</style>
</head>
<body>
{{- if .BaseURL}}
<p class="source">Aggregated from <a href="{{.BaseURL}}">{{.BaseURL}}</a></p>
{{- end}}
{{.Body}}
</body>
</html>
`))

type frontMatter struct {
	Title   string `yaml:"title"`
	BaseURL string `yaml:"base_url"`
}

// Renderer converts Markdown artifacts to HTML.
type Renderer struct {
	md   goldmark.Markdown
	lang string
}

// New returns a Renderer using GitHub Flavored Markdown. Raw HTML in the
// artifact is dropped.
func New() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM, extension.Footnote),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		),
		lang: "en",
	}
}

// Render turns a rendered artifact (front matter plus body) into an HTML page.
func (r *Renderer) Render(artifact []byte) ([]byte, error) {
	var fm frontMatter
	body, err := frontmatter.Parse(bytes.NewReader(artifact), &fm)
	if err != nil {
		return nil, fmt.Errorf("parse front matter: %w", err)
	}

	var html bytes.Buffer
	ctx := parser.NewContext(parser.WithIDs(&headingIDs{anchors: outline.NewAnchors()}))
	if err := r.md.Convert(body, &html, parser.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	title := fm.Title
	if title == "" {
		title = "Documentation"
	}
	var out bytes.Buffer
	err = page.Execute(&out, struct {
		Lang    string
		Title   string
		BaseURL string
		Body    template.HTML
	}{
		Lang:    r.lang,
		Title:   title,
		BaseURL: fm.BaseURL,
		Body:    template.HTML(html.String()), //nolint:gosec // produced by goldmark with raw HTML disabled
	})
	if err != nil {
		return nil, fmt.Errorf("execute preview template: %w", err)
	}
	return out.Bytes(), nil
}

// headingIDs makes goldmark's heading IDs agree with outline anchors.
type headingIDs struct {
	anchors *outline.Anchors
}

func (h *headingIDs) Generate(value []byte, _ ast.NodeKind) []byte {
	return []byte(h.anchors.Next(string(value)))
}

func (h *headingIDs) Put(value []byte) {
	h.anchors.Reserve(string(value))
}
