// Package outline parses, renumbers, and indexes Markdown heading structures.
package outline

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxLevel is the deepest heading level Markdown can express.
const MaxLevel = 6

var (
	slugDisallowed = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	slugSpaces     = regexp.MustCompile(`\s+`)
)

// HeadingNode is one heading occurrence within a Markdown document.
type HeadingNode struct {
	Level      int
	Title      string
	AnchorID   string
	LineNumber int
	// Children is reserved for a tree view and is always empty.
	Children []HeadingNode
}

// Analyze returns the ATX and Setext headings of markdown in document order.
// Anchors are unique within the returned slice. Empty headings yield no
// node but still consume an anchor, as they do in rendered HTML.
func Analyze(markdown string) []HeadingNode {
	anchors := newAnchorSet()
	headings := make([]HeadingNode, 0)
	for _, block := range parseHeadings(markdown) {
		anchor := anchors.next(Slugify(block.idSource))
		if block.empty || block.title == "" {
			continue
		}
		headings = append(headings, HeadingNode{
			Level:      block.level,
			Title:      block.title,
			AnchorID:   anchor,
			LineNumber: block.firstLine + 1,
		})
	}
	return headings
}

// Slugify derives a URL-safe anchor from a heading title. Titles are
// NFC-composed first so decomposed accents survive as letters.
func Slugify(title string) string {
	slug := strings.ToLower(norm.NFC.String(title))
	slug = slugDisallowed.ReplaceAllString(slug, "")
	slug = slugSpaces.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "heading"
	}
	return slug
}

type anchorSet struct {
	used   map[string]struct{}
	counts map[string]int
}

func newAnchorSet() *anchorSet {
	return &anchorSet{
		used:   make(map[string]struct{}),
		counts: make(map[string]int),
	}
}

// next returns base on first sight and base-N afterwards, skipping any
// suffixed candidate that an earlier literal title already produced.
func (a *anchorSet) next(base string) string {
	n := a.counts[base]
	candidate := base
	if n > 0 {
		candidate = base + "-" + strconv.Itoa(n)
	}
	for {
		if _, taken := a.used[candidate]; !taken {
			break
		}
		n++
		candidate = base + "-" + strconv.Itoa(n)
	}
	a.counts[base] = n + 1
	a.used[candidate] = struct{}{}
	return candidate
}

// Anchors assigns unique anchors in document order, the same way
// Analyze does, for renderers that build their own heading IDs.
type Anchors struct {
	set *anchorSet
}

// NewAnchors returns an empty Anchors.
func NewAnchors() *Anchors {
	return &Anchors{set: newAnchorSet()}
}

// Next returns the anchor for the next heading titled title.
func (a *Anchors) Next(title string) string {
	return a.set.next(Slugify(title))
}

// Reserve marks id as taken.
func (a *Anchors) Reserve(id string) {
	a.set.used[id] = struct{}{}
}
