package outline

import (
	"fmt"
	"strings"
)

// DefaultTOCTitle heads a generated table of contents.
const DefaultTOCTitle = "Table of Contents"

// DefaultTOCMaxLevel is the deepest heading listed when no depth is given.
const DefaultTOCMaxLevel = 3

var (
	linkEscaper   = strings.NewReplacer(`[`, `\[`, `]`, `\]`)
	frontMatter   = "---"
	positionNames = []string{"document_start", "before_first_heading", "after_front_matter"}
)

// TOCOptions controls table of contents rendering.
type TOCOptions struct {
	MaxLevel int
	Title    string
}

// GenerateTOC renders a nested bullet list linking to every heading at or
// above MaxLevel. It returns "" when no heading qualifies.
func GenerateTOC(headings []HeadingNode, opts TOCOptions) string {
	maxLevel := opts.MaxLevel
	if maxLevel <= 0 {
		maxLevel = DefaultTOCMaxLevel
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = DefaultTOCTitle
	}

	kept := make([]HeadingNode, 0, len(headings))
	minLevel := MaxLevel
	for _, h := range headings {
		if h.Level > maxLevel {
			continue
		}
		kept = append(kept, h)
		minLevel = min(minLevel, h.Level)
	}
	if len(kept) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## " + title + "\n\n")
	for _, h := range kept {
		b.WriteString(strings.Repeat("  ", h.Level-minLevel))
		fmt.Fprintf(&b, "- [%s](#%s)\n", linkEscaper.Replace(h.Title), h.AnchorID)
	}
	return b.String()
}

// Position selects where InsertTOC places the table of contents.
type Position int

// Supported insertion points.
const (
	DocumentStart Position = iota
	BeforeFirstHeading
	AfterFrontMatter
)

// String returns the configuration name of the position.
func (p Position) String() string {
	if int(p) < 0 || int(p) >= len(positionNames) {
		return fmt.Sprintf("position(%d)", int(p))
	}
	return positionNames[p]
}

// ParsePosition maps a configuration name onto a Position.
func ParsePosition(name string) (Position, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return DocumentStart, nil
	}
	for i, candidate := range positionNames {
		if candidate == normalized {
			return Position(i), nil
		}
	}
	return DocumentStart, fmt.Errorf("unknown toc position %q", name)
}

// InsertTOC places toc into doc at pos. An empty toc leaves doc untouched.
func InsertTOC(doc, toc string, pos Position) string {
	if toc == "" {
		return doc
	}
	switch pos {
	case BeforeFirstHeading:
		for _, block := range parseHeadings(doc) {
			if block.topLevel && !block.empty {
				return joinWith(strings.Split(doc, "\n"), block.firstLine, toc)
			}
		}
		return doc + "\n" + toc
	case AfterFrontMatter:
		lines := strings.Split(doc, "\n")
		if len(lines) > 0 && strings.TrimSpace(lines[0]) == frontMatter {
			for i := 1; i < len(lines); i++ {
				if strings.TrimSpace(lines[i]) == frontMatter {
					return joinWith(lines, i+1, toc)
				}
			}
		}
		return toc + "\n" + doc
	default:
		return toc + "\n" + doc
	}
}

func joinWith(lines []string, at int, block string) string {
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, block)
	out = append(out, lines[at:]...)
	return strings.Join(out, "\n")
}
