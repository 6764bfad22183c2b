package outline

import (
	"bytes"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// headingBlock locates one heading in the source. Lines are zero-based.
type headingBlock struct {
	level int
	setext bool
	// topLevel is false for headings inside block quotes, lists and
	// footnotes.
	topLevel bool
	// title joins the raw content lines; idSource is the last content line,
	// which is what renderers derive heading IDs from.
	title    string
	idSource string
	// firstLine and lastLine span the content; a Setext underline sits on
	// lastLine+1. contentCol is the byte column of the content on firstLine.
	firstLine  int
	lastLine   int
	contentCol int
	empty      bool
}

// parseHeadings walks the goldmark AST of markdown and returns its headings
// in document order. Fenced, indented and HTML blocks never yield headings.
func parseHeadings(markdown string) []headingBlock {
	src := []byte(markdown)
	starts := lineStarts(src)
	doc := goldmark.New(goldmark.WithExtensions(extension.GFM, extension.Footnote)).
		Parser().Parse(text.NewReader(src))

	var blocks []headingBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		block := headingBlock{
			level:    heading.Level,
			topLevel: heading.Parent() != nil && heading.Parent().Kind() == ast.KindDocument,
		}
		lines := heading.Lines()
		if lines.Len() == 0 {
			block.empty = true
			blocks = append(blocks, block)
			return ast.WalkSkipChildren, nil
		}

		first := lines.At(0)
		last := lines.At(lines.Len() - 1)
		block.firstLine = lineOf(starts, first.Start)
		block.lastLine = lineOf(starts, last.Start)
		block.contentCol = first.Start - starts[block.firstLine]
		block.idSource = string(last.Value(src))
		parts := make([]string, 0, lines.Len())
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			parts = append(parts, strings.TrimSpace(string(seg.Value(src))))
		}
		block.title = strings.Join(parts, " ")
		block.setext = !isATXLine(src[starts[block.firstLine]:first.Start])
		blocks = append(blocks, block)
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

// isATXLine reports whether prefix, the text ahead of a heading's content on
// its line, ends in an opening run of '#'.
func isATXLine(prefix []byte) bool {
	trimmed := bytes.TrimRight(prefix, " \t")
	return len(trimmed) > 0 && trimmed[len(trimmed)-1] == '#'
}

func lineStarts(src []byte) []int {
	starts := []int{0}
	for i, c := range src {
		if c == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func lineOf(starts []int, offset int) int {
	return sort.Search(len(starts), func(i int) bool { return starts[i] > offset }) - 1
}
