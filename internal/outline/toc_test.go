package outline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTOCFiltersByLevel(t *testing.T) {
	t.Parallel()

	headings := Analyze("# One\n## Two\n### Three\n#### Four")
	toc := GenerateTOC(headings, TOCOptions{MaxLevel: 2})

	assert.Equal(t, "## Table of Contents\n\n- [One](#one)\n  - [Two](#two)\n", toc)
	assert.NotContains(t, toc, "Three")
	assert.NotContains(t, toc, "Four")
}

func TestGenerateTOCIndentsRelativeToShallowest(t *testing.T) {
	t.Parallel()

	headings := Analyze("## Alpha\n### Beta\n## Gamma [beta]")
	toc := GenerateTOC(headings, TOCOptions{MaxLevel: 3, Title: "Contents"})

	want := "## Contents\n\n" +
		"- [Alpha](#alpha)\n" +
		"  - [Beta](#beta)\n" +
		"- [Gamma \\[beta\\]](#gamma-beta)\n"
	assert.Equal(t, want, toc)
}

func TestGenerateTOCEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, GenerateTOC(nil, TOCOptions{}))
	assert.Empty(t, GenerateTOC(Analyze("#### Deep only"), TOCOptions{MaxLevel: 3}))
}

func TestInsertTOC(t *testing.T) {
	t.Parallel()

	const toc = "## Table of Contents\n\n- [Body](#body)\n"

	tests := []struct {
		name string
		doc  string
		pos  Position
		want string
	}{
		{
			name: "document start",
			doc:  "# Body",
			pos:  DocumentStart,
			want: toc + "\n# Body",
		},
		{
			name: "before first heading",
			doc:  "intro text\n# Body\ntext",
			pos:  BeforeFirstHeading,
			want: "intro text\n" + toc + "\n# Body\ntext",
		},
		{
			name: "before first heading skips code",
			doc:  "```sh\n# comment\n```\n# Body",
			pos:  BeforeFirstHeading,
			want: "```sh\n# comment\n```\n" + toc + "\n# Body",
		},
		{
			name: "no heading appends",
			doc:  "plain",
			pos:  BeforeFirstHeading,
			want: "plain\n" + toc,
		},
		{
			name: "after front matter",
			doc:  "---\ntitle: X\n---\n# Body",
			pos:  AfterFrontMatter,
			want: "---\ntitle: X\n---\n" + toc + "\n# Body",
		},
		{
			name: "unterminated front matter falls back",
			doc:  "---\ntitle: X\n# Body",
			pos:  AfterFrontMatter,
			want: toc + "\n---\ntitle: X\n# Body",
		},
		{
			name: "missing front matter falls back",
			doc:  "# Body",
			pos:  AfterFrontMatter,
			want: toc + "\n# Body",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, InsertTOC(tc.doc, toc, tc.pos))
		})
	}
}

func TestInsertTOCEmptyIsNoop(t *testing.T) {
	t.Parallel()

	doc := "---\ntitle: X\n---\n# Body"
	for _, pos := range []Position{DocumentStart, BeforeFirstHeading, AfterFrontMatter} {
		assert.Equal(t, doc, InsertTOC(doc, "", pos))
	}
}

func TestParsePosition(t *testing.T) {
	t.Parallel()

	pos, err := ParsePosition("After_Front_Matter")
	require.NoError(t, err)
	assert.Equal(t, AfterFrontMatter, pos)
	assert.Equal(t, "after_front_matter", pos.String())

	pos, err = ParsePosition("")
	require.NoError(t, err)
	assert.Equal(t, DocumentStart, pos)

	_, err = ParsePosition("middle")
	require.Error(t, err)
}
