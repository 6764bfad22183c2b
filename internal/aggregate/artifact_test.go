package aggregate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleArtifact() *Artifact {
	return &Artifact{
		Title:        "Excel VBA",
		BaseURL:      "https://x/VBA/",
		Content:      "# Body\ntext",
		SourceURLs:   []string{"https://x/VBA/a.html", "https://x/VBA/b.html"},
		AggregatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func decodeFrontMatter(t *testing.T, rendered []byte) (map[string]any, string) {
	t.Helper()
	text := string(rendered)
	require.True(t, strings.HasPrefix(text, "---\n"))
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	require.GreaterOrEqual(t, end, 0)
	fields := map[string]any{}
	require.NoError(t, yaml.Unmarshal([]byte(rest[:end]), &fields))
	return fields, rest[end+len("\n---\n"):]
}

func TestRenderOmitsOptionalFields(t *testing.T) {
	t.Parallel()

	rendered, err := sampleArtifact().Render()
	require.NoError(t, err)
	fields, body := decodeFrontMatter(t, rendered)

	assert.Equal(t, "Excel VBA", fields["title"])
	assert.Equal(t, "https://x/VBA/", fields["base_url"])
	assert.Equal(t, []any{"https://x/VBA/a.html", "https://x/VBA/b.html"}, fields["source_urls"])
	assert.Equal(t, 2, fields["total_pages"])
	assert.Equal(t, 2, fields["successful_pages"])
	assert.Contains(t, fields, "aggregated_at")
	assert.Contains(t, fields, "fingerprint")
	for _, key := range []string{
		"failed_urls", "include_toc", "toc_max_level", "normalize_headings",
		"headings_normalized", "vuejs_content", "rendering_method",
	} {
		assert.NotContains(t, fields, key)
	}
	assert.Equal(t, "\n# Body\ntext\n", body)
}

func TestRenderIncludesEnabledSettings(t *testing.T) {
	t.Parallel()

	artifact := sampleArtifact()
	artifact.FailedURLs = []string{"https://x/VBA/c.html"}
	artifact.IncludeTOC = true
	artifact.TOCMaxLevel = 2
	artifact.NormalizeHeadings = true
	artifact.HeadingsNormalized = 7
	artifact.VueContent = true
	artifact.RenderingMethod = "headless"

	rendered, err := artifact.Render()
	require.NoError(t, err)
	fields, _ := decodeFrontMatter(t, rendered)

	assert.Equal(t, []any{"https://x/VBA/c.html"}, fields["failed_urls"])
	assert.Equal(t, 3, fields["total_pages"])
	assert.Equal(t, 2, fields["successful_pages"])
	assert.Equal(t, true, fields["include_toc"])
	assert.Equal(t, 2, fields["toc_max_level"])
	assert.Equal(t, true, fields["normalize_headings"])
	assert.Equal(t, 7, fields["headings_normalized"])
	assert.Equal(t, true, fields["vuejs_content"])
	assert.Equal(t, "headless", fields["rendering_method"])
}

func TestFingerprintIgnoresTimestamp(t *testing.T) {
	t.Parallel()

	first := sampleArtifact()
	second := sampleArtifact()
	second.AggregatedAt = second.AggregatedAt.Add(time.Hour)

	fp1, err := first.Fingerprint()
	require.NoError(t, err)
	fp2, err := second.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	second.Content += "\nmore"
	fp3, err := second.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestReadFingerprintRoundTrip(t *testing.T) {
	t.Parallel()

	artifact := sampleArtifact()
	rendered, err := artifact.Render()
	require.NoError(t, err)
	want, err := artifact.Fingerprint()
	require.NoError(t, err)

	got, ok := ReadFingerprint(rendered)
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = ReadFingerprint([]byte("# no front matter"))
	assert.False(t, ok)
}

func TestFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		title   string
		baseURL string
		want    string
	}{
		{name: "title", title: "Excel VBA", want: "Excel VBA_aggregated.md"},
		{name: "unsafe chars", title: `a<b>c:d"e/f\g|h?i*j`, want: "a_b_c_d_e_f_g_h_i_j_aggregated.md"},
		{name: "base url segment", baseURL: "https://x/docs/VBA/", want: "VBA_aggregated.md"},
		{name: "host fallback", baseURL: "https://x.dev", want: "x.dev_aggregated.md"},
		{name: "default", want: "documentation_aggregated.md"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := &Artifact{Title: tc.title, BaseURL: tc.baseURL}
			assert.Equal(t, tc.want, a.Filename())
		})
	}
}

func TestFilenameIsCapped(t *testing.T) {
	t.Parallel()

	a := &Artifact{Title: strings.Repeat("é", 300)}
	name := a.Filename()
	assert.LessOrEqual(t, len(name), 255)
	assert.True(t, strings.HasSuffix(name, "_aggregated.md"))
	assert.Equal(t, "é", strings.TrimSuffix(name, "_aggregated.md")[:2])
	assert.Equal(t, strings.TrimSuffix(name, ".md"), a.Stem())
}
