// Package report writes the human-readable summary of an aggregation run.
package report

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"
)

// Attempt is one discovery strategy's outcome.
type Attempt struct {
	Strategy string
	Outcome  string
	Count    int
	Error    string
}

// Page is one URL the run tried to include.
type Page struct {
	URL    string
	Method string
	Bytes  int
	Cached bool
	Error  string
}

// Summary is everything the report shows.
type Summary struct {
	RunID            string
	EntryURL         string
	Title            string
	StartedAt        time.Time
	Duration         time.Duration
	Strategy         string
	Attempts         []Attempt
	SkippedURLs      int
	Pages            []Page
	HeadingConflicts int
	ArtifactURI      string
	Fingerprint      string
	// Unchanged is set when an identical artifact already existed.
	Unchanged bool
	Errors    []string
}

func (s Summary) counts() (ok, failed int) {
	for _, p := range s.Pages {
		if p.Error == "" {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}

// Write renders s as Markdown to w.
func Write(w io.Writer, s Summary) error {
	md := markdown.NewMarkdown(w)
	writeHeader(md, s)
	writeDiscovery(md, s)
	writePages(md, s)
	writeErrors(md, s)
	md.HorizontalRule()
	md.PlainTextf("*Generated by docsagg at %s*", s.StartedAt.UTC().Format(time.RFC3339))
	if err := md.Build(); err != nil {
		return fmt.Errorf("build report: %w", err)
	}
	return nil
}

// Render returns the report as bytes.
func Render(s Summary) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeHeader(md *markdown.Markdown, s Summary) {
	title := s.Title
	if title == "" {
		title = s.EntryURL
	}
	md.H1("Aggregation Report: " + title)
	md.PlainText("")

	ok, failed := s.counts()
	artifact := s.ArtifactURI
	if artifact == "" {
		artifact = "(not written)"
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run ID", "`" + s.RunID + "`"},
			{"Entry URL", s.EntryURL},
			{"Duration", s.Duration.Round(time.Millisecond).String()},
			{"Pages aggregated", strconv.Itoa(ok)},
			{"Pages failed", strconv.Itoa(failed)},
			{"Heading conflicts", strconv.Itoa(s.HeadingConflicts)},
			{"Artifact", artifact},
			{"Fingerprint", "`" + s.Fingerprint + "`"},
		},
	})
	md.PlainText("")

	switch {
	case ok == 0:
		md.Cautionf("No page could be aggregated; %d failed.", failed)
	case failed > 0:
		md.Warningf("%d of %d pages failed and were left out.", failed, ok+failed)
	case s.Unchanged:
		md.Note("Content is unchanged since the previous run; the artifact was not rewritten.")
	default:
		md.Tip("Every discovered page was aggregated.")
	}
	md.PlainText("")
}

func writeDiscovery(md *markdown.Markdown, s Summary) {
	md.H2("Discovery")
	md.PlainText("")
	md.PlainTextf("Winning strategy: **%s**. URLs outside the boundary skipped: %d.", s.Strategy, s.SkippedURLs)
	md.PlainText("")
	if len(s.Attempts) == 0 {
		return
	}
	rows := make([][]string, 0, len(s.Attempts))
	for _, a := range s.Attempts {
		rows = append(rows, []string{a.Strategy, a.Outcome, strconv.Itoa(a.Count), a.Error})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Strategy", "Outcome", "URLs", "Error"},
		Rows:   rows,
	})
	md.PlainText("")
}

func writePages(md *markdown.Markdown, s Summary) {
	md.H2("Pages")
	md.PlainText("")
	if len(s.Pages) == 0 {
		md.PlainText("No pages were fetched.")
		md.PlainText("")
		return
	}

	methods := map[string]uint64{}
	order := []string{}
	rows := make([][]string, 0, len(s.Pages))
	for i, p := range s.Pages {
		status := "ok"
		if p.Error != "" {
			status = "failed"
		}
		method := p.Method
		if p.Cached {
			method += " (cached)"
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), p.URL, status, method, strconv.Itoa(p.Bytes)})
		if p.Error == "" && p.Method != "" {
			if _, seen := methods[p.Method]; !seen {
				order = append(order, p.Method)
			}
			methods[p.Method]++
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"#", "URL", "Status", "Method", "Bytes"},
		Rows:   rows,
	})
	md.PlainText("")

	if len(order) > 1 {
		chart := piechart.NewPieChart(
			io.Discard,
			piechart.WithTitle("Rendering methods"),
			piechart.WithShowData(true),
		)
		for _, m := range order {
			chart.LabelAndIntValue(m, methods[m])
		}
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}
}

func writeErrors(md *markdown.Markdown, s Summary) {
	if len(s.Errors) == 0 {
		return
	}
	md.H2("Errors")
	md.PlainText("")
	md.BulletList(s.Errors...)
	md.PlainText("")
}
