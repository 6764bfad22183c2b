package outline

import (
	"strings"
)

// NormalizationReport summarizes one normalization pass.
type NormalizationReport struct {
	OriginalHeadings   int `json:"original_headings"`
	NormalizedHeadings int `json:"normalized_headings"`
	BaseLevelShift     int `json:"base_level_shift"`
	PagesNormalized    int `json:"pages_normalized"`
	ConflictsResolved  int `json:"conflicts_resolved"`
}

func (r *NormalizationReport) add(other NormalizationReport) {
	r.OriginalHeadings += other.OriginalHeadings
	r.NormalizedHeadings += other.NormalizedHeadings
	r.ConflictsResolved += other.ConflictsResolved
}

// NormalizeLevels shifts every heading in markdown so that a level-1 heading
// becomes baseLevel. Headings pushed past level 6 are clamped and Setext
// headings pushed past level 2 are rewritten in ATX form; both count as
// conflicts. Only heading lines change; code blocks and other text pass
// through untouched.
func NormalizeLevels(markdown string, baseLevel int) (string, NormalizationReport) {
	if markdown == "" {
		return "", NormalizationReport{}
	}
	if baseLevel < 1 {
		baseLevel = 1
	}
	shift := baseLevel - 1
	report := NormalizationReport{BaseLevelShift: shift, PagesNormalized: 1}

	lines := strings.Split(markdown, "\n")
	drop := make(map[int]bool)
	for _, block := range parseHeadings(markdown) {
		if block.empty {
			continue
		}
		target := block.level + shift
		clamped := target > MaxLevel
		if clamped {
			target = MaxLevel
		}
		if !block.setext {
			line := lines[block.firstLine]
			hashStart, hashEnd := openingRun(line, block.contentCol)
			if hashEnd <= hashStart {
				continue
			}
			report.OriginalHeadings++
			if clamped {
				report.ConflictsResolved++
			}
			lines[block.firstLine] = line[:hashStart] + strings.Repeat("#", target) + line[hashEnd:]
			report.NormalizedHeadings++
			continue
		}

		// Setext headings nested in containers keep their form.
		underline := block.lastLine + 1
		if !block.topLevel || underline >= len(lines) {
			continue
		}
		report.OriginalHeadings++
		switch {
		case block.level+shift > 2:
			lines[block.firstLine] = strings.Repeat("#", target) + " " + block.title
			for i := block.firstLine + 1; i <= underline; i++ {
				drop[i] = true
			}
			report.ConflictsResolved++
		case target == 2 && block.level == 1:
			lines[underline] = strings.Repeat("-", len(strings.TrimRight(lines[underline], " \t\r")))
		}
		report.NormalizedHeadings++
	}

	if len(drop) == 0 {
		return strings.Join(lines, "\n"), report
	}
	out := make([]string, 0, len(lines)-len(drop))
	for i, line := range lines {
		if !drop[i] {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), report
}

// openingRun returns the byte range of the '#' run that opens the ATX
// heading whose content starts at contentCol in line.
func openingRun(line string, contentCol int) (int, int) {
	if contentCol > len(line) {
		contentCol = len(line)
	}
	end := contentCol
	for end > 0 && (line[end-1] == ' ' || line[end-1] == '\t') {
		end--
	}
	start := end
	for start > 0 && line[start-1] == '#' {
		start--
	}
	return start, end
}

// NormalizePages normalizes each page and joins them with a blank line. The
// first page keeps its top-level heading when preserveFirstTop is set; every
// other page is demoted one level.
func NormalizePages(pages []string, preserveFirstTop bool) (string, NormalizationReport) {
	report := NormalizationReport{BaseLevelShift: 1, PagesNormalized: len(pages)}
	parts := make([]string, 0, len(pages))
	for i, page := range pages {
		base := 2
		if i == 0 && preserveFirstTop {
			base = 1
		}
		body, pageReport := NormalizeLevels(page, base)
		parts = append(parts, body)
		report.add(pageReport)
	}
	return strings.Join(parts, "\n\n"), report
}
