package detector

import "regexp"

var vuePatterns = []*regexp.Regexp{
	// scoped CSS attributes
	regexp.MustCompile(`data-v-[0-9a-f]+`),
	// template directives left in the markup
	regexp.MustCompile(`\sv-(?:if|for|show|model|bind|on)\b`),
	// CDN or bundled runtime
	regexp.MustCompile(`(?i)vue(?:\.runtime)?(?:\.min)?[.-]?[0-9.]*\.js`),
	regexp.MustCompile(`__vue__|Vue\.\$root|new Vue\(`),
	// mount point
	regexp.MustCompile(`<div[^>]+id=["']app["']`),
}

// DetectVue reports whether the markup carries Vue.js rendering markers.
func (h *Heuristic) DetectVue(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	for _, re := range vuePatterns {
		if re.Match(body) {
			return true
		}
	}
	return false
}
