// Package urlset filters and deduplicates discovered page URLs.
package urlset

import (
	"fmt"
	"net/url"
	"strings"
)

// Boundary describes the documentation subtree being aggregated.
type Boundary struct {
	// PathPrefix is the path every page must start with, e.g. "/VBA/".
	PathPrefix string
	// Host, when set, must match the URL host (case-insensitive).
	Host string
}

// NewBoundary builds a Boundary. An empty host disables domain scoping.
func NewBoundary(pathPrefix, host string) Boundary {
	return Boundary{PathPrefix: pathPrefix, Host: strings.ToLower(host)}
}

// FromEntry derives a Boundary scoped to the entry URL's host.
func FromEntry(entryURL, pathPrefix string) (Boundary, error) {
	u, err := url.Parse(entryURL)
	if err != nil {
		return Boundary{}, fmt.Errorf("parse entry url: %w", err)
	}
	return NewBoundary(pathPrefix, u.Hostname()), nil
}

// Allows reports whether raw lies inside the boundary.
func (b Boundary) Allows(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if !strings.HasPrefix(u.Path, b.PathPrefix) {
		return false
	}
	if b.Host != "" && !strings.EqualFold(u.Hostname(), b.Host) {
		return false
	}
	return true
}

// Filter keeps the URLs inside the boundary, preserving order, and returns how
// many were skipped.
func (b Boundary) Filter(urls []string) ([]string, int) {
	kept := make([]string, 0, len(urls))
	skipped := 0
	for _, raw := range urls {
		if b.Allows(raw) {
			kept = append(kept, raw)
			continue
		}
		skipped++
	}
	return kept, skipped
}
