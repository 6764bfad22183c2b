package urlset

import "strings"

// StripFragment drops everything from the first '#'.
func StripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// Dedup removes records whose URL, minus its fragment, was already seen. The
// first occurrence wins and the number of dropped records is returned.
func Dedup[T any](items []T, urlOf func(T) string) ([]T, int) {
	seen := make(map[string]struct{}, len(items))
	out := make([]T, 0, len(items))
	dupes := 0
	for _, item := range items {
		key := StripFragment(urlOf(item))
		if _, ok := seen[key]; ok {
			dupes++
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out, dupes
}

// DedupURLs is Dedup over plain URL strings.
func DedupURLs(urls []string) ([]string, int) {
	return Dedup(urls, func(u string) string { return u })
}
