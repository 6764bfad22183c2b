package discovery

import "context"

// Single returns the entry URL on its own. It ends every chain.
type Single struct{}

// Name implements Strategy.
func (Single) Name() string { return "single" }

// Fallback marks Single as acceptable with one URL.
func (Single) Fallback() bool { return true }

// Discover implements Strategy.
func (Single) Discover(_ context.Context, target Target) Result {
	return Result{Outcome: Found, URLs: []string{target.EntryURL}}
}
