package discovery

import (
	"context"
	"errors"
)

var errNoMapper = errors.New("map api not configured")

// MapAPI asks a scrape service for the links reachable from the entry URL.
type MapAPI struct {
	mapper Mapper
}

// NewMapAPI builds a MapAPI strategy. A nil mapper makes it Unavailable.
func NewMapAPI(mapper Mapper) *MapAPI {
	return &MapAPI{mapper: mapper}
}

// Name implements Strategy.
func (m *MapAPI) Name() string { return "map" }

// Discover implements Strategy.
func (m *MapAPI) Discover(ctx context.Context, target Target) Result {
	if m.mapper == nil {
		return Result{Outcome: Unavailable, Err: errNoMapper}
	}
	links, err := m.mapper.Map(ctx, target.EntryURL)
	if err != nil {
		return Result{Outcome: sourceOutcome(err), Err: err}
	}
	return Result{Outcome: countOutcome(links), URLs: links}
}
