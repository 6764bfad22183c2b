package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/docs-aggregator/internal/progress"
)

// ErrNotFound signals that the requested run is unknown or was evicted.
var ErrNotFound = errors.New("run not found")

// RunStatus is running/success/error.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

const (
	defaultCapacity  = 100
	maxEventsPerRun  = 2000
	unknownRunStatus = "invalid status"
)

// ParseStatus maps a query value onto a RunStatus.
func ParseStatus(input string) (RunStatus, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "running":
		return RunRunning, nil
	case "success", "done":
		return RunSuccess, nil
	case "error", "failed", "failure":
		return RunError, nil
	default:
		return "", errors.New(unknownRunStatus)
	}
}

// Run summarizes one aggregation.
type Run struct {
	RunID      string
	EntryURL   string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Strategy   string
	Pages      int
	Failed     int
	Conflicts  int
	Error      string
}

// SiteStats aggregates fetches per host within a run.
type SiteStats struct {
	Site       string
	LastUpdate time.Time
	Fetched    int64
	Failed     int64
	BytesTotal int64
}

type runEntry struct {
	run    Run
	sites  map[string]*SiteStats
	events []progress.Event
}

// Memory is a bounded, in-process run history. It implements progress.Sink;
// once capacity is reached the oldest run is evicted.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	runs     map[string]*runEntry
}

// NewMemory builds a Memory holding up to capacity runs. Zero uses 100.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Memory{capacity: capacity, runs: make(map[string]*runEntry)}
}

// Consume folds a batch of events into the history.
func (m *Memory) Consume(_ context.Context, batch []progress.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range batch {
		m.apply(evt)
	}
	return nil
}

// Close implements progress.Sink.
func (m *Memory) Close(context.Context) error {
	return nil
}

func (m *Memory) apply(evt progress.Event) {
	entry, ok := m.runs[evt.RunID]
	if !ok {
		entry = m.insert(evt)
	}
	if len(entry.events) < maxEventsPerRun {
		entry.events = append(entry.events, evt)
	}

	run := &entry.run
	switch evt.Stage {
	case progress.StageRunStart:
		run.EntryURL = evt.URL
		run.StartedAt = evt.TS
		run.Status = RunRunning
	case progress.StageDiscovery:
		if evt.Outcome == "found" || run.Strategy == "" {
			run.Strategy = evt.Strategy
		}
	case progress.StageFetchDone:
		run.Pages++
		site := entry.site(evt)
		site.Fetched++
		site.BytesTotal += evt.Bytes
	case progress.StageFetchFailed:
		run.Failed++
		entry.site(evt).Failed++
	case progress.StageAggregated:
		run.Conflicts = evt.Conflicts
	case progress.StageRunDone:
		run.Status = RunSuccess
		finished := evt.TS
		run.FinishedAt = &finished
	case progress.StageRunError:
		run.Status = RunError
		run.Error = evt.Note
		finished := evt.TS
		run.FinishedAt = &finished
	}
}

func (m *Memory) insert(evt progress.Event) *runEntry {
	if len(m.order) >= m.capacity {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.runs, oldest)
	}
	entry := &runEntry{
		run:   Run{RunID: evt.RunID, Status: RunRunning, StartedAt: evt.TS},
		sites: make(map[string]*SiteStats),
	}
	m.runs[evt.RunID] = entry
	m.order = append(m.order, evt.RunID)
	return entry
}

func (e *runEntry) site(evt progress.Event) *SiteStats {
	name := evt.Site()
	stats, ok := e.sites[name]
	if !ok {
		stats = &SiteStats{Site: name}
		e.sites[name] = stats
	}
	stats.LastUpdate = evt.TS
	return stats
}

// GetRun loads one run or returns ErrNotFound.
func (m *Memory) GetRun(_ context.Context, runID string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return entry.run, nil
}

// ListRuns returns runs newest first, filtered by an optional status.
func (m *Memory) ListRuns(_ context.Context, status *RunStatus, limit, offset int) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Run, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		run := m.runs[m.order[i]].run
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	return page(out, limit, offset), nil
}

// ListSites returns per-host stats for a run ordered by host.
func (m *Memory) ListSites(_ context.Context, runID string, limit, offset int) ([]SiteStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]SiteStats, 0, len(entry.sites))
	for _, s := range entry.sites {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return page(out, limit, offset), nil
}

// Events returns the recorded events of a run in emission order.
func (m *Memory) Events(_ context.Context, runID string) ([]progress.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]progress.Event(nil), entry.events...), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
