package progress

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageDiscovery   Stage = "DISCOVERY"
	StageFetchDone   Stage = "FETCH_DONE"
	StageFetchFailed Stage = "FETCH_FAILED"
	StageAggregated  Stage = "AGGREGATED"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
)

// Event captures a single milestone of an aggregation run.
type Event struct {
	// RunID identifies the run that emitted the event.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// URL is the page (fetch stages) or entry URL (run stages).
	URL string
	// Strategy names the discovery strategy for DISCOVERY events.
	Strategy string
	// Outcome is the discovery outcome for DISCOVERY events.
	Outcome string
	// Count carries URLs found (discovery) or pages aggregated.
	Count int
	// Conflicts counts heading conflicts resolved during aggregation.
	Conflicts int
	// Bytes carries the Markdown size of a fetched page.
	Bytes int64
	// Method is the rendering method used for a fetch.
	Method string
	// Dur captures fetch latency or total run time.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageAggregated, StageRunDone, StageRunError:
	case StageDiscovery:
		if e.Strategy == "" || e.Outcome == "" {
			return errors.New("discovery requires strategy and outcome")
		}
	case StageFetchDone, StageFetchFailed:
		if e.URL == "" {
			return errors.New("fetch events require url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Site returns the lowercase host of the event URL, or "unknown".
func (e Event) Site() string {
	u, err := url.Parse(e.URL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
