package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/docs-aggregator/internal/progress"
)

// PrometheusSink exports aggregation progress via Prometheus: runs, discovery
// outcomes, per-site fetches, and heading conflicts.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	discoveryOutcomes *prometheus.CounterVec

	pages         *prometheus.CounterVec
	pageBytes     *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	aggregatedPages  prometheus.Counter
	headingConflicts prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docsagg_runs_started_total",
			Help: "Total aggregation runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsagg_runs_completed_total",
			Help: "Total aggregation runs completed partitioned by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docsagg_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		discoveryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsagg_discovery_outcomes_total",
			Help: "Discovery strategy attempts partitioned by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsagg_pages_total",
			Help: "Page fetches partitioned by site and result.",
		}, []string{"site", "result"}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docsagg_page_markdown_bytes_total",
			Help: "Markdown bytes scraped per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docsagg_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by rendering method.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"method"}),
		aggregatedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docsagg_aggregated_pages_total",
			Help: "Pages folded into written artifacts.",
		}),
		headingConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docsagg_heading_conflicts_total",
			Help: "Heading conflicts resolved while normalizing artifacts.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runDuration,
		s.discoveryOutcomes,
		s.pages,
		s.pageBytes,
		s.fetchDuration,
		s.aggregatedPages,
		s.headingConflicts,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunDone:
		s.completeRun(evt, "success")
	case progress.StageRunError:
		s.completeRun(evt, "error")
	case progress.StageDiscovery:
		s.discoveryOutcomes.WithLabelValues(evt.Strategy, evt.Outcome).Inc()
	case progress.StageFetchDone:
		s.handleFetch(evt, "success")
	case progress.StageFetchFailed:
		s.handleFetch(evt, "failed")
	case progress.StageAggregated:
		s.aggregatedPages.Add(float64(evt.Count))
		s.headingConflicts.Add(float64(evt.Conflicts))
	}
}

func (s *PrometheusSink) completeRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetch(evt progress.Event, result string) {
	site := evt.Site()
	s.pages.WithLabelValues(site, result).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	method := evt.Method
	if method == "" {
		method = "unknown"
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(method).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
