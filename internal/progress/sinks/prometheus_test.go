package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{RunID: "r1", TS: now, Stage: progress.StageRunStart},
		{RunID: "r1", TS: now, Stage: progress.StageDiscovery, Strategy: "sitemap", Outcome: "unavailable"},
		{RunID: "r1", TS: now, Stage: progress.StageDiscovery, Strategy: "static_links", Outcome: "found", Count: 4},
		{
			RunID:  "r1",
			TS:     now,
			Stage:  progress.StageFetchDone,
			URL:    "https://Example.com/VBA/a.html",
			Bytes:  1024,
			Method: "http",
			Dur:    200 * time.Millisecond,
		},
		{RunID: "r1", TS: now, Stage: progress.StageFetchFailed, URL: "https://example.com/VBA/b.html"},
		{RunID: "r1", TS: now, Stage: progress.StageAggregated, Count: 1, Conflicts: 2},
		{RunID: "r1", TS: now, Stage: progress.StageRunDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.discoveryOutcomes.WithLabelValues("sitemap", "unavailable")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.discoveryOutcomes.WithLabelValues("static_links", "found")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("example.com", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("example.com", "failed")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.pageBytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "docsagg_fetch_duration_seconds"))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.headingConflicts))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.aggregatedPages))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestRecorderAndLogSink(t *testing.T) {
	t.Parallel()

	rec := NewRecorder()
	multi := progress.NewMulti(zap.NewNop(), rec, NewLogSink(zap.NewNop()))
	multi.Emit(progress.Event{RunID: "r", TS: time.Now(), Stage: progress.StageRunStart})
	rec.Emit(progress.Event{RunID: "r", TS: time.Now(), Stage: progress.StageRunDone})

	require.Equal(t, []progress.Stage{progress.StageRunStart, progress.StageRunDone}, rec.Stages())
	require.NoError(t, multi.Close(context.Background()))
}
