package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSink struct {
	mu      sync.Mutex
	events  []Event
	err     error
	closeFn func() error
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}

func sampleEvent(stage Stage) Event {
	return Event{RunID: "run-1", TS: time.Unix(100, 0).UTC(), Stage: stage, URL: "https://Docs.X.dev/a"}
}

func TestMultiDeliversInOrder(t *testing.T) {
	t.Parallel()

	first := &stubSink{}
	second := &stubSink{err: errors.New("sink down")}
	multi := NewMulti(zap.NewNop(), first, second)

	multi.Emit(sampleEvent(StageRunStart))
	multi.Emit(sampleEvent(StageFetchDone))

	require.Len(t, first.events, 2)
	require.Equal(t, StageRunStart, first.events[0].Stage)
	require.Equal(t, StageFetchDone, first.events[1].Stage)
	require.Len(t, second.events, 2)
}

func TestMultiDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	multi := NewMulti(nil, sink)

	multi.Emit(Event{Stage: StageRunStart})
	evt := sampleEvent(StageDiscovery)
	multi.Emit(evt)
	require.Empty(t, sink.events)
}

func TestMultiCloseJoinsErrors(t *testing.T) {
	t.Parallel()

	multi := NewMulti(nil,
		&stubSink{closeFn: func() error { return errors.New("a") }},
		&stubSink{},
		&stubSink{closeFn: func() error { return errors.New("b") }},
	)
	err := multi.Close(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "a")
	require.Contains(t, err.Error(), "b")
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{name: "run start", evt: sampleEvent(StageRunStart)},
		{name: "missing run id", evt: Event{TS: time.Now(), Stage: StageRunDone}, wantErr: true},
		{name: "missing ts", evt: Event{RunID: "r", Stage: StageRunDone}, wantErr: true},
		{name: "discovery ok", evt: Event{RunID: "r", TS: time.Now(), Stage: StageDiscovery, Strategy: "sitemap", Outcome: "found"}},
		{name: "discovery missing outcome", evt: Event{RunID: "r", TS: time.Now(), Stage: StageDiscovery, Strategy: "sitemap"}, wantErr: true},
		{name: "fetch missing url", evt: Event{RunID: "r", TS: time.Now(), Stage: StageFetchFailed}, wantErr: true},
		{name: "negative dur", evt: Event{RunID: "r", TS: time.Now(), Stage: StageRunDone, Dur: -1}, wantErr: true},
		{name: "unknown stage", evt: Event{RunID: "r", TS: time.Now(), Stage: "NOPE"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEventSite(t *testing.T) {
	t.Parallel()

	require.Equal(t, "docs.x.dev", sampleEvent(StageFetchDone).Site())
	require.Equal(t, "unknown", Event{URL: "not a url"}.Site())
}
