package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/docs-aggregator/internal/progress"
)

// Recorder keeps every event in memory. The API uses it to return a run's
// discovery trail; tests use it to assert on emitted events.
type Recorder struct {
	mu     sync.RWMutex
	events []progress.Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Consume appends the batch.
func (r *Recorder) Consume(_ context.Context, batch []progress.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, batch...)
	return nil
}

// Emit lets a Recorder stand in directly as a progress.Emitter.
func (r *Recorder) Emit(evt progress.Event) {
	_ = r.Consume(context.Background(), []progress.Event{evt})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []progress.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]progress.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Stages returns the recorded stages in order.
func (r *Recorder) Stages() []progress.Stage {
	events := r.Events()
	out := make([]progress.Stage, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Stage)
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (r *Recorder) Close(context.Context) error {
	return nil
}
