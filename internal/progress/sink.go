package progress

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; components depend on it so they stay
// agnostic about where events end up.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// Multi fans each event out to its sinks, in registration order, before Emit
// returns. Invalid events and sink failures are logged and dropped.
type Multi struct {
	ctx    context.Context
	sinks  []Sink
	logger *zap.Logger
}

// NewMulti builds a Multi over sinks. A nil logger disables warnings.
func NewMulti(logger *zap.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{
		ctx:    context.Background(),
		sinks:  append([]Sink(nil), sinks...),
		logger: logger,
	}
}

// Emit validates evt and hands it to every sink.
func (m *Multi) Emit(evt Event) {
	if err := evt.Validate(); err != nil {
		m.logger.Warn("dropping invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	batch := []Event{evt}
	for _, sink := range m.sinks {
		if err := sink.Consume(m.ctx, batch); err != nil {
			m.logger.Warn("progress sink failed", zap.String("stage", string(evt.Stage)), zap.Error(err))
		}
	}
}

// Close closes every sink and joins their errors.
func (m *Multi) Close(ctx context.Context) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	return errors.Join(errs...)
}
