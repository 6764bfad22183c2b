// Package resilience combines the retry policy with a circuit breaker around
// outbound calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/metrics"
	"github.com/JakeFAU/docs-aggregator/internal/policy/breaker"
	"github.com/JakeFAU/docs-aggregator/internal/policy/retry"
)

// ErrCircuitOpen is returned without calling out while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor runs operations under a retry policy and a breaker. Either may be
// nil; a nil Executor runs each operation exactly once.
type Executor struct {
	retry   *retry.Policy
	breaker *breaker.Breaker
	logger  *zap.Logger
	sleep   SleepFunc
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff sleeper.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// New builds an Executor.
func New(policy *retry.Policy, br *breaker.Breaker, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		retry:   policy,
		breaker: br,
		logger:  logger,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs fn until it succeeds, the policy gives up, or the breaker opens.
// The breaker sees one outcome per Do call, not per attempt.
func (e *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if e == nil {
		return fn(ctx)
	}
	for attempt := 1; ; attempt++ {
		if e.breaker != nil && !e.breaker.CanAttempt() {
			return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
		}
		err := fn(ctx)
		if err == nil {
			e.record(true)
			return nil
		}
		if e.retry == nil || !e.retry.ShouldRetry(err, attempt) {
			if ctx.Err() == nil {
				e.record(false)
			}
			return err
		}
		delay := e.retry.Backoff(attempt)
		e.logger.Warn("attempt failed; retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.ObserveRetry(op)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%s: retry wait: %w", op, sleepErr)
		}
	}
}

func (e *Executor) record(success bool) {
	if e.breaker != nil {
		e.breaker.RecordOutcome(success)
	}
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
