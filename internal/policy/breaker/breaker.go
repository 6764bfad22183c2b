// Package breaker implements a closed/open/half-open circuit breaker guarding
// calls to an unreliable endpoint.
package breaker

import (
	"sync"
	"time"

	"github.com/JakeFAU/docs-aggregator/internal/clock/system"
	"github.com/JakeFAU/docs-aggregator/internal/crawler"
	"github.com/JakeFAU/docs-aggregator/internal/metrics"
)

// State is the breaker position. Values match the exported gauge.
type State int

// Breaker states.
const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker.
type Config struct {
	Name      string
	Threshold int
	Cooldown  time.Duration
}

// Breaker opens after Threshold consecutive failures and lets one probe
// through once Cooldown has elapsed.
type Breaker struct {
	mu       sync.Mutex
	name     string
	clock    crawler.Clock
	cfg      Config
	state    State
	failures int
	openedAt time.Time
}

// New builds a Breaker. A nil clock uses the system clock.
func New(cfg Config, clock crawler.Clock) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if clock == nil {
		clock = system.New()
	}
	b := &Breaker{name: cfg.Name, clock: clock, cfg: cfg}
	metrics.SetBreakerState(b.name, int(Closed))
	return b
}

// CanAttempt reports whether a call may proceed. An open breaker whose
// cooldown has elapsed moves to half-open and admits the call.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			metrics.ObserveBreakerRejection(b.name)
			return false
		}
		b.transition(HalfOpen)
		return true
	default:
		return true
	}
}

// RecordOutcome feeds the result of an admitted call back into the breaker.
func (b *Breaker) RecordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failures = 0
		b.transition(Closed)
		return
	}
	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.openedAt = b.clock.Now()
		b.transition(Open)
	}
}

// State returns the current position without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	metrics.SetBreakerState(b.name, int(to))
}
