// Package retry decides which failures are worth another attempt and how long
// to wait before it.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
)

// Config tunes the exponential policy. Zero values take the defaults.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	// Jitter spreads each delay over [d/2, d).
	Jitter bool
}

// Policy implements exponential backoff with optional jitter.
type Policy struct {
	maxAttempts  int
	initialDelay time.Duration
	factor       float64
	maxDelay     time.Duration
	jitter       bool
}

// New builds a policy, filling unset fields with defaults.
func New(cfg Config) *Policy {
	p := &Policy{
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
		factor:       cfg.Factor,
		maxDelay:     cfg.MaxDelay,
		jitter:       cfg.Jitter,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.initialDelay <= 0 {
		p.initialDelay = time.Second
	}
	if p.factor < 1 {
		p.factor = 2
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 30 * time.Second
	}
	return p
}

// MaxAttempts reports the total number of attempts allowed.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether err, returned by attempt number attempt
// (starting at 1), warrants another try.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, crawler.ErrNoContent) {
		return false
	}
	var statusErr *crawler.StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Backoff returns the wait after attempt number attempt (starting at 1):
// initial * factor^(attempt-1), capped at the max delay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.initialDelay) * math.Pow(p.factor, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if !p.jitter {
		return time.Duration(delay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
