package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docs-aggregator/internal/crawler"
)

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 3})
	cases := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil error", err: nil, attempt: 1, want: false},
		{name: "transient", err: errors.New("connection reset"), attempt: 1, want: true},
		{name: "last attempt", err: errors.New("connection reset"), attempt: 3, want: false},
		{name: "canceled", err: fmt.Errorf("fetch: %w", context.Canceled), attempt: 1, want: false},
		{name: "deadline", err: context.DeadlineExceeded, attempt: 1, want: false},
		{name: "no content", err: crawler.ErrNoContent, attempt: 1, want: false},
		{name: "not found", err: &crawler.StatusError{URL: "u", StatusCode: http.StatusNotFound}, attempt: 1, want: false},
		{name: "too many requests", err: &crawler.StatusError{URL: "u", StatusCode: http.StatusTooManyRequests}, attempt: 1, want: true},
		{name: "server error", err: fmt.Errorf("wrapped: %w", &crawler.StatusError{URL: "u", StatusCode: 502}), attempt: 2, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempt))
		})
	}
}

func TestBackoffExponentialAndCapped(t *testing.T) {
	t.Parallel()

	p := New(Config{InitialDelay: time.Second, Factor: 2, MaxDelay: 5 * time.Second})
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 4*time.Second, p.Backoff(3))
	require.Equal(t, 5*time.Second, p.Backoff(4))
	require.Equal(t, time.Second, p.Backoff(0))
}

func TestBackoffJitterWithinBounds(t *testing.T) {
	t.Parallel()

	p := New(Config{InitialDelay: 100 * time.Millisecond, Factor: 3, Jitter: true})
	for i := 0; i < 50; i++ {
		d := p.Backoff(2)
		require.GreaterOrEqual(t, d, 150*time.Millisecond)
		require.Less(t, d, 300*time.Millisecond)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	require.Equal(t, 3, p.MaxAttempts())
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
}
