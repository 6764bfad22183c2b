package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 RPS = 100ms interval, burst 1.
	l := New(Config{
		RatePerSecond: 10,
		Burst:         1,
	})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://test.com/a"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "https://test.com/b"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{RatePerSecond: 1, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.com/1"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "https://b.com/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("host b blocked unexpectedly")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 50; i++ {
		if err := l.Wait(context.Background(), "https://a.com/"); err != nil {
			t.Fatal(err)
		}
	}

	var nilLimiter *Limiter
	if err := nilLimiter.Wait(context.Background(), "https://a.com/"); err != nil {
		t.Fatal(err)
	}
}

func TestLimiter_CanceledContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RatePerSecond: 0.1, Burst: 1})
	if err := l.Wait(context.Background(), "https://slow.com/"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.com/")
	if err == nil {
		t.Fatal("expected wait to fail")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("expected deadline-related error, got %v", err)
	}
}
