// Package backoff computes retry delays and sleeps them with context awareness.
package backoff

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy names how delays grow between attempts.
type Strategy string

const (
	Linear      Strategy = "linear"
	Exponential Strategy = "exponential"
)

// Parse parses a strategy name; the empty string maps to Exponential.
func Parse(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", Exponential:
		return Exponential, nil
	case Linear:
		return Linear, nil
	default:
		return "", fmt.Errorf("unknown backoff strategy %q", s)
	}
}

// Delay returns the wait before retry number attempt (1-based).
// Linear: base*attempt. Exponential: base*2^(attempt-1). Capped at max when max > 0.
func Delay(strategy Strategy, attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	var f float64
	switch strategy {
	case Linear:
		f = float64(base) * float64(attempt)
	default:
		f = float64(base) * math.Pow(2, float64(attempt-1))
	}
	// Converting an out-of-range float to Duration is implementation-defined.
	d := time.Duration(math.MaxInt64)
	if f < math.MaxInt64 {
		d = time.Duration(f)
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
