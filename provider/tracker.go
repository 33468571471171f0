package provider

import (
	"context"
	"sync"
	"time"
)

// Tracker accumulates per-backend call metrics and owns the backend's rate
// limiter. Vendor adapters embed it to satisfy Status and Enabler.
type Tracker struct {
	mu           sync.Mutex
	requests     int64
	errors       int64
	totalLatency time.Duration
	available    bool
	lastChecked  time.Time
	limiter      *RateLimiter
}

// NewTracker creates a Tracker with the given rate limit (limit <= 0 disables it).
func NewTracker(limit int, cooldown time.Duration) *Tracker {
	return &Tracker{available: true, limiter: NewRateLimiter(limit, cooldown)}
}

// Acquire reserves a call slot, waiting out a rate-limit cooldown if needed.
func (t *Tracker) Acquire(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Record accounts a finished call started at start. Fatal errors mark the
// backend unavailable until SetAvailable(true).
func (t *Tracker) Record(start time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests++
	t.totalLatency += time.Since(start)
	t.lastChecked = time.Now()
	if err != nil {
		t.errors++
		if IsFatal(err) {
			t.available = false
		}
	}
}

// ObserveRateLimit forwards a backend-reported remaining budget to the limiter.
func (t *Tracker) ObserveRateLimit(remaining int) { t.limiter.Observe(remaining) }

// SetAvailable implements Enabler.
func (t *Tracker) SetAvailable(available bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.available = available
	t.lastChecked = time.Now()
}

// Status implements Provider.Status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	var avg time.Duration
	var rate float64
	if t.requests > 0 {
		avg = t.totalLatency / time.Duration(t.requests)
		rate = float64(t.errors) / float64(t.requests)
	}
	return Status{
		IsAvailable:        t.available,
		ResponseTime:       avg,
		ErrorRate:          rate,
		RateLimitRemaining: t.limiter.Remaining(),
		LastChecked:        t.lastChecked,
	}
}
