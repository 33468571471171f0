package provider

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a coarse per-backend admission control: a remaining-call
// counter that, once exhausted, forces callers to wait for a cooldown before
// the counter is reset. It is not a token bucket.
type RateLimiter struct {
	mu        sync.Mutex
	limit     int
	remaining int
	cooldown  time.Duration
	resetAt   time.Time
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing limit calls per cooldown window.
// A limit <= 0 disables limiting.
func NewRateLimiter(limit int, cooldown time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:     limit,
		remaining: limit,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Wait reserves one call, blocking while the budget is exhausted and the
// cooldown has not elapsed.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.limit <= 0 {
		return nil
	}
	for {
		r.mu.Lock()
		if r.remaining > 0 {
			r.remaining--
			if r.remaining == 0 {
				r.resetAt = r.now().Add(r.cooldown)
			}
			r.mu.Unlock()
			return nil
		}
		now := r.now()
		if !now.Before(r.resetAt) {
			r.remaining = r.limit
			r.mu.Unlock()
			continue
		}
		wait := r.resetAt.Sub(now)
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining returns the calls left in the current window; -1 when unlimited.
func (r *RateLimiter) Remaining() int {
	if r == nil || r.limit <= 0 {
		return -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remaining == 0 && !r.now().Before(r.resetAt) {
		return r.limit
	}
	return r.remaining
}

// Observe syncs the counter with a remaining budget reported by the backend.
// Values are clamped to [0, limit].
func (r *RateLimiter) Observe(remaining int) {
	if r == nil || r.limit <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if remaining < 0 {
		remaining = 0
	}
	if remaining > r.limit {
		remaining = r.limit
	}
	if remaining == 0 && r.remaining > 0 {
		r.resetAt = r.now().Add(r.cooldown)
	}
	r.remaining = remaining
}
