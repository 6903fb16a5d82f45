package service

import (
	"context"
	"strconv"
	"time"
)

// CounterStore is the capability the rate limiter needs from its backing
// store: a keyed counter with an expiring fixed window. Backed by Redis in
// production and by an in-memory fake in tests.
type CounterStore interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Get(ctx context.Context, key string) (int64, error)
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	// WarnSender is set on the first dropped command of a window, so the
	// buyer gets exactly one warning instead of a warning per drop.
	WarnSender bool
	// RetryAfter is how long until the window resets.
	RetryAfter time.Duration
}

// RateLimiter enforces a per-user command cap over a fixed window.
type RateLimiter struct {
	store  CounterStore
	max    int
	window time.Duration
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(store CounterStore, max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{store: store, max: max, window: window}
}

// Allow counts one command for the user and decides whether it may proceed.
// Store failures fail open: dropping buyer commands because the counter
// store is down would be worse than briefly losing the limit.
func (l *RateLimiter) Allow(ctx context.Context, userID int64) Decision {
	if l.store == nil {
		return Decision{Allowed: true}
	}

	count, ttl, err := l.store.IncrementWindow(ctx, commandKey(userID), l.window)
	if err != nil {
		return Decision{Allowed: true}
	}

	if count <= int64(l.max) {
		return Decision{Allowed: true}
	}

	return Decision{
		Allowed:    false,
		WarnSender: count == int64(l.max)+1,
		RetryAfter: ttl,
	}
}

func commandKey(userID int64) string {
	return "rate:cmd:" + strconv.FormatInt(userID, 10)
}
