package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-shop-bot/internal/counter"
)

func newTestLimiter(t *testing.T, max int, window time.Duration) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRateLimiter(counter.NewRedisStore(client), max, window), mr
}

func TestRateLimiterAllowsUpToMax(t *testing.T) {
	limiter, _ := newTestLimiter(t, 10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d := limiter.Allow(ctx, 1001)
		assert.True(t, d.Allowed, "command %d should be allowed", i+1)
		assert.False(t, d.WarnSender)
	}

	// The 11th is dropped and carries the single warning.
	d := limiter.Allow(ctx, 1001)
	assert.False(t, d.Allowed)
	assert.True(t, d.WarnSender)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// Further drops stay silent.
	d = limiter.Allow(ctx, 1001)
	assert.False(t, d.Allowed)
	assert.False(t, d.WarnSender)
}

func TestRateLimiterIsolatesUsers(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, 1)
	limiter.Allow(ctx, 1)
	assert.False(t, limiter.Allow(ctx, 1).Allowed)

	// A different user has an untouched budget.
	assert.True(t, limiter.Allow(ctx, 2).Allowed)
}

func TestRateLimiterWindowResets(t *testing.T) {
	limiter, mr := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, 7)
	limiter.Allow(ctx, 7)
	assert.False(t, limiter.Allow(ctx, 7).Allowed)

	mr.FastForward(time.Minute + time.Second)

	assert.True(t, limiter.Allow(ctx, 7).Allowed)
}

type failingStore struct{}

func (failingStore) IncrementWindow(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("store down")
}

func (failingStore) Get(context.Context, string) (int64, error) {
	return 0, errors.New("store down")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	limiter := NewRateLimiter(failingStore{}, 2, time.Minute)

	for i := 0; i < 20; i++ {
		assert.True(t, limiter.Allow(context.Background(), 1).Allowed)
	}
}

func TestRateLimiterNilStoreAllows(t *testing.T) {
	limiter := NewRateLimiter(nil, 2, time.Minute)
	assert.True(t, limiter.Allow(context.Background(), 1).Allowed)
}

func TestRateLimiterDefaults(t *testing.T) {
	limiter := NewRateLimiter(failingStore{}, 0, 0)
	assert.Equal(t, 10, limiter.max)
	assert.Equal(t, time.Minute, limiter.window)
}
