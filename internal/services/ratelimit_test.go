package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/workalloc/internal/config"
)

func TestRateLimitService_SlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := NewRateLimitService(config.RateLimitConfig{Enabled: true, Requests: 2, Window: time.Minute}, client)
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	allowed, info, err := svc.IsAllowed(ctx, "factory:f1")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, info.Remaining)

	now = now.Add(time.Second)
	allowed, info, err = svc.IsAllowed(ctx, "factory:f1")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 0, info.Remaining)

	now = now.Add(time.Second)
	allowed, _, err = svc.IsAllowed(ctx, "factory:f1")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, err = svc.IsAllowed(ctx, "factory:f2")
	require.NoError(t, err)
	assert.True(t, allowed, "limits are per key")

	now = now.Add(2 * time.Minute)
	allowed, _, err = svc.IsAllowed(ctx, "factory:f1")
	require.NoError(t, err)
	assert.True(t, allowed, "old requests leave the window")
}

func TestRateLimitService_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	svc := NewRateLimitService(config.RateLimitConfig{Enabled: true, Requests: 2, Window: time.Minute}, client)
	_, _, err := svc.IsAllowed(context.Background(), "factory:f1")
	assert.Error(t, err)
}
