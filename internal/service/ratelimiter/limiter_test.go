package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, limit, window), mr
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "login:acme:1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok, "hit %d", i+1)
	}
	ok, err := l.Allow(ctx, "login:acme:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok, "fourth hit in the window is denied")
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "login:acme:1.2.3.4")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(ctx, "login:acme:5.6.7.8")
	require.NoError(t, err)
	assert.True(t, ok, "different IP has its own window")
}

func TestWindowExpires(t *testing.T) {
	l, mr := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "login:acme:1.2.3.4")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "login:acme:1.2.3.4")
	require.False(t, ok)

	mr.FastForward(time.Minute + time.Second)

	ok, err := l.Allow(ctx, "login:acme:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok, "a new window opens after expiry")
}

func TestFailsOpenOnRedisError(t *testing.T) {
	l, mr := newLimiter(t, 1, time.Minute)
	mr.Close()

	ok, err := l.Allow(context.Background(), "login:acme:1.2.3.4")
	assert.Error(t, err)
	assert.True(t, ok, "redis outage must not block logins")
}

func TestDisabledLimiter(t *testing.T) {
	ctx := context.Background()

	var nilLimiter *Limiter
	ok, err := nilLimiter.Allow(ctx, "anything")
	require.NoError(t, err)
	assert.True(t, ok)

	l := New(nil, 10, time.Minute)
	ok, err = l.Allow(ctx, "anything")
	require.NoError(t, err)
	assert.True(t, ok)

	l, _ = newLimiter(t, 0, time.Minute)
	ok, err = l.Allow(ctx, "anything")
	require.NoError(t, err)
	assert.True(t, ok, "non-positive limit disables limiting")
}
