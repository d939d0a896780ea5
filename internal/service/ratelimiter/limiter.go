// Package ratelimiter provides a Redis-backed fixed-window limiter used
// to guard the auth endpoints against brute force. It is deliberately
// separate from the trigger-log limiter in the jobs core: this one is
// best-effort edge protection and fails open when Redis is down, while
// the trigger log is authoritative and lives in Postgres.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// luaFixedWindow atomically increments the window counter and sets its
// expiry on first touch, so a crashed client can never leave an
// immortal counter behind.
const luaFixedWindow = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`

// Limiter counts hits per key per fixed window.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	script *redis.Script
}

// New constructs a Limiter allowing limit hits per window. A nil client
// or non-positive limit disables limiting entirely.
func New(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		script: redis.NewScript(luaFixedWindow),
	}
}

// Allow reports whether the key may proceed. Redis errors fail open:
// the error is returned for logging but allowed is true, because edge
// limiting must never turn a cache outage into an auth outage.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil || l.rdb == nil || l.limit <= 0 {
		return true, nil
	}
	redisKey := "rl:" + key
	res, err := l.script.Run(ctx, l.rdb, []string{redisKey}, l.window.Milliseconds()).Result()
	if err != nil {
		slog.Error("rate limiter script failed", slog.String("key", key), slog.Any("error", err))
		return true, fmt.Errorf("op=ratelimiter.allow: %w", err)
	}
	current, ok := res.(int64)
	if !ok {
		slog.Error("rate limiter unexpected result", slog.String("key", key), slog.Any("result", res))
		return true, nil
	}
	return current <= int64(l.limit), nil
}
