package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/srirohitha/job-queue/internal/adapter/httpserver"
)

// Pinger is the minimal interface a dependency must expose for
// readiness: the pgx pool, the Redis client (wrapped), and the Kafka
// clients all satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks maps named dependencies to readiness probes.
// A nil Pinger reads as "not configured" and fails the check, so wiring
// mistakes surface in /readyz instead of at first use.
func BuildReadinessChecks(deps map[string]Pinger) map[string]httpserver.HealthCheck {
	checks := make(map[string]httpserver.HealthCheck, len(deps))
	for name, p := range deps {
		name, p := name, p
		checks[name] = func(ctx context.Context) error {
			if p == nil {
				return fmt.Errorf("%s not configured", name)
			}
			return p.Ping(ctx)
		}
	}
	return checks
}

// PingFunc adapts a plain function to the Pinger interface.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RedisPinger adapts a go-redis client, whose Ping returns a command
// rather than an error.
func RedisPinger(rdb *redis.Client) Pinger {
	return PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
}
