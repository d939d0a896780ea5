// Package config defines the engine sub-configuration.
package config

import (
	"time"
)

// EngineConfig groups the lifecycle knobs consumed by the dispatcher,
// runner, and reconciler, with the second-granularity env keys already
// converted to durations. It is built once at wiring time and treated
// as immutable.
type EngineConfig struct {
	// JobsPerMinLimit caps successful submit/retry/replay triggers per
	// tenant per rolling minute.
	JobsPerMinLimit int
	// ConcurrentJobsLimit caps RUNNING jobs per tenant.
	ConcurrentJobsLimit int
	// Lease is the default visibility window granted on lease-accept.
	Lease time.Duration
	// RetryDelay is the default failure-to-retry delay.
	RetryDelay time.Duration
	// ThrottleBackoffBase is the base of the throttle backoff ramp.
	ThrottleBackoffBase time.Duration
	// PendingTimeout is how long a job may sit PENDING before the
	// reconciler treats it as failed.
	PendingTimeout time.Duration
	// RetryScan is the reconciler sweep interval.
	RetryScan time.Duration
}

// Engine returns the lifecycle configuration.
func (c Config) Engine() EngineConfig {
	return EngineConfig{
		JobsPerMinLimit:     c.JobsPerMinLimit,
		ConcurrentJobsLimit: c.ConcurrentJobsLimit,
		Lease:               c.LeaseDuration(),
		RetryDelay:          c.RetryDelay(),
		ThrottleBackoffBase: c.ThrottleBackoff(),
		PendingTimeout:      c.PendingTimeout(),
		RetryScan:           c.RetryScanInterval(),
	}
}
