package usecase

import (
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/srirohitha/job-queue/internal/config"
	"github.com/srirohitha/job-queue/internal/domain"
)

// sweepBatch bounds how many jobs one pass handles per category.
const sweepBatch = 50

const (
	reasonPendingTimeout = "Pending timeout"
	reasonLeaseExpired   = "Worker lease expired"
)

// SweepStats counts what one reconciler pass moved forward.
type SweepStats struct {
	PendingTimedOut   int
	ThrottledReleased int
	FailedRescheduled int
	LeasesRecovered   int
	Errors            int
}

// Reconciler is the periodic repair sweep: it times out stale PENDING
// jobs, releases due THROTTLED jobs, schedules due FAILED retries, and
// recovers leases abandoned by dead workers. Each candidate row gets
// its own transaction and is re-checked under the row lock, so running
// two reconcilers concurrently is safe and a second pass over the same
// rows is a no-op.
type Reconciler struct {
	Store domain.JobStore
	Queue domain.Queue
	Cfg   config.EngineConfig
	Now   Clock
	// Observe, when set, receives the stats and duration of every sweep.
	Observe func(stats SweepStats, took time.Duration)
}

// NewReconciler constructs a Reconciler.
func NewReconciler(store domain.JobStore, q domain.Queue, cfg config.EngineConfig) *Reconciler {
	return &Reconciler{Store: store, Queue: q, Cfg: cfg}
}

// Run sweeps on the configured interval until ctx is cancelled. The
// first sweep happens immediately.
func (r *Reconciler) Run(ctx domain.Context) {
	interval := r.Cfg.RetryScan
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep executes one full pass over the four categories, in order.
// Errors on individual rows are counted and logged, never fatal.
func (r *Reconciler) Sweep(ctx domain.Context) SweepStats {
	tracer := otel.Tracer("usecase.reconciler")
	ctx, span := tracer.Start(ctx, "reconciler.Sweep")
	defer span.End()

	var stats SweepStats
	now := nowOr(r.Now)
	started := time.Now()

	r.sweepPendingTimeouts(ctx, now, &stats)
	r.sweepThrottled(ctx, now, &stats)
	r.sweepFailed(ctx, now, &stats)
	r.sweepExpiredLeases(ctx, now, &stats)

	span.SetAttributes(
		attribute.Int("reconciler.pending_timed_out", stats.PendingTimedOut),
		attribute.Int("reconciler.throttled_released", stats.ThrottledReleased),
		attribute.Int("reconciler.failed_rescheduled", stats.FailedRescheduled),
		attribute.Int("reconciler.leases_recovered", stats.LeasesRecovered),
		attribute.Int("reconciler.errors", stats.Errors),
	)
	if stats != (SweepStats{}) {
		slog.Info("reconciler sweep",
			slog.Int("pending_timed_out", stats.PendingTimedOut),
			slog.Int("throttled_released", stats.ThrottledReleased),
			slog.Int("failed_rescheduled", stats.FailedRescheduled),
			slog.Int("leases_recovered", stats.LeasesRecovered),
			slog.Int("errors", stats.Errors),
		)
	}
	if r.Observe != nil {
		r.Observe(stats, time.Since(started))
	}
	return stats
}

// sweepPendingTimeouts fails PENDING jobs whose last update is older
// than the pending timeout. A job that was never picked up consumes an
// attempt per timeout, so a permanently undispatchable job still drains
// its budget and lands in DLQ.
func (r *Reconciler) sweepPendingTimeouts(ctx domain.Context, now time.Time, stats *SweepStats) {
	cutoff := now.Add(-r.Cfg.PendingTimeout)
	ids, err := r.Store.DuePending(ctx, cutoff, sweepBatch)
	if err != nil {
		r.fault(stats, "list pending timeouts", err)
		return
	}
	for _, id := range ids {
		var timedOut bool
		err := r.Store.InTx(ctx, func(tx domain.JobTx) error {
			timedOut = false // the tx may be replayed
			j, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return dropNotFound(err)
			}
			if j.Status != domain.JobPending || j.UpdatedAt.After(cutoff) {
				return nil
			}
			j = domain.ApplyFailure(j, reasonPendingTimeout, r.Cfg.RetryDelay, now)
			if err := tx.Update(ctx, j); err != nil {
				return err
			}
			timedOut = true
			return nil
		})
		if err != nil {
			r.fault(stats, "pending timeout", err)
			continue
		}
		if timedOut {
			stats.PendingTimedOut++
		}
	}
}

// sweepThrottled releases THROTTLED jobs whose deferral elapsed and
// re-enqueues them.
func (r *Reconciler) sweepThrottled(ctx domain.Context, now time.Time, stats *SweepStats) {
	ids, err := r.Store.DueThrottled(ctx, now, sweepBatch)
	if err != nil {
		r.fault(stats, "list due throttled", err)
		return
	}
	for _, id := range ids {
		var released bool
		err := r.Store.InTx(ctx, func(tx domain.JobTx) error {
			released = false // the tx may be replayed
			j, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return dropNotFound(err)
			}
			j, err = domain.ReleaseThrottled(j, now)
			if err != nil {
				// Someone else moved the row first; nothing to repair.
				if errors.Is(err, domain.ErrConflict) {
					return nil
				}
				return err
			}
			if err := tx.Update(ctx, j); err != nil {
				return err
			}
			released = true
			return nil
		})
		if err != nil {
			r.fault(stats, "release throttled", err)
			continue
		}
		if released {
			stats.ThrottledReleased++
			r.enqueue(ctx, id)
		}
	}
}

// sweepFailed moves due FAILED jobs back to PENDING (or to DLQ when
// the attempt budget is spent) and re-enqueues the pending ones.
func (r *Reconciler) sweepFailed(ctx domain.Context, now time.Time, stats *SweepStats) {
	ids, err := r.Store.DueFailed(ctx, now, sweepBatch)
	if err != nil {
		r.fault(stats, "list due failed", err)
		return
	}
	for _, id := range ids {
		var rescheduled bool
		err := r.Store.InTx(ctx, func(tx domain.JobTx) error {
			rescheduled = false // the tx may be replayed
			j, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return dropNotFound(err)
			}
			j, err = domain.ScheduleFailedRetry(j, now)
			if err != nil {
				if errors.Is(err, domain.ErrConflict) {
					return nil
				}
				return err
			}
			if err := tx.Update(ctx, j); err != nil {
				return err
			}
			rescheduled = j.Status == domain.JobPending
			return nil
		})
		if err != nil {
			r.fault(stats, "schedule failed retry", err)
			continue
		}
		if rescheduled {
			stats.FailedRescheduled++
			r.enqueue(ctx, id)
		}
	}
}

// sweepExpiredLeases treats RUNNING jobs whose lease deadline passed as
// worker deaths: fail-retryable or fail-terminal on the next attempt.
func (r *Reconciler) sweepExpiredLeases(ctx domain.Context, now time.Time, stats *SweepStats) {
	ids, err := r.Store.ExpiredLeases(ctx, now, sweepBatch)
	if err != nil {
		r.fault(stats, "list expired leases", err)
		return
	}
	for _, id := range ids {
		var recovered bool
		err := r.Store.InTx(ctx, func(tx domain.JobTx) error {
			recovered = false // the tx may be replayed
			j, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return dropNotFound(err)
			}
			if j.Status != domain.JobRunning || j.LeaseUntil == nil || !j.LeaseUntil.Before(now) {
				return nil
			}
			j = domain.ApplyFailure(j, reasonLeaseExpired, r.Cfg.RetryDelay, now)
			if err := tx.Update(ctx, j); err != nil {
				return err
			}
			recovered = true
			return nil
		})
		if err != nil {
			r.fault(stats, "recover expired lease", err)
			continue
		}
		if recovered {
			stats.LeasesRecovered++
		}
	}
}

func (r *Reconciler) enqueue(ctx domain.Context, jobID string) {
	if r.Queue == nil {
		return
	}
	if err := r.Queue.EnqueueJob(ctx, jobID); err != nil {
		slog.Error("reconciler enqueue failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func (r *Reconciler) fault(stats *SweepStats, what string, err error) {
	stats.Errors++
	slog.Error("reconciler "+what, slog.Any("error", err))
}

// dropNotFound maps a vanished row (deleted between listing and
// locking) to a no-op.
func dropNotFound(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}
