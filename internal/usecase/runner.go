package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/srirohitha/job-queue/internal/config"
	"github.com/srirohitha/job-queue/internal/domain"
)

// runnerMinProgress is the progress floor the background runner grants
// on lease, higher than worker leases so consumer-driven runs are
// distinguishable in the event log.
const runnerMinProgress = 10

// Runner executes queued jobs end to end: lease the row, drive the
// pipeline with progress reports and lease-extending heartbeats, then
// record completion or failure. It is the handler behind the broker
// consumer, so Execute returns the pipeline error for the consumer's
// retry accounting.
type Runner struct {
	Store    domain.JobStore
	Pipeline domain.RowPipeline
	Cfg      config.EngineConfig
	WorkerID string
	Now      Clock
}

// NewRunner constructs a Runner identified as runner@<hostname>.
func NewRunner(store domain.JobStore, pipeline domain.RowPipeline, cfg config.EngineConfig) *Runner {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Runner{Store: store, Pipeline: pipeline, Cfg: cfg, WorkerID: "runner@" + host}
}

// Execute processes one queued job id. Jobs that are not runnable
// (already done, held by a worker, deferred) are skipped without
// error; pipeline failures are recorded and then returned so the
// broker consumer can count the delivery as failed.
func (r *Runner) Execute(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("usecase.runner")
	ctx, span := tracer.Start(ctx, "runner.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	job, ok, err := r.lease(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=runner.lease: %w", err)
	}
	if !ok {
		return nil
	}

	log := slog.With(slog.String("job_id", job.ID), slog.String("tenant_id", job.TenantID))
	log.Info("job picked up", slog.Int("attempt", job.Attempts+1))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeat(hbCtx, job.ID)
	}()

	output, perr := r.Pipeline.Run(ctx, job.InputPayload, r.reportFn(job.ID))
	stopHeartbeat()
	wg.Wait()

	if perr != nil {
		log.Warn("job failed", slog.Any("error", perr))
		if err := r.recordFailure(ctx, job.ID, perr.Error()); err != nil {
			return fmt.Errorf("op=runner.record_failure: %w", err)
		}
		return fmt.Errorf("op=runner.execute: %w", perr)
	}
	if err := r.recordComplete(ctx, job.ID, output); err != nil {
		return fmt.Errorf("op=runner.record_complete: %w", err)
	}
	log.Info("job completed")
	return nil
}

// lease attempts to take the job for this runner. ok=false means the
// delivery should be dropped: the row is gone, terminal, throttled
// (the reconciler re-enqueues it when due), or held by someone else.
func (r *Runner) lease(ctx domain.Context, jobID string) (domain.Job, bool, error) {
	var (
		job domain.Job
		ok  bool
	)
	err := r.Store.InTx(ctx, func(tx domain.JobTx) error {
		j, err := tx.GetForUpdate(ctx, jobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		now := nowOr(r.Now)
		if !j.Runnable(now) {
			return nil
		}
		running, err := tx.CountRunning(ctx, j.TenantID, j.ID)
		if err != nil {
			return err
		}
		next, outcome := domain.DecideLease(j, running, r.Cfg.ConcurrentJobsLimit, r.WorkerID, r.Cfg.Lease, r.Cfg.ThrottleBackoffBase, runnerMinProgress, now)
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		if outcome == domain.LeaseAccepted {
			job = next
			ok = true
		}
		return nil
	})
	return job, ok, err
}

// reportFn persists a pipeline progress report under the row lock,
// extending the lease as a side effect. Reports against a row this
// runner no longer owns are dropped.
func (r *Runner) reportFn(jobID string) domain.ProgressFn {
	return func(ctx domain.Context, progress, processedRows int, stage domain.JobStage) error {
		return r.Store.InTx(ctx, func(tx domain.JobTx) error {
			j, err := tx.GetForUpdate(ctx, jobID)
			if err != nil {
				return err
			}
			if !r.owns(j) {
				return nil
			}
			st := stage
			j, err = domain.ApplyProgress(j, progress, processedRows, &st, r.Cfg.Lease, nowOr(r.Now))
			if err != nil {
				return err
			}
			return tx.Update(ctx, j)
		})
	}
}

// heartbeat extends the lease at half its duration so slow rows never
// look abandoned to the reconciler.
func (r *Runner) heartbeat(ctx domain.Context, jobID string) {
	interval := r.Cfg.Lease / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.extendLease(ctx, jobID); err != nil {
				slog.Warn("lease heartbeat failed", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}
}

func (r *Runner) extendLease(ctx domain.Context, jobID string) error {
	return r.Store.InTx(ctx, func(tx domain.JobTx) error {
		j, err := tx.GetForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if !r.owns(j) {
			return nil
		}
		j, err = domain.ApplyProgress(j, j.Progress, j.ProcessedRows, nil, r.Cfg.Lease, nowOr(r.Now))
		if err != nil {
			return err
		}
		return tx.Update(ctx, j)
	})
}

// recordComplete stores the pipeline output. A row no longer RUNNING
// under this runner (the reconciler reclaimed an expired lease) is a
// benign no-op.
func (r *Runner) recordComplete(ctx domain.Context, jobID string, output map[string]any) error {
	return r.Store.InTx(ctx, func(tx domain.JobTx) error {
		j, err := tx.GetForUpdate(ctx, jobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if !r.owns(j) {
			return nil
		}
		j, err = domain.ApplyComplete(j, output, nowOr(r.Now))
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil
			}
			return err
		}
		return tx.Update(ctx, j)
	})
}

func (r *Runner) recordFailure(ctx domain.Context, jobID, reason string) error {
	return r.Store.InTx(ctx, func(tx domain.JobTx) error {
		j, err := tx.GetForUpdate(ctx, jobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if !r.owns(j) || j.Status != domain.JobRunning {
			return nil
		}
		j = domain.ApplyFailure(j, reason, r.Cfg.RetryDelay, nowOr(r.Now))
		return tx.Update(ctx, j)
	})
}

func (r *Runner) owns(j domain.Job) bool {
	return j.Status == domain.JobRunning && j.LockedBy != nil && *j.LockedBy == r.WorkerID
}
