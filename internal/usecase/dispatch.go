package usecase

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/srirohitha/job-queue/internal/config"
	"github.com/srirohitha/job-queue/internal/domain"
)

// leaseMinProgress is the progress floor granted to worker-facing
// leases, so a freshly leased job is visibly started.
const leaseMinProgress = 5

// DispatchService is the worker-facing half of the dispatcher: the
// pull-based lease/progress/complete/fail protocol used by external
// workers. Every call is one store transaction over the locked row.
type DispatchService struct {
	Store    domain.JobStore
	Pipeline domain.RowPipeline
	Cfg      config.EngineConfig
	Now      Clock

	// Observe, when set, receives every lease-scan outcome after the
	// transaction commits. The binaries hang counters off it.
	Observe func(domain.LeaseOutcome)
}

// NewDispatchService constructs a DispatchService.
func NewDispatchService(store domain.JobStore, pipeline domain.RowPipeline, cfg config.EngineConfig) DispatchService {
	return DispatchService{Store: store, Pipeline: pipeline, Cfg: cfg}
}

// LeaseInput carries the worker's lease request.
type LeaseInput struct {
	WorkerID     string
	LeaseSeconds int
}

// Lease hands the tenant's oldest runnable job to the worker. A nil
// job with nil error means nothing is runnable right now. Hitting the
// concurrency cap is not an error either: the candidate transitions to
// THROTTLED and is returned so the caller can read next_run_at.
// Candidates that turn out to have an exhausted attempt budget are
// moved to DLQ in the same transaction and the scan continues with the
// next one.
func (s DispatchService) Lease(ctx domain.Context, tenantID string, in LeaseInput) (*domain.Job, error) {
	tracer := otel.Tracer("usecase.dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.Lease")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", in.WorkerID))

	if in.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker_id required", domain.ErrInvalidArgument)
	}
	leaseFor := s.Cfg.Lease
	if in.LeaseSeconds > 0 {
		leaseFor = time.Duration(in.LeaseSeconds) * time.Second
	}

	var leased *domain.Job
	var outcomes []domain.LeaseOutcome
	err := s.Store.InTx(ctx, func(tx domain.JobTx) error {
		outcomes = outcomes[:0] // the tx may be replayed
		now := nowOr(s.Now)
		for {
			j, err := tx.OldestRunnable(ctx, tenantID, now)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return nil
				}
				return err
			}
			running, err := tx.CountRunning(ctx, tenantID, j.ID)
			if err != nil {
				return err
			}
			next, outcome := domain.DecideLease(j, running, s.Cfg.ConcurrentJobsLimit, in.WorkerID, leaseFor, s.Cfg.ThrottleBackoffBase, leaseMinProgress, now)
			if err := tx.Update(ctx, next); err != nil {
				return err
			}
			outcomes = append(outcomes, outcome)
			switch outcome {
			case domain.LeaseAccepted:
				leased = &next
				return nil
			case domain.LeaseThrottled:
				// The tenant is at its concurrency cap; later candidates
				// would throttle too. The deferred job goes back to the
				// worker so it can see next_run_at.
				leased = &next
				return nil
			case domain.LeaseMovedToDLQ:
				// Keep scanning; the next-oldest candidate may be leasable.
				continue
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if s.Observe != nil {
		for _, o := range outcomes {
			s.Observe(o)
		}
	}
	return leased, nil
}

// ProgressInput carries one worker progress report.
type ProgressInput struct {
	WorkerID      string
	Progress      int
	ProcessedRows int
	Stage         *domain.JobStage
}

// Progress records a worker progress report and extends the lease.
func (s DispatchService) Progress(ctx domain.Context, tenantID, jobID string, in ProgressInput) (domain.Job, error) {
	var out domain.Job
	err := s.Store.InTx(ctx, func(tx domain.JobTx) error {
		j, err := s.lockOwned(ctx, tx, tenantID, jobID, in.WorkerID)
		if err != nil {
			return err
		}
		if in.Stage != nil && !domain.ValidStage(*in.Stage) {
			return fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidArgument, *in.Stage)
		}
		j, err = domain.ApplyProgress(j, in.Progress, in.ProcessedRows, in.Stage, s.Cfg.Lease, nowOr(s.Now))
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// Complete finishes a RUNNING job. With a nil output the engine runs
// the row pipeline synchronously and stores its result; workers that
// processed the rows themselves pass their own output instead.
func (s DispatchService) Complete(ctx domain.Context, tenantID, jobID, workerID string, output map[string]any) (domain.Job, error) {
	tracer := otel.Tracer("usecase.dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.Complete")
	defer span.End()

	if output == nil && s.Pipeline != nil {
		// Verify ownership before the potentially slow pipeline run.
		j, err := s.Store.Get(ctx, jobID)
		if err != nil {
			return domain.Job{}, err
		}
		if j.TenantID != tenantID {
			return domain.Job{}, fmt.Errorf("op=dispatch.complete: %w", domain.ErrNotFound)
		}
		if j.Status != domain.JobRunning {
			return domain.Job{}, fmt.Errorf("%w: job is %s, not RUNNING", domain.ErrConflict, j.Status)
		}
		result, err := s.Pipeline.Run(ctx, j.InputPayload, nil)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=dispatch.complete: %w", err)
		}
		output = result
	}

	var out domain.Job
	err := s.Store.InTx(ctx, func(tx domain.JobTx) error {
		j, err := s.lockOwned(ctx, tx, tenantID, jobID, workerID)
		if err != nil {
			return err
		}
		j, err = domain.ApplyComplete(j, output, nowOr(s.Now))
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// FailInput carries the worker's failure report.
type FailInput struct {
	WorkerID string
	Reason   string
	RetryIn  time.Duration
}

// Fail consumes one attempt and schedules a retry, or moves the job to
// DLQ when the budget is spent.
func (s DispatchService) Fail(ctx domain.Context, tenantID, jobID string, in FailInput) (domain.Job, error) {
	retryIn := in.RetryIn
	if retryIn <= 0 {
		retryIn = s.Cfg.RetryDelay
	}
	var out domain.Job
	err := s.Store.InTx(ctx, func(tx domain.JobTx) error {
		j, err := s.lockOwned(ctx, tx, tenantID, jobID, in.WorkerID)
		if err != nil {
			return err
		}
		if j.Status != domain.JobRunning {
			return fmt.Errorf("%w: job is %s, not RUNNING", domain.ErrConflict, j.Status)
		}
		j = domain.ApplyFailure(j, in.Reason, retryIn, nowOr(s.Now))
		if err := tx.Update(ctx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// lockOwned loads the row under FOR UPDATE and checks tenant and, when
// the caller names one, worker ownership.
func (s DispatchService) lockOwned(ctx domain.Context, tx domain.JobTx, tenantID, jobID, workerID string) (domain.Job, error) {
	j, err := tx.GetForUpdate(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.TenantID != tenantID {
		return domain.Job{}, fmt.Errorf("op=dispatch.lock: %w", domain.ErrNotFound)
	}
	if workerID != "" && j.LockedBy != nil && *j.LockedBy != workerID {
		return domain.Job{}, fmt.Errorf("%w: job is held by another worker", domain.ErrConflict)
	}
	return j, nil
}
