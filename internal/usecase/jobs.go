// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/srirohitha/job-queue/internal/config"
	"github.com/srirohitha/job-queue/internal/domain"
)

// Clock supplies the current time; injectable for tests. A nil Clock
// means wall-clock UTC.
type Clock func() time.Time

func nowOr(c Clock) time.Time {
	if c != nil {
		return c().UTC()
	}
	return time.Now().UTC()
}

// rateWindow is the rolling window the trigger log is counted over.
const rateWindow = time.Minute

// JobsService is the tenant-facing half of the dispatcher: submission,
// retry, replay, listing, stats, deletion. Every mutating operation
// runs one short store transaction and schedules background work only
// after it commits, so the runner always sees a persisted row.
type JobsService struct {
	Store    domain.JobStore
	Triggers domain.TriggerStore
	Queue    domain.Queue
	Cfg      config.EngineConfig
	// Presets maps names accepted in config.preset to operator-maintained
	// pipeline configurations. May be nil.
	Presets map[string]config.PipelinePreset
	Now     Clock
}

// NewJobsService constructs a JobsService with its dependencies.
func NewJobsService(store domain.JobStore, triggers domain.TriggerStore, q domain.Queue, cfg config.EngineConfig) JobsService {
	return JobsService{Store: store, Triggers: triggers, Queue: q, Cfg: cfg}
}

// SubmitInput carries the validated submission fields.
type SubmitInput struct {
	Label       string
	Payload     domain.InputPayload
	MaxAttempts int
	IdemKey     *string
}

// Submit creates a PENDING job and its trigger row, then schedules a
// background run. When the idempotency key matches an existing
// non-terminal job, that job is returned unchanged and no rate limit
// is consumed.
func (s JobsService) Submit(ctx domain.Context, tenantID string, in SubmitInput) (domain.Job, error) {
	tracer := otel.Tracer("usecase.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Submit")
	defer span.End()

	if err := validateSubmit(in); err != nil {
		return domain.Job{}, err
	}
	payload, err := s.applyPreset(in.Payload)
	if err != nil {
		return domain.Job{}, err
	}
	if in.IdemKey != nil && *in.IdemKey == "" {
		in.IdemKey = nil
	}

	if in.IdemKey != nil {
		j, err := s.Store.FindActiveByIdemKey(ctx, tenantID, *in.IdemKey)
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, err
		}
	}

	now := nowOr(s.Now)
	if err := s.checkRateLimit(ctx, tenantID, now); err != nil {
		return domain.Job{}, err
	}

	job := domain.NewJob(tenantID, in.Label, payload, in.MaxAttempts, in.IdemKey, now)
	err = s.Store.InTx(ctx, func(tx domain.JobTx) error {
		id, err := tx.Insert(ctx, job)
		if err != nil {
			return err
		}
		job.ID = id
		return tx.InsertTrigger(ctx, domain.JobTrigger{TenantID: tenantID, JobID: &id, TriggeredAt: now})
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && in.IdemKey != nil {
			// Unique-index race: a concurrent submit with the same key won
			// the insert. Return its row, per the submit contract.
			if existing, ferr := s.Store.FindByIdemKey(ctx, tenantID, *in.IdemKey); ferr == nil {
				return existing, nil
			}
		}
		return domain.Job{}, err
	}
	s.enqueue(ctx, job.ID)
	return job, nil
}

// Retry re-runs a FAILED or DONE job from scratch.
func (s JobsService) Retry(ctx domain.Context, tenantID, jobID string) (domain.Job, error) {
	return s.rerun(ctx, tenantID, jobID, false)
}

// Replay re-runs a DLQ job from scratch.
func (s JobsService) Replay(ctx domain.Context, tenantID, jobID string) (domain.Job, error) {
	return s.rerun(ctx, tenantID, jobID, true)
}

func (s JobsService) rerun(ctx domain.Context, tenantID, jobID string, replay bool) (domain.Job, error) {
	tracer := otel.Tracer("usecase.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Rerun")
	defer span.End()

	now := nowOr(s.Now)
	if err := s.checkRateLimit(ctx, tenantID, now); err != nil {
		return domain.Job{}, err
	}
	var out domain.Job
	err := s.Store.InTx(ctx, func(tx domain.JobTx) error {
		j, err := tx.GetForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if j.TenantID != tenantID {
			return fmt.Errorf("op=jobs.rerun: %w", domain.ErrNotFound)
		}
		j, err = domain.ResetForRerun(j, replay, now)
		if err != nil {
			return err
		}
		if err := tx.Update(ctx, j); err != nil {
			return err
		}
		if err := tx.InsertTrigger(ctx, domain.JobTrigger{TenantID: tenantID, JobID: &j.ID, TriggeredAt: now}); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	s.enqueue(ctx, out.ID)
	return out, nil
}

// Get loads one tenant-scoped job. Foreign ids read as not found so
// existence never leaks across tenants.
func (s JobsService) Get(ctx domain.Context, tenantID, jobID string) (domain.Job, error) {
	j, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.TenantID != tenantID {
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

// List returns one page of tenant jobs, newest first, plus the total
// for the filter.
func (s JobsService) List(ctx domain.Context, tenantID string, f domain.JobFilter) ([]domain.Job, int, error) {
	if f.Status != nil && !domain.ValidStatus(*f.Status) {
		return nil, 0, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, *f.Status)
	}
	return s.Store.List(ctx, tenantID, f)
}

// Delete removes the job; trigger rows referencing it cascade.
func (s JobsService) Delete(ctx domain.Context, tenantID, jobID string) error {
	return s.Store.InTx(ctx, func(tx domain.JobTx) error {
		j, err := tx.GetForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if j.TenantID != tenantID {
			return fmt.Errorf("op=jobs.delete: %w", domain.ErrNotFound)
		}
		return tx.Delete(ctx, jobID)
	})
}

// Stats returns per-status counts, the rolling-minute trigger count,
// the current RUNNING count, and the configured limits.
func (s JobsService) Stats(ctx domain.Context, tenantID string) (domain.JobStats, error) {
	counts, err := s.Store.StatusCounts(ctx, tenantID)
	if err != nil {
		return domain.JobStats{}, err
	}
	running, err := s.Store.CountRunning(ctx, tenantID, "")
	if err != nil {
		return domain.JobStats{}, err
	}
	now := nowOr(s.Now)
	perMin, err := s.Triggers.CountSince(ctx, tenantID, now.Add(-rateWindow))
	if err != nil {
		return domain.JobStats{}, err
	}
	return domain.JobStats{
		Pending:             counts[domain.JobPending],
		Throttled:           counts[domain.JobThrottled],
		Running:             counts[domain.JobRunning],
		Done:                counts[domain.JobDone],
		Failed:              counts[domain.JobFailed],
		DLQ:                 counts[domain.JobDLQ],
		JobsPerMin:          perMin,
		JobsPerMinLimit:     s.Cfg.JobsPerMinLimit,
		ConcurrentJobs:      running,
		ConcurrentJobsLimit: s.Cfg.ConcurrentJobsLimit,
	}, nil
}

// checkRateLimit counts triggers in [now-60s, now]. At or above the cap
// the trigger is rejected with the wait until the oldest row in the
// window ages out.
func (s JobsService) checkRateLimit(ctx domain.Context, tenantID string, now time.Time) error {
	if s.Cfg.JobsPerMinLimit <= 0 {
		return nil
	}
	since := now.Add(-rateWindow)
	n, err := s.Triggers.CountSince(ctx, tenantID, since)
	if err != nil {
		return err
	}
	if n < s.Cfg.JobsPerMinLimit {
		return nil
	}
	oldest, err := s.Triggers.OldestSince(ctx, tenantID, since)
	if err != nil {
		return err
	}
	retryAfter := rateWindow
	if !oldest.IsZero() {
		retryAfter = rateWindow - now.Sub(oldest)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return fmt.Errorf("op=jobs.rate_limit: %w", &domain.RateLimitError{RetryAfter: retryAfter})
}

// enqueue schedules a background run after the transaction committed.
// Failures are logged, not returned: the pending-timeout sweep rescues
// jobs whose dispatch never arrived.
func (s JobsService) enqueue(ctx domain.Context, jobID string) {
	if s.Queue == nil {
		return
	}
	if err := s.Queue.EnqueueJob(ctx, jobID); err != nil {
		slog.Error("enqueue failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// applyPreset merges the named preset under the inline config when the
// payload references one. Inline keys win; the preset reference itself
// does not reach the pipeline.
func (s JobsService) applyPreset(p domain.InputPayload) (domain.InputPayload, error) {
	cfg := p.Config()
	name, _ := cfg["preset"].(string)
	if name == "" {
		return p, nil
	}
	preset, ok := s.Presets[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown pipeline preset %q", domain.ErrInvalidArgument, name)
	}
	merged := preset.AsConfig()
	for k, v := range cfg {
		if k == "preset" {
			continue
		}
		merged[k] = v
	}
	out := make(domain.InputPayload, len(p))
	for k, v := range p {
		out[k] = v
	}
	out["config"] = merged
	return out, nil
}

func validateSubmit(in SubmitInput) error {
	if in.Label == "" {
		return fmt.Errorf("%w: label required", domain.ErrInvalidArgument)
	}
	if in.MaxAttempts != 0 && (in.MaxAttempts < domain.MinMaxAttempts || in.MaxAttempts > domain.MaxMaxAttempts) {
		return fmt.Errorf("%w: max_attempts must be %d..%d", domain.ErrInvalidArgument, domain.MinMaxAttempts, domain.MaxMaxAttempts)
	}
	if in.Payload.RowCount() == 0 {
		return fmt.Errorf("%w: payload.rows must be a non-empty array", domain.ErrInvalidArgument)
	}
	return nil
}
