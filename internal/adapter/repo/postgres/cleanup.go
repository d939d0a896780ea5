package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/srirohitha/job-queue/internal/adapter/observability"
)

// purgeBatchSize bounds how many terminal jobs one delete statement touches.
const purgeBatchSize = 500

// JobPurger is the slice of the job store used by retention cleanup.
type JobPurger interface {
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// TriggerPurger is the slice of the trigger store used by retention cleanup.
type TriggerPurger interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// CleanupService handles data retention: terminal jobs older than the
// retention window and trigger-log rows older than their own, much
// shorter, window are removed.
type CleanupService struct {
	Jobs          JobPurger
	Triggers      TriggerPurger
	RetentionDays int
	// TriggerRetention bounds the trigger log; zero means 24h. The log
	// only feeds the rolling jobs-per-minute stat, so it never needs to
	// live as long as the jobs themselves.
	TriggerRetention time.Duration
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(jobs JobPurger, triggers TriggerPurger, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Jobs: jobs, Triggers: triggers, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period. Jobs go in
// batches so no single statement holds locks for long.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	deletedJobs := 0
	for {
		n, err := s.Jobs.PurgeTerminalBefore(ctx, cutoff, purgeBatchSize)
		if err != nil {
			return fmt.Errorf("cleanup jobs: %w", err)
		}
		deletedJobs += n
		if n < purgeBatchSize {
			break
		}
	}

	triggerWindow := s.TriggerRetention
	if triggerWindow <= 0 {
		triggerWindow = 24 * time.Hour
	}
	deletedTriggers, err := s.Triggers.DeleteBefore(ctx, time.Now().UTC().Add(-triggerWindow))
	if err != nil {
		return fmt.Errorf("cleanup triggers: %w", err)
	}

	observability.CleanupDeletedTotal.WithLabelValues("jobs").Add(float64(deletedJobs))
	observability.CleanupDeletedTotal.WithLabelValues("job_triggers").Add(float64(deletedTriggers))
	slog.Info("data cleanup completed",
		slog.Int("deleted_jobs", deletedJobs),
		slog.Int("deleted_triggers", deletedTriggers),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup job that stops with the context.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
