// Package domain — pure state machine over Job. Every function here
// maps (job, inputs, now) to a new job value plus appended events and
// performs no I/O; callers persist the result inside their own
// transaction.
package domain

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxAttempts applies when a submission does not set max_attempts.
	DefaultMaxAttempts = 3
	// MinMaxAttempts and MaxMaxAttempts bound the caller-supplied budget.
	MinMaxAttempts = 1
	MaxMaxAttempts = 10
	// maxThrottleBackoff caps the throttle backoff growth.
	maxThrottleBackoff = 5 * time.Minute
)

// ThrottleBackoff returns min(base * (1 + n), 5m) where n is the
// throttle count before the pending increment.
func ThrottleBackoff(base time.Duration, n int) time.Duration {
	d := base * time.Duration(1+n)
	if d > maxThrottleBackoff {
		d = maxThrottleBackoff
	}
	return d
}

// NewJob builds a PENDING job for the submit transition.
func NewJob(tenantID, label string, payload InputPayload, maxAttempts int, idemKey *string, now time.Time) Job {
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	j := Job{
		TenantID:     tenantID,
		Label:        label,
		Status:       JobPending,
		Stage:        StageValidating,
		MaxAttempts:  maxAttempts,
		IdemKey:      idemKey,
		InputPayload: payload,
		TotalRows:    payload.RowCount(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	j.appendEvent(EventSubmitted, nil, now)
	return j
}

// Runnable reports whether the job may be leased at now: PENDING, or
// THROTTLED with its deferral elapsed.
func (j Job) Runnable(now time.Time) bool {
	switch j.Status {
	case JobPending:
		return true
	case JobThrottled:
		return j.NextRunAt == nil || !j.NextRunAt.After(now)
	}
	return false
}

// LeaseOutcome is the explicit result of a lease attempt.
type LeaseOutcome int

const (
	LeaseAccepted LeaseOutcome = iota
	LeaseThrottled
	LeaseMovedToDLQ
)

// DecideLease applies lease-accept, throttle, or dlq-on-lease to a
// runnable job. running is the tenant's RUNNING count excluding this
// job; minProgress floors the starting progress (5 for worker-facing
// leases, 10 for the background runner).
func DecideLease(j Job, running, concurrentLimit int, worker string, leaseFor, backoffBase time.Duration, minProgress int, now time.Time) (Job, LeaseOutcome) {
	if j.Attempts >= j.MaxAttempts {
		j.Status = JobDLQ
		j.LockedBy = nil
		j.LeaseUntil = nil
		j.NextRunAt = nil
		var reason any
		if j.FailureReason != nil {
			reason = *j.FailureReason
		}
		j.appendEvent(EventMovedToDLQ, map[string]any{"reason": reason}, now)
		j.UpdatedAt = now
		return j, LeaseMovedToDLQ
	}

	if concurrentLimit > 0 && running >= concurrentLimit {
		// Deferral, not failure: attempts must stay untouched. Backoff is
		// computed from the count before the increment.
		backoff := ThrottleBackoff(backoffBase, j.ThrottleCount)
		next := now.Add(backoff)
		j.Status = JobThrottled
		j.NextRunAt = &next
		j.ThrottleCount++
		j.LockedBy = nil
		j.LeaseUntil = nil
		j.appendEvent(EventThrottled, map[string]any{
			"next_run_at":    next.Format(time.RFC3339Nano),
			"throttle_count": j.ThrottleCount,
		}, now)
		j.UpdatedAt = now
		return j, LeaseThrottled
	}

	until := now.Add(leaseFor)
	j.Status = JobRunning
	j.Stage = StageProcessing
	if j.Progress < minProgress {
		j.Progress = minProgress
	}
	if floor := j.TotalRows * minProgress / 100; j.ProcessedRows < floor {
		j.ProcessedRows = floor
	}
	j.LockedBy = &worker
	j.LeaseUntil = &until
	j.NextRunAt = nil
	j.LastRanAt = &now
	j.appendEvent(EventLeased, map[string]any{"worker": worker}, now)
	j.appendEvent(EventProgressUpdated, map[string]any{"progress": j.Progress}, now)
	j.UpdatedAt = now
	return j, LeaseAccepted
}

// ApplyProgress records a progress report and extends the lease.
// Progress may not decrease within a RUNNING span.
func ApplyProgress(j Job, progress, processedRows int, stage *JobStage, leaseFor time.Duration, now time.Time) (Job, error) {
	if j.Status != JobRunning {
		return j, fmt.Errorf("%w: job is %s, not RUNNING", ErrConflict, j.Status)
	}
	if progress < 0 || progress > 100 {
		return j, fmt.Errorf("%w: progress out of range", ErrInvalidArgument)
	}
	if progress < j.Progress {
		return j, fmt.Errorf("%w: progress cannot decrease (%d -> %d)", ErrInvalidArgument, j.Progress, progress)
	}
	if processedRows < 0 {
		return j, fmt.Errorf("%w: processed_rows negative", ErrInvalidArgument)
	}
	j.Progress = progress
	j.ProcessedRows = processedRows
	if stage != nil {
		j.Stage = *stage
	}
	until := now.Add(leaseFor)
	j.LeaseUntil = &until
	j.appendEvent(EventProgressUpdated, map[string]any{"progress": j.Progress}, now)
	j.UpdatedAt = now
	return j, nil
}

// ApplyComplete finishes a RUNNING job. throttle_count resets on DONE.
func ApplyComplete(j Job, output map[string]any, now time.Time) (Job, error) {
	if j.Status != JobRunning {
		return j, fmt.Errorf("%w: job is %s, not RUNNING", ErrConflict, j.Status)
	}
	j.Status = JobDone
	j.Stage = StageDone
	j.Progress = 100
	j.ProcessedRows = j.TotalRows
	j.LockedBy = nil
	j.LeaseUntil = nil
	j.NextRunAt = nil
	j.ThrottleCount = 0
	j.OutputResult = output
	j.appendEvent(EventDone, nil, now)
	j.UpdatedAt = now
	return j, nil
}

// ApplyFailure consumes one attempt and lands on FAILED (retry
// scheduled at now+retryIn) or DLQ once the budget is exhausted.
func ApplyFailure(j Job, reason string, retryIn time.Duration, now time.Time) Job {
	j.Attempts++
	j.Stage = StageValidating
	j.FailureReason = &reason
	j.LockedBy = nil
	j.LeaseUntil = nil
	j.appendEvent(EventFailed, map[string]any{"reason": reason, "attempt": j.Attempts}, now)
	if j.Attempts >= j.MaxAttempts {
		j.Status = JobDLQ
		j.NextRetryAt = nil
		j.NextRunAt = nil
		j.appendEvent(EventMovedToDLQ, map[string]any{"reason": reason}, now)
	} else {
		next := now.Add(retryIn)
		j.Status = JobFailed
		j.NextRetryAt = &next
	}
	j.UpdatedAt = now
	return j
}

// ResetForRerun applies the caller-initiated retry (FAILED or DONE) or
// replay (DLQ) transition: back to PENDING with counters cleared.
func ResetForRerun(j Job, replay bool, now time.Time) (Job, error) {
	if replay {
		if j.Status != JobDLQ {
			return j, fmt.Errorf("%w: only DLQ jobs can be replayed (status %s)", ErrConflict, j.Status)
		}
	} else if j.Status != JobFailed && j.Status != JobDone {
		return j, fmt.Errorf("%w: only FAILED or DONE jobs can be retried (status %s)", ErrConflict, j.Status)
	}
	from := j.Status
	j.Status = JobPending
	j.Stage = StageValidating
	j.Progress = 0
	j.ProcessedRows = 0
	j.Attempts = 0
	j.ThrottleCount = 0
	j.LockedBy = nil
	j.LeaseUntil = nil
	j.NextRetryAt = nil
	j.NextRunAt = nil
	j.FailureReason = nil
	j.OutputResult = nil
	meta := map[string]any{"fromStatus": string(from)}
	if replay {
		meta["replayed"] = true
	} else {
		meta["retried"] = true
	}
	j.appendEvent(EventSubmitted, meta, now)
	j.UpdatedAt = now
	return j, nil
}

// ReleaseThrottled applies reconcile-throttled-ready: the deferral
// elapsed, the job goes back to PENDING.
func ReleaseThrottled(j Job, now time.Time) (Job, error) {
	if j.Status != JobThrottled {
		return j, fmt.Errorf("%w: job is %s, not THROTTLED", ErrConflict, j.Status)
	}
	if j.NextRunAt != nil && j.NextRunAt.After(now) {
		return j, fmt.Errorf("%w: deferral not elapsed", ErrConflict)
	}
	j.Status = JobPending
	j.NextRunAt = nil
	j.appendEvent(EventRetryScheduled, map[string]any{"fromStatus": string(JobThrottled)}, now)
	j.UpdatedAt = now
	return j, nil
}

// ScheduleFailedRetry applies reconcile-failed-ready: a due FAILED job
// goes to DLQ when its budget is spent, otherwise back to PENDING with
// attempts preserved. Progress restarts from zero so the next run can
// report from the beginning.
func ScheduleFailedRetry(j Job, now time.Time) (Job, error) {
	if j.Status != JobFailed {
		return j, fmt.Errorf("%w: job is %s, not FAILED", ErrConflict, j.Status)
	}
	if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
		return j, fmt.Errorf("%w: retry not due", ErrConflict)
	}
	if j.Attempts >= j.MaxAttempts {
		var reason any
		if j.FailureReason != nil {
			reason = *j.FailureReason
		}
		j.Status = JobDLQ
		j.NextRetryAt = nil
		j.appendEvent(EventMovedToDLQ, map[string]any{"reason": reason}, now)
		j.UpdatedAt = now
		return j, nil
	}
	j.Status = JobPending
	j.Progress = 0
	j.ProcessedRows = 0
	j.NextRetryAt = nil
	j.appendEvent(EventRetryScheduled, map[string]any{"attempt": j.Attempts}, now)
	j.UpdatedAt = now
	return j, nil
}

func (j *Job) appendEvent(t EventType, meta map[string]any, now time.Time) {
	ev := JobEvent{Type: t, Timestamp: now}
	if len(meta) > 0 {
		ev.Metadata = meta
	}
	j.Events = append(j.Events, ev)
}
