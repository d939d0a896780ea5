// Package postgres provides PostgreSQL database adapters.
//
// It implements the job, trigger and tenant store ports for data
// persistence. The package provides type-safe database operations with
// connection pooling, transaction support and embedded schema migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/srirohitha/job-queue/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// rowQuerier is satisfied by both PgxPool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct {
	Pool  PgxPool
	Retry RetryPolicy
}

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// jobColumns is the canonical column list; scanJob depends on its order.
const jobColumns = `id, tenant_id, label, status, stage, progress, processed_rows, total_rows, attempts, max_attempts, locked_by, lease_until, next_retry_at, next_run_at, throttle_count, failure_reason, idempotency_key, input_payload, output_result, events, created_at, updated_at, last_ran_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Label, &j.Status, &j.Stage,
		&j.Progress, &j.ProcessedRows, &j.TotalRows, &j.Attempts, &j.MaxAttempts,
		&j.LockedBy, &j.LeaseUntil, &j.NextRetryAt, &j.NextRunAt,
		&j.ThrottleCount, &j.FailureReason, &j.IdemKey,
		&j.InputPayload, &j.OutputResult, &j.Events,
		&j.CreatedAt, &j.UpdatedAt, &j.LastRanAt,
	)
	return j, err
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *JobRepo) getRow(ctx context.Context, op, q string, args ...any) (domain.Job, error) {
	j, err := scanJob(r.Pool.QueryRow(ctx, q, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return j, nil
}

// InTx runs fn inside a single transaction and commits when fn returns nil.
// Serialization failures and deadlocks are replayed with backoff; fn must
// therefore re-read everything it decides on, which the callers already do.
// Any other error rolls the transaction back and is returned unchanged so
// sentinel checks keep working.
func (r *JobRepo) InTx(ctx domain.Context, fn func(tx domain.JobTx) error) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.InTx")
	defer span.End()
	attempt := func() error {
		tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=job.begin_tx: %w", err))
		}
		defer tx.Rollback(ctx) //nolint:errcheck
		if err := fn(&jobTx{tx: tx}); err != nil {
			if isRetryableTxError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(ctx); err != nil {
			err = fmt.Errorf("op=job.commit_tx: %w", err)
			if isRetryableTxError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	return backoff.Retry(attempt, r.Retry.backOff(ctx))
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	return r.getRow(ctx, "job.get", q, id)
}

// List returns one page of the tenant's jobs, newest first, plus the total
// row count for the filter.
func (r *JobRepo) List(ctx domain.Context, tenantID string, f domain.JobFilter) ([]domain.Job, int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	where := `tenant_id=$1`
	args := []any{tenantID}
	if f.Status != nil {
		where += ` AND status=$2`
		args = append(args, *f.Status)
	}

	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size < 1 {
		size = 20
	}
	n := len(args)
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, jobColumns, where, n+1, n+2)
	args = append(args, size, (page-1)*size)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	return out, total, nil
}

// FindActiveByIdemKey loads the tenant's non-terminal job carrying the
// idempotency key, or ErrNotFound.
func (r *JobRepo) FindActiveByIdemKey(ctx domain.Context, tenantID, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindActiveByIdemKey")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id=$1 AND idempotency_key=$2 AND status NOT IN ('DONE','DLQ') LIMIT 1`
	return r.getRow(ctx, "job.find_active_idem", q, tenantID, key)
}

// FindByIdemKey loads the tenant's job carrying the idempotency key in any
// status, or ErrNotFound.
func (r *JobRepo) FindByIdemKey(ctx domain.Context, tenantID, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdemKey")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id=$1 AND idempotency_key=$2 LIMIT 1`
	return r.getRow(ctx, "job.find_idem", q, tenantID, key)
}

// StatusCounts returns the tenant's job count per status. Statuses with no
// jobs are absent from the map.
func (r *JobRepo) StatusCounts(ctx domain.Context, tenantID string) (map[domain.JobStatus]int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.StatusCounts")
	defer span.End()
	q := `SELECT status, COUNT(*) FROM jobs WHERE tenant_id=$1 GROUP BY status`
	rows, err := r.Pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("op=job.status_counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var s domain.JobStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=job.status_counts: %w", err)
		}
		counts[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.status_counts: %w", err)
	}
	return counts, nil
}

// CountRunning counts the tenant's RUNNING jobs, excluding excludeID when
// non-empty.
func (r *JobRepo) CountRunning(ctx domain.Context, tenantID, excludeID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountRunning")
	defer span.End()
	n, err := countRunning(ctx, r.Pool, tenantID, excludeID)
	if err != nil {
		return 0, fmt.Errorf("op=job.count_running: %w", err)
	}
	return n, nil
}

func countRunning(ctx context.Context, db rowQuerier, tenantID, excludeID string) (int, error) {
	q := `SELECT COUNT(*) FROM jobs WHERE tenant_id=$1 AND status='RUNNING'`
	args := []any{tenantID}
	if excludeID != "" {
		q += ` AND id<>$2`
		args = append(args, excludeID)
	}
	var n int
	err := db.QueryRow(ctx, q, args...).Scan(&n)
	return n, err
}

// DuePending lists ids of PENDING jobs untouched since cutoff, oldest first.
func (r *JobRepo) DuePending(ctx domain.Context, cutoff time.Time, limit int) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DuePending")
	defer span.End()
	q := `SELECT id FROM jobs WHERE status='PENDING' AND updated_at < $1 ORDER BY updated_at LIMIT $2`
	return r.dueIDs(ctx, "job.due_pending", q, cutoff, limit)
}

// DueThrottled lists ids of THROTTLED jobs whose next_run_at has passed.
func (r *JobRepo) DueThrottled(ctx domain.Context, now time.Time, limit int) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DueThrottled")
	defer span.End()
	q := `SELECT id FROM jobs WHERE status='THROTTLED' AND (next_run_at IS NULL OR next_run_at <= $1) ORDER BY next_run_at NULLS FIRST LIMIT $2`
	return r.dueIDs(ctx, "job.due_throttled", q, now, limit)
}

// DueFailed lists ids of FAILED jobs whose next_retry_at has passed.
func (r *JobRepo) DueFailed(ctx domain.Context, now time.Time, limit int) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DueFailed")
	defer span.End()
	q := `SELECT id FROM jobs WHERE status='FAILED' AND (next_retry_at IS NULL OR next_retry_at <= $1) ORDER BY next_retry_at NULLS FIRST LIMIT $2`
	return r.dueIDs(ctx, "job.due_failed", q, now, limit)
}

// ExpiredLeases lists ids of RUNNING jobs whose lease_until has passed.
func (r *JobRepo) ExpiredLeases(ctx domain.Context, now time.Time, limit int) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ExpiredLeases")
	defer span.End()
	q := `SELECT id FROM jobs WHERE status='RUNNING' AND lease_until < $1 ORDER BY lease_until LIMIT $2`
	return r.dueIDs(ctx, "job.expired_leases", q, now, limit)
}

func (r *JobRepo) dueIDs(ctx context.Context, op, q string, at time.Time, limit int) ([]string, error) {
	rows, err := r.Pool.Query(ctx, q, at, limit)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return ids, nil
}

// PurgeTerminalBefore deletes up to limit DONE/DLQ jobs last updated before
// cutoff and reports how many went.
func (r *JobRepo) PurgeTerminalBefore(ctx domain.Context, cutoff time.Time, limit int) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PurgeTerminalBefore")
	defer span.End()
	q := `DELETE FROM jobs WHERE id IN (
		SELECT id FROM jobs WHERE status IN ('DONE','DLQ') AND updated_at < $1 LIMIT $2
	)`
	tag, err := r.Pool.Exec(ctx, q, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("op=job.purge_terminal: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// jobTx is the transactional view handed to InTx callbacks. It shares the
// outer span, so its methods only wrap errors.
type jobTx struct{ tx pgx.Tx }

// GetForUpdate loads a job under FOR UPDATE, blocking on concurrent holders.
func (t *jobTx) GetForUpdate(ctx domain.Context, id string) (domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1 FOR UPDATE`
	j, err := scanJob(t.tx.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get_for_update: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get_for_update: %w", err)
	}
	return j, nil
}

// OldestRunnable picks the oldest runnable job for the tenant, skipping rows
// locked by concurrent leasers. ErrNotFound when the tenant has nothing to run.
func (t *jobTx) OldestRunnable(ctx domain.Context, tenantID string, now time.Time) (domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE tenant_id=$1 AND (status='PENDING' OR (status='THROTTLED' AND (next_run_at IS NULL OR next_run_at <= $2)))
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`
	j, err := scanJob(t.tx.QueryRow(ctx, q, tenantID, now))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.oldest_runnable: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.oldest_runnable: %w", err)
	}
	return j, nil
}

// CountRunning counts the tenant's RUNNING jobs inside the transaction,
// excluding excludeID when non-empty.
func (t *jobTx) CountRunning(ctx domain.Context, tenantID, excludeID string) (int, error) {
	n, err := countRunning(ctx, t.tx, tenantID, excludeID)
	if err != nil {
		return 0, fmt.Errorf("op=job.count_running: %w", err)
	}
	return n, nil
}

// Insert stores a new job and returns its id (generates one if empty). A
// duplicate idempotency key maps to domain.ErrConflict.
func (t *jobTx) Insert(ctx domain.Context, j domain.Job) (string, error) {
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO jobs (` + jobColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`
	_, err := t.tx.Exec(ctx, q,
		id, j.TenantID, j.Label, j.Status, j.Stage,
		j.Progress, j.ProcessedRows, j.TotalRows, j.Attempts, j.MaxAttempts,
		j.LockedBy, j.LeaseUntil, j.NextRetryAt, j.NextRunAt,
		j.ThrottleCount, j.FailureReason, j.IdemKey,
		j.InputPayload, j.OutputResult, j.Events,
		j.CreatedAt, j.UpdatedAt, j.LastRanAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=job.insert: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=job.insert: %w", err)
	}
	return id, nil
}

// Update rewrites every mutable column from the entity. Timestamps persist
// as the transitions stamped them.
func (t *jobTx) Update(ctx domain.Context, j domain.Job) error {
	q := `UPDATE jobs SET label=$2, status=$3, stage=$4, progress=$5, processed_rows=$6, total_rows=$7,
		attempts=$8, max_attempts=$9, locked_by=$10, lease_until=$11, next_retry_at=$12, next_run_at=$13,
		throttle_count=$14, failure_reason=$15, idempotency_key=$16, input_payload=$17, output_result=$18,
		events=$19, updated_at=$20, last_ran_at=$21 WHERE id=$1`
	_, err := t.tx.Exec(ctx, q,
		j.ID, j.Label, j.Status, j.Stage,
		j.Progress, j.ProcessedRows, j.TotalRows, j.Attempts, j.MaxAttempts,
		j.LockedBy, j.LeaseUntil, j.NextRetryAt, j.NextRunAt,
		j.ThrottleCount, j.FailureReason, j.IdemKey,
		j.InputPayload, j.OutputResult, j.Events,
		j.UpdatedAt, j.LastRanAt,
	)
	if err != nil {
		return fmt.Errorf("op=job.update: %w", err)
	}
	return nil
}

// Delete removes a job row; trigger rows referencing it cascade.
func (t *jobTx) Delete(ctx domain.Context, id string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	return nil
}

// InsertTrigger appends one row to the trigger log (generates an id if empty).
func (t *jobTx) InsertTrigger(ctx domain.Context, tr domain.JobTrigger) error {
	id := tr.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO job_triggers (id, tenant_id, job_id, triggered_at) VALUES ($1,$2,$3,$4)`
	if _, err := t.tx.Exec(ctx, q, id, tr.TenantID, tr.JobID, tr.TriggeredAt); err != nil {
		return fmt.Errorf("op=trigger.insert: %w", err)
	}
	return nil
}
