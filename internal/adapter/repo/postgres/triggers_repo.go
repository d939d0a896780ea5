package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/srirohitha/job-queue/internal/domain"
)

// TriggerRepo reads and prunes the append-only trigger log. Rows are written
// through JobTx.InsertTrigger so they commit with the job they belong to.
type TriggerRepo struct{ Pool PgxPool }

// NewTriggerRepo constructs a TriggerRepo with the given pool.
func NewTriggerRepo(p PgxPool) *TriggerRepo { return &TriggerRepo{Pool: p} }

// CountSince counts the tenant's triggers at or after since.
func (r *TriggerRepo) CountSince(ctx domain.Context, tenantID string, since time.Time) (int, error) {
	tracer := otel.Tracer("repo.triggers")
	ctx, span := tracer.Start(ctx, "triggers.CountSince")
	defer span.End()
	q := `SELECT COUNT(*) FROM job_triggers WHERE tenant_id=$1 AND triggered_at >= $2`
	var n int
	if err := r.Pool.QueryRow(ctx, q, tenantID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=trigger.count_since: %w", err)
	}
	return n, nil
}

// OldestSince returns the tenant's oldest trigger time at or after since, or
// the zero time when the window is empty.
func (r *TriggerRepo) OldestSince(ctx domain.Context, tenantID string, since time.Time) (time.Time, error) {
	tracer := otel.Tracer("repo.triggers")
	ctx, span := tracer.Start(ctx, "triggers.OldestSince")
	defer span.End()
	q := `SELECT MIN(triggered_at) FROM job_triggers WHERE tenant_id=$1 AND triggered_at >= $2`
	var oldest *time.Time
	if err := r.Pool.QueryRow(ctx, q, tenantID, since).Scan(&oldest); err != nil {
		return time.Time{}, fmt.Errorf("op=trigger.oldest_since: %w", err)
	}
	if oldest == nil {
		return time.Time{}, nil
	}
	return *oldest, nil
}

// DeleteBefore prunes triggers older than cutoff and reports how many went.
func (r *TriggerRepo) DeleteBefore(ctx domain.Context, cutoff time.Time) (int, error) {
	tracer := otel.Tracer("repo.triggers")
	ctx, span := tracer.Start(ctx, "triggers.DeleteBefore")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM job_triggers WHERE triggered_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=trigger.delete_before: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
