package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/srirohitha/job-queue/internal/domain"
)

// TenantRepo persists tenant accounts using a minimal pgx pool.
type TenantRepo struct{ Pool PgxPool }

// NewTenantRepo constructs a TenantRepo with the given pool.
func NewTenantRepo(p PgxPool) *TenantRepo { return &TenantRepo{Pool: p} }

// Create stores a new tenant and returns its id (generates one if empty).
// A taken username maps to domain.ErrConflict.
func (r *TenantRepo) Create(ctx domain.Context, t domain.Tenant) (string, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "tenants"),
	)
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO tenants (id, username, email, password_hash, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, id, t.Username, t.Email, t.PasswordHash, created); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=tenant.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=tenant.create: %w", err)
	}
	return id, nil
}

// GetByUsername loads a tenant by login name.
func (r *TenantRepo) GetByUsername(ctx domain.Context, username string) (domain.Tenant, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.GetByUsername")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "tenants"),
	)
	q := `SELECT id, username, email, password_hash, created_at FROM tenants WHERE username=$1`
	return r.getTenant(ctx, "tenant.get_by_username", q, username)
}

// Get loads a tenant by id.
func (r *TenantRepo) Get(ctx domain.Context, id string) (domain.Tenant, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "tenants"),
	)
	q := `SELECT id, username, email, password_hash, created_at FROM tenants WHERE id=$1`
	return r.getTenant(ctx, "tenant.get", q, id)
}

func (r *TenantRepo) getTenant(ctx domain.Context, op, q string, arg any) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.Pool.QueryRow(ctx, q, arg).Scan(&t.ID, &t.Username, &t.Email, &t.PasswordHash, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Tenant{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Tenant{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return t, nil
}
