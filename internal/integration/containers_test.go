//go:build integration

// Integration tests spin up a throwaway Postgres via testcontainers and
// drive the real repositories through the usecase services. Run with:
//
//	go test -tags integration ./internal/integration/...
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/srirohitha/job-queue/internal/adapter/repo/postgres"
	"github.com/srirohitha/job-queue/internal/config"
	"github.com/srirohitha/job-queue/internal/domain"
	"github.com/srirohitha/job-queue/internal/usecase"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "jobqueue",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, nat.Port("5432/tcp"))
	require.NoError(t, err)
	return fmt.Sprintf("postgres://test:test@%s:%s/jobqueue?sslmode=disable", host, port.Port())
}

func Test_JobLifecycle_AgainstPostgres(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t)

	require.NoError(t, postgres.Migrate(ctx, dsn))
	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	jobsRepo := postgres.NewJobRepo(pool)
	triggersRepo := postgres.NewTriggerRepo(pool)
	tenantsRepo := postgres.NewTenantRepo(pool)

	eng := config.EngineConfig{
		JobsPerMinLimit:     4,
		ConcurrentJobsLimit: 2,
		Lease:               time.Minute,
		RetryDelay:          5 * time.Second,
		ThrottleBackoffBase: 15 * time.Second,
		PendingTimeout:      10 * time.Second,
	}
	jobs := usecase.NewJobsService(jobsRepo, triggersRepo, nil, eng)
	dispatch := usecase.NewDispatchService(jobsRepo, nil, eng)
	tenants := usecase.NewTenantsService(tenantsRepo)

	tenant, err := tenants.Register(ctx, "acme", "ops@acme.test", "hunter2hunter2")
	require.NoError(t, err)

	// Submit and read back.
	job, err := jobs.Submit(ctx, tenant.ID, usecase.SubmitInput{
		Label: "import",
		Payload: domain.InputPayload{"rows": []any{
			map[string]any{"name": "alice"},
			map[string]any{"name": "bob"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, 2, job.TotalRows)

	got, err := jobs.Get(ctx, tenant.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	// Lease, progress, complete.
	leased, err := dispatch.Lease(ctx, tenant.ID, usecase.LeaseInput{WorkerID: "it-worker"})
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, domain.JobRunning, leased.Status)
	require.NotNil(t, leased.LockedBy)
	assert.Equal(t, "it-worker", *leased.LockedBy)

	_, err = dispatch.Progress(ctx, tenant.ID, job.ID, usecase.ProgressInput{
		WorkerID: "it-worker", Progress: 60, ProcessedRows: 1,
	})
	require.NoError(t, err)

	done, err := dispatch.Complete(ctx, tenant.ID, job.ID, "it-worker", map[string]any{"processed": 2})
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, done.Status)
	assert.Equal(t, 100, done.Progress)

	// Event history survived the round trips in order.
	final, err := jobs.Get(ctx, tenant.ID, job.ID)
	require.NoError(t, err)
	var types []domain.EventType
	for _, ev := range final.Events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventSubmitted, domain.EventLeased, domain.EventProgressUpdated, domain.EventDone,
	}, types)

	// Stats reflect the trigger and the terminal job.
	stats, err := jobs.Stats(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Done)
	assert.Equal(t, 1, stats.JobsPerMin)

	// Tenant scoping: a second tenant cannot see the job.
	other, err := tenants.Register(ctx, "globex", "", "hunter2hunter2")
	require.NoError(t, err)
	_, err = jobs.Get(ctx, other.ID, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func Test_ReconcilerRecoversExpiredLease_AgainstPostgres(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t)

	require.NoError(t, postgres.Migrate(ctx, dsn))
	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	jobsRepo := postgres.NewJobRepo(pool)
	triggersRepo := postgres.NewTriggerRepo(pool)
	tenantsRepo := postgres.NewTenantRepo(pool)

	eng := config.EngineConfig{
		JobsPerMinLimit:     10,
		ConcurrentJobsLimit: 2,
		Lease:               time.Second,
		RetryDelay:          time.Millisecond,
		ThrottleBackoffBase: 15 * time.Second,
		PendingTimeout:      time.Hour,
	}
	jobs := usecase.NewJobsService(jobsRepo, triggersRepo, nil, eng)
	dispatch := usecase.NewDispatchService(jobsRepo, nil, eng)
	tenants := usecase.NewTenantsService(tenantsRepo)

	tenant, err := tenants.Register(ctx, "acme", "", "hunter2hunter2")
	require.NoError(t, err)
	job, err := jobs.Submit(ctx, tenant.ID, usecase.SubmitInput{
		Label:   "doomed",
		Payload: domain.InputPayload{"rows": []any{map[string]any{}}},
	})
	require.NoError(t, err)

	leased, err := dispatch.Lease(ctx, tenant.ID, usecase.LeaseInput{WorkerID: "dying-worker"})
	require.NoError(t, err)
	require.NotNil(t, leased)

	// Let the one-second lease lapse, then sweep.
	time.Sleep(1500 * time.Millisecond)
	rec := usecase.NewReconciler(jobsRepo, nil, eng)
	stats := rec.Sweep(ctx)
	assert.Equal(t, 1, stats.LeasesRecovered)

	got, err := jobs.Get(ctx, tenant.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "Worker lease expired", *got.FailureReason)
	assert.Nil(t, got.LockedBy)
}
