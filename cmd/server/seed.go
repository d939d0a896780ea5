package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/srirohitha/job-queue/internal/domain"
	"github.com/srirohitha/job-queue/internal/usecase"
)

// seedDemoData creates a demo tenant with a couple of sample jobs so a
// fresh dev environment has something to look at. Running it twice is
// harmless: the duplicate registration is reported and skipped.
func seedDemoData(ctx domain.Context, tenants usecase.TenantsService, jobs usecase.JobsService) error {
	const (
		demoUser     = "demo"
		demoPassword = "demo-password"
	)
	tenant, err := tenants.Register(ctx, demoUser, "demo@example.test", demoPassword)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			slog.Info("demo tenant already exists, skipping seed")
			return nil
		}
		return fmt.Errorf("register demo tenant: %w", err)
	}
	slog.Info("demo tenant created", slog.String("tenant_id", tenant.ID), slog.String("username", demoUser))

	samples := []struct {
		label string
		rows  []any
	}{
		{"sample customer import", []any{
			map[string]any{"name": "alice", "plan": "pro", "score": "9"},
			map[string]any{"name": "bob", "plan": "free", "score": "4"},
			map[string]any{"name": "carol", "plan": "pro", "score": "7"},
		}},
		{"sample metrics rollup", []any{
			map[string]any{"metric": "signups", "value": "120"},
			map[string]any{"metric": "churn", "value": "3"},
		}},
	}
	for _, s := range samples {
		job, err := jobs.Submit(ctx, tenant.ID, usecase.SubmitInput{
			Label: s.label,
			Payload: domain.InputPayload{
				"rows":   s.rows,
				"config": map[string]any{"drop_nulls": true},
			},
		})
		if err != nil {
			return fmt.Errorf("seed job %q: %w", s.label, err)
		}
		slog.Info("demo job created", slog.String("job_id", job.ID), slog.String("label", s.label))
	}
	return nil
}
