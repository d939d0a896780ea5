// Package app wires configuration, adapters, and services into runnable
// processes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/srirohitha/job-queue/internal/adapter/httpserver"
	"github.com/srirohitha/job-queue/internal/adapter/observability"
	"github.com/srirohitha/job-queue/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice,
// trimming spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Anonymous auth endpoints, with a per-IP ceiling on top of the
	// Redis login limiter.
	r.Group(func(ar chi.Router) {
		ar.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		ar.Post("/auth/register", srv.Register)
		ar.Post("/auth/login", srv.Login)
	})

	// Tenant-scoped API.
	r.Group(func(pr chi.Router) {
		pr.Use(srv.RequireAuth)
		pr.Get("/auth/me", srv.Me)

		pr.Get("/jobs", srv.ListJobs)
		pr.Get("/jobs/stats", srv.JobStats)
		pr.Get("/jobs/{id}", srv.GetJob)

		// Mutating routes get the per-IP ceiling as well.
		pr.Group(func(mr chi.Router) {
			mr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			mr.Post("/jobs", srv.SubmitJob)
			mr.Delete("/jobs/{id}", srv.DeleteJob)
			mr.Post("/jobs/{id}/retry", srv.RetryJob)
			mr.Post("/jobs/{id}/replay", srv.ReplayJob)
			mr.Post("/jobs/lease", srv.LeaseJob)
			mr.Post("/jobs/{id}/progress", srv.ProgressJob)
			mr.Post("/jobs/{id}/complete", srv.CompleteJob)
			mr.Post("/jobs/{id}/fail", srv.FailJob)
		})
	})

	r.Get("/healthz", srv.Healthz)
	r.Get("/readyz", srv.Readyz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
