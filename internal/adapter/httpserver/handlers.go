package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/srirohitha/job-queue/internal/adapter/observability"
	"github.com/srirohitha/job-queue/internal/config"
	"github.com/srirohitha/job-queue/internal/domain"
	"github.com/srirohitha/job-queue/internal/usecase"
)

// LoginLimiter throttles credential-guessing. Implementations are
// expected to fail open: an infrastructure error means "allow".
type LoginLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// HealthCheck probes one downstream dependency.
type HealthCheck func(ctx context.Context) error

// Server holds the handler dependencies. Route mounting lives in
// internal/app; this package only shapes requests and responses.
type Server struct {
	Cfg      config.Config
	Jobs     usecase.JobsService
	Dispatch usecase.DispatchService
	Tenants  usecase.TenantsService
	Tokens   TokenMinter
	Limiter  LoginLimiter

	// Readiness probes, keyed by component name for the readyz payload.
	Checks map[string]HealthCheck
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, jobs usecase.JobsService, dispatch usecase.DispatchService, tenants usecase.TenantsService, limiter LoginLimiter, checks map[string]HealthCheck) *Server {
	return &Server{
		Cfg:      cfg,
		Jobs:     jobs,
		Dispatch: dispatch,
		Tenants:  tenants,
		Tokens:   TokenMinter{Secret: []byte(cfg.TokenSecret), TTL: cfg.TokenTTL},
		Limiter:  limiter,
		Checks:   checks,
	}
}

// Register handles POST /auth/register.
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	t, err := s.Tenants.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{
		"token": s.Tokens.Mint(t.ID, time.Now()),
		"user":  tenantView(t),
	})
}

// Login handles POST /auth/login.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if s.Limiter != nil {
		key := "login:" + req.Username + ":" + clientIP(r)
		allowed, err := s.Limiter.Allow(r.Context(), key)
		if err != nil {
			LoggerFrom(r).Warn("login limiter unavailable", "error", err)
		} else if !allowed {
			writeError(w, r, &domain.RateLimitError{RetryAfter: time.Minute}, nil)
			return
		}
	}
	t, err := s.Tenants.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"token": s.Tokens.Mint(t.ID, time.Now()),
		"user":  tenantView(t),
	})
}

// Me handles GET /auth/me.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tenants.Get(r.Context(), TenantID(r.Context()))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, tenantView(t))
}

// SubmitJob handles POST /jobs, accepting either a JSON body or a
// multipart form carrying a CSV file.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var in usecase.SubmitInput
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		in, err = s.parseCSVSubmit(r)
	} else {
		in, err = parseJSONSubmit(r)
	}
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	job, err := s.Jobs.Submit(r.Context(), TenantID(r.Context()), in)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	observability.JobsSubmittedTotal.Inc()
	writeData(w, http.StatusCreated, jobView(job))
}

func parseJSONSubmit(r *http.Request) (usecase.SubmitInput, error) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		return usecase.SubmitInput{}, err
	}
	if req.InputMode == "csv" {
		return usecase.SubmitInput{}, fmt.Errorf("%w: input_mode csv requires a multipart form with a csv_file part", domain.ErrInvalidArgument)
	}
	return usecase.SubmitInput{
		Label:       req.Label,
		Payload:     domain.InputPayload(req.Payload),
		MaxAttempts: req.MaxAttempts,
		IdemKey:     req.IdempotencyKey,
	}, nil
}

// ListJobs handles GET /jobs.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	jobs, total, err := s.Jobs.List(r.Context(), TenantID(r.Context()), f)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	views := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView(j))
	}
	writeData(w, http.StatusOK, map[string]any{
		"jobs":      views,
		"total":     total,
		"page":      f.Page,
		"page_size": f.PageSize,
	})
}

func parseListFilter(r *http.Request) (domain.JobFilter, error) {
	q := r.URL.Query()
	f := domain.JobFilter{Page: 1, PageSize: 20}
	if raw := q.Get("status"); raw != "" {
		st := domain.JobStatus(strings.ToUpper(raw))
		f.Status = &st
	}
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, fmt.Errorf("%w: page must be a positive integer", domain.ErrInvalidArgument)
		}
		f.Page = n
	}
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return f, fmt.Errorf("%w: page_size must be 1..100", domain.ErrInvalidArgument)
		}
		f.PageSize = n
	}
	return f, nil
}

// GetJob handles GET /jobs/{id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, jobView(job))
}

// DeleteJob handles DELETE /jobs/{id}.
func (s *Server) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Jobs.Delete(r.Context(), TenantID(r.Context()), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"deleted": id})
}

// RetryJob handles POST /jobs/{id}/retry.
func (s *Server) RetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Retry(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, jobView(job))
}

// ReplayJob handles POST /jobs/{id}/replay.
func (s *Server) ReplayJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Replay(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, jobView(job))
}

// JobStats handles GET /jobs/stats.
func (s *Server) JobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Jobs.Stats(r.Context(), TenantID(r.Context()))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, stats)
}

// LeaseJob handles POST /jobs/lease. Nothing runnable is a normal
// outcome, rendered as a null job rather than an error.
func (s *Server) LeaseJob(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	job, err := s.Dispatch.Lease(r.Context(), TenantID(r.Context()), usecase.LeaseInput{
		WorkerID:     req.WorkerID,
		LeaseSeconds: req.LeaseSeconds,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if job == nil {
		writeData(w, http.StatusOK, map[string]any{"job": nil})
		return
	}
	writeData(w, http.StatusOK, map[string]any{"job": jobView(*job)})
}

// ProgressJob handles POST /jobs/{id}/progress.
func (s *Server) ProgressJob(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	var stage *domain.JobStage
	if req.Stage != nil {
		st := domain.JobStage(strings.ToUpper(*req.Stage))
		stage = &st
	}
	job, err := s.Dispatch.Progress(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"), usecase.ProgressInput{
		WorkerID:      req.WorkerID,
		Progress:      req.Progress,
		ProcessedRows: req.ProcessedRows,
		Stage:         stage,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeData(w, http.StatusOK, jobView(job))
}

// CompleteJob handles POST /jobs/{id}/complete.
func (s *Server) CompleteJob(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	job, err := s.Dispatch.Complete(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"), req.WorkerID, req.OutputResult)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	observability.JobsCompletedTotal.Inc()
	writeData(w, http.StatusOK, jobView(job))
}

// defaultRetryIn applies when a failure report omits retry_in_seconds.
const defaultRetryIn = 300 * time.Second

// FailJob handles POST /jobs/{id}/fail.
func (s *Server) FailJob(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	retryIn := defaultRetryIn
	if req.RetryInSeconds > 0 {
		retryIn = time.Duration(req.RetryInSeconds) * time.Second
	}
	job, err := s.Dispatch.Fail(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"), usecase.FailInput{
		WorkerID: req.WorkerID,
		Reason:   req.FailureReason,
		RetryIn:  retryIn,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if job.Status == domain.JobDLQ {
		observability.JobsDLQTotal.Inc()
	} else {
		observability.JobsFailedTotal.Inc()
	}
	writeData(w, http.StatusOK, jobView(job))
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"status": "ok"})
}

// readyzTimeout bounds each dependency probe.
const readyzTimeout = 2 * time.Second

// Readyz handles GET /readyz: every registered check must pass.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	ready := true
	for name, check := range s.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			ready = false
			components[name] = err.Error()
			LoggerFrom(r).Warn("readiness check failed", "component", name, "error", err)
			continue
		}
		components[name] = "ok"
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{Success: ready, Data: map[string]any{
		"ready":      ready,
		"components": components,
	}})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
