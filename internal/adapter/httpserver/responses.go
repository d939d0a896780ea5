// Package httpserver contains the HTTP handlers and middleware for the
// tenant-facing job API. It translates between the JSON wire envelope
// and the usecase services; no lifecycle logic lives here.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/srirohitha/job-queue/internal/domain"
)

// envelope is the uniform response wrapper: exactly one of Data and
// Error is populated.
type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Error   *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	code := "server_error"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrConflict):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, domain.ErrNotAuthenticated):
		status = http.StatusUnauthorized
		code = "not_authenticated"
	case errors.Is(err, domain.ErrAuthenticationFailed):
		status = http.StatusUnauthorized
		code = "authentication_failed"
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
		code = "permission_denied"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		code = "rate_limited"
		var rl *domain.RateLimitError
		if details == nil && errors.As(err, &rl) {
			secs := int(rl.RetryAfter.Round(time.Second) / time.Second)
			details = map[string]any{"retry_after": secs}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal detail stays in the logs, not on the wire.
		LoggerFrom(r).Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, envelope{Error: &apiError{Code: code, Message: msg, Details: details}})
}

// jobView renders a Job in the wire shape. Pointers pass through so
// absent fields serialize as null rather than zero values.
func jobView(j domain.Job) map[string]any {
	events := make([]map[string]any, 0, len(j.Events))
	for _, ev := range j.Events {
		e := map[string]any{
			"type":      ev.Type,
			"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
		}
		if ev.Metadata != nil {
			e["metadata"] = ev.Metadata
		}
		events = append(events, e)
	}
	v := map[string]any{
		"id":              j.ID,
		"label":           j.Label,
		"status":          j.Status,
		"stage":           j.Stage,
		"progress":        j.Progress,
		"processed_rows":  j.ProcessedRows,
		"total_rows":      j.TotalRows,
		"attempts":        j.Attempts,
		"max_attempts":    j.MaxAttempts,
		"locked_by":       j.LockedBy,
		"lease_until":     timePtr(j.LeaseUntil),
		"next_retry_at":   timePtr(j.NextRetryAt),
		"next_run_at":     timePtr(j.NextRunAt),
		"throttle_count":  j.ThrottleCount,
		"failure_reason":  j.FailureReason,
		"idempotency_key": j.IdemKey,
		"input_payload":   j.InputPayload,
		"output_result":   j.OutputResult,
		"events":          events,
		"created_at":      j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      j.UpdatedAt.Format(time.RFC3339Nano),
		"last_ran_at":     timePtr(j.LastRanAt),
	}
	return v
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func tenantView(t domain.Tenant) map[string]any {
	return map[string]any{
		"id":       t.ID,
		"username": t.Username,
		"email":    t.Email,
	}
}
