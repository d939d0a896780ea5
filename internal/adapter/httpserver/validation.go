package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/srirohitha/job-queue/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type registerRequest struct {
	Username string `json:"username" validate:"required,max=100"`
	Email    string `json:"email" validate:"omitempty,email,max=200"`
	Password string `json:"password" validate:"required,min=8,max=200"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=100"`
	Password string `json:"password" validate:"required,max=200"`
}

type submitRequest struct {
	Label          string         `json:"label" validate:"required,max=200"`
	InputMode      string         `json:"input_mode" validate:"omitempty,oneof=json csv"`
	Payload        map[string]any `json:"payload" validate:"required"`
	MaxAttempts    int            `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	IdempotencyKey *string        `json:"idempotency_key" validate:"omitempty,max=200"`
}

type leaseRequest struct {
	WorkerID     string `json:"worker_id" validate:"required,max=100"`
	LeaseSeconds int    `json:"lease_seconds" validate:"omitempty,min=30,max=900"`
}

type progressRequest struct {
	WorkerID      string  `json:"worker_id" validate:"omitempty,max=100"`
	Progress      int     `json:"progress" validate:"min=0,max=100"`
	ProcessedRows int     `json:"processed_rows" validate:"min=0"`
	Stage         *string `json:"stage" validate:"omitempty,max=50"`
}

type completeRequest struct {
	WorkerID     string         `json:"worker_id" validate:"omitempty,max=100"`
	OutputResult map[string]any `json:"output_result"`
}

type failRequest struct {
	WorkerID       string `json:"worker_id" validate:"omitempty,max=100"`
	FailureReason  string `json:"failure_reason" validate:"required,max=2000"`
	RetryInSeconds int    `json:"retry_in_seconds" validate:"omitempty,min=30,max=86400"`
}

// decodeJSON decodes and validates a JSON request body. Unknown fields
// are rejected so typos surface instead of silently dropping input.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidArgument, err)
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: invalid fields: %s", domain.ErrInvalidArgument, strings.Join(fields, ", "))
}
