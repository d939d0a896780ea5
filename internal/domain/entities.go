package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrRateLimited          = errors.New("rate limited")
	ErrInternal             = errors.New("internal error")
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobThrottled JobStatus = "THROTTLED"
	JobRunning   JobStatus = "RUNNING"
	JobDone      JobStatus = "DONE"
	JobFailed    JobStatus = "FAILED"
	JobDLQ       JobStatus = "DLQ"
)

// Terminal reports whether a status can only be left by an explicit
// retry (DONE) or replay (DLQ).
func (s JobStatus) Terminal() bool { return s == JobDone || s == JobDLQ }

// ValidStatus reports whether s is one of the six job statuses.
func ValidStatus(s JobStatus) bool {
	switch s {
	case JobPending, JobThrottled, JobRunning, JobDone, JobFailed, JobDLQ:
		return true
	}
	return false
}

type JobStage string

const (
	StageValidating JobStage = "VALIDATING"
	StageProcessing JobStage = "PROCESSING"
	StageFinalizing JobStage = "FINALIZING"
	StageDone       JobStage = "DONE"
)

// ValidStage reports whether s is one of the four job stages.
func ValidStage(s JobStage) bool {
	switch s {
	case StageValidating, StageProcessing, StageFinalizing, StageDone:
		return true
	}
	return false
}

type EventType string

const (
	EventSubmitted       EventType = "SUBMITTED"
	EventLeased          EventType = "LEASED"
	EventProgressUpdated EventType = "PROGRESS_UPDATED"
	EventThrottled       EventType = "THROTTLED"
	EventRetryScheduled  EventType = "RETRY_SCHEDULED"
	EventFailed          EventType = "FAILED"
	EventMovedToDLQ      EventType = "MOVED_TO_DLQ"
	EventDone            EventType = "DONE"
)

// JobEvent is one entry of the append-only per-job event log.
type JobEvent struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// InputPayload is the opaque structured input handed to the row pipeline.
// The engine stores and forwards it verbatim; only Rows and Config are
// interpreted, and only defensively. CSV submissions are decoded into
// the same shape (plus a csv_meta block) before the core ever sees them.
type InputPayload map[string]any

// Rows returns the row list, or nil when absent or mistyped.
func (p InputPayload) Rows() []any {
	rows, _ := p["rows"].([]any)
	return rows
}

// RowCount reports len(rows) without validating individual rows.
func (p InputPayload) RowCount() int { return len(p.Rows()) }

// Config returns the pipeline configuration block, or nil when absent.
func (p InputPayload) Config() map[string]any {
	cfg, _ := p["config"].(map[string]any)
	return cfg
}

// Job is the central entity. All lifecycle state lives on the row;
// there are no in-memory queues.
//
// Invariants held at every transaction boundary:
//   - RUNNING implies LockedBy and LeaseUntil set, NextRunAt nil.
//   - THROTTLED implies NextRunAt set, lease fields nil, Attempts untouched.
//   - FAILED implies Attempts >= 1 and NextRetryAt set.
//   - DLQ implies Attempts >= MaxAttempts.
//   - DONE implies Progress == 100 and ProcessedRows == TotalRows.
//   - Events only ever grows, in commit order.
type Job struct {
	ID            string
	TenantID      string
	Label         string
	Status        JobStatus
	Stage         JobStage
	Progress      int
	ProcessedRows int
	TotalRows     int
	Attempts      int
	MaxAttempts   int
	LockedBy      *string
	LeaseUntil    *time.Time
	NextRetryAt   *time.Time
	NextRunAt     *time.Time
	ThrottleCount int
	FailureReason *string
	IdemKey       *string
	InputPayload  InputPayload
	OutputResult  map[string]any
	Events        []JobEvent
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastRanAt     *time.Time
}

// JobTrigger records one externally-initiated run request (submit,
// retry, replay). Append-only; consulted by the rate limiter.
type JobTrigger struct {
	ID          string
	TenantID    string
	JobID       *string
	TriggeredAt time.Time
}

// Tenant is an authenticated account owning a set of jobs. Username is
// the login identity; Email is optional contact metadata.
type Tenant struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// JobFilter narrows List results.
type JobFilter struct {
	Status   *JobStatus
	Page     int
	PageSize int
}

// JobStats is the per-tenant stats payload. Key casing follows the
// wire format established by earlier deployments.
type JobStats struct {
	Pending             int `json:"pending"`
	Throttled           int `json:"throttled"`
	Running             int `json:"running"`
	Done                int `json:"done"`
	Failed              int `json:"failed"`
	DLQ                 int `json:"dlq"`
	JobsPerMin          int `json:"jobsPerMin"`
	JobsPerMinLimit     int `json:"jobsPerMinLimit"`
	ConcurrentJobs      int `json:"concurrentJobs"`
	ConcurrentJobsLimit int `json:"concurrentJobsLimit"`
}

// Repositories (ports)

// JobTx is the transactional view of the job store. Every method runs
// inside the row-locking transaction opened by JobStore.InTx.
type JobTx interface {
	// GetForUpdate loads a job under FOR UPDATE. ErrNotFound when absent.
	GetForUpdate(ctx Context, id string) (Job, error)
	// OldestRunnable picks the oldest tenant job in PENDING, or THROTTLED
	// with NextRunAt due, skipping rows locked by concurrent leasers.
	// ErrNotFound when nothing is runnable.
	OldestRunnable(ctx Context, tenantID string, now time.Time) (Job, error)
	// CountRunning counts RUNNING jobs for the tenant, excluding excludeID
	// when non-empty.
	CountRunning(ctx Context, tenantID, excludeID string) (int, error)
	// Insert stores a new job, generating an id when empty, and returns
	// the id.
	Insert(ctx Context, j Job) (string, error)
	Update(ctx Context, j Job) error
	Delete(ctx Context, id string) error
	InsertTrigger(ctx Context, t JobTrigger) error
}

type JobStore interface {
	// InTx runs fn inside a single transaction; rollback on error.
	InTx(ctx Context, fn func(tx JobTx) error) error
	Get(ctx Context, id string) (Job, error)
	List(ctx Context, tenantID string, f JobFilter) ([]Job, int, error)
	// FindActiveByIdemKey returns the non-terminal job for the pair, or
	// ErrNotFound.
	FindActiveByIdemKey(ctx Context, tenantID, key string) (Job, error)
	// FindByIdemKey ignores status; used to resolve unique-constraint
	// races on submit.
	FindByIdemKey(ctx Context, tenantID, key string) (Job, error)
	StatusCounts(ctx Context, tenantID string) (map[JobStatus]int, error)
	CountRunning(ctx Context, tenantID, excludeID string) (int, error)
	// Reconciler candidate listings. IDs only; rows are re-checked under
	// a row lock before anything is changed.
	DuePending(ctx Context, cutoff time.Time, limit int) ([]string, error)
	DueThrottled(ctx Context, now time.Time, limit int) ([]string, error)
	DueFailed(ctx Context, now time.Time, limit int) ([]string, error)
	ExpiredLeases(ctx Context, now time.Time, limit int) ([]string, error)
	// PurgeTerminalBefore deletes DONE/DLQ jobs last updated before cutoff.
	PurgeTerminalBefore(ctx Context, cutoff time.Time, limit int) (int, error)
}

type TriggerStore interface {
	CountSince(ctx Context, tenantID string, since time.Time) (int, error)
	// OldestSince returns the zero time when no trigger falls in the window.
	OldestSince(ctx Context, tenantID string, since time.Time) (time.Time, error)
	DeleteBefore(ctx Context, cutoff time.Time) (int, error)
}

type TenantRepository interface {
	Create(ctx Context, t Tenant) (string, error)
	GetByUsername(ctx Context, username string) (Tenant, error)
	Get(ctx Context, id string) (Tenant, error)
}

// Queue (port)

type Queue interface {
	// EnqueueJob schedules a background run for the job id. Callers must
	// only invoke it after the transaction that persisted the job commits.
	EnqueueJob(ctx Context, jobID string) error
}

// RowPipeline (port)

// ProgressFn reports pipeline progress back into the engine. The runner
// wraps it in a transaction that also extends the lease.
type ProgressFn func(ctx Context, progress, processedRows int, stage JobStage) error

type RowPipeline interface {
	// Run processes the payload and returns the output result. It may take
	// arbitrary wall-clock time and may fail.
	Run(ctx Context, payload InputPayload, report ProgressFn) (map[string]any, error)
}

// Context is an alias to allow decoupling from std context in domain
// signatures; adapters and usecases pass context.Context through.
type Context = context.Context
