// Package batch contains the shared data models and constants for the
// batch inference control plane: files, jobs, heartbeat, and dead-letter
// entries, plus the state-machine guard they share.
package batch

import (
	"encoding/json"
	"errors"
	"time"
)

// JobStatus is the lifecycle state of a BatchJob.
type JobStatus string

const (
	StatusValidating JobStatus = "validating"
	StatusInProgress JobStatus = "in_progress"
	StatusFinalizing JobStatus = "finalizing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusExpired    JobStatus = "expired"
	StatusCancelling JobStatus = "cancelling"
	StatusCancelled  JobStatus = "cancelled"
)

// Valid reports whether s is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusValidating, StatusInProgress, StatusFinalizing, StatusCompleted,
		StatusFailed, StatusExpired, StatusCancelling, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s JobStatus) String() string { return string(s) }

// transitions enumerates every edge the job state machine allows.
// A transition not listed here is rejected by the Store's guard.
var transitions = map[JobStatus]map[JobStatus]bool{
	StatusValidating: {
		StatusInProgress: true,
		StatusCancelled:  true,
		StatusExpired:    true,
		StatusFailed:     true,
	},
	StatusInProgress: {
		StatusFinalizing: true,
		StatusFailed:     true,
		StatusCancelling: true,
		StatusExpired:    true,
	},
	StatusFinalizing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusExpired:   true,
	},
	StatusCancelling: {
		StatusCancelled: true,
		StatusFailed:    true,
		StatusExpired:   true,
	},
}

// ErrInvalidTransition is returned by the Store's transition guard.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ValidateTransition reports whether moving from "from" to "to" is an
// allowed edge in the job state machine. Staying put (from == to) is
// always allowed so idempotent writes don't trip the guard.
func ValidateTransition(from, to JobStatus) error {
	if from == to {
		return nil
	}
	if edges, ok := transitions[from]; ok && edges[to] {
		return nil
	}
	return ErrInvalidTransition
}

// FilePurpose distinguishes uploaded request files from produced result files.
type FilePurpose string

const (
	PurposeBatch       FilePurpose = "batch"
	PurposeBatchOutput FilePurpose = "batch_output"
)

// File represents an uploaded or produced JSONL artifact.
type File struct {
	ID        string      `json:"id" db:"file_id"`
	Filename  string      `json:"filename" db:"filename"`
	Bytes     int64       `json:"bytes" db:"bytes"`
	Purpose   FilePurpose `json:"purpose" db:"purpose"`
	CreatedAt int64       `json:"created_at" db:"created_at"`
	Path      string      `json:"-" db:"path"`
	Deleted   bool        `json:"-" db:"deleted"`
}

// Priority is an integer in {-1, 0, 1}: low, normal, high.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// Valid reports whether p is one of the three allowed tiers.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// RequestCounts mirrors the OpenAI Batch wire shape for progress counts.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// WebhookDeliveryStatus tracks the outcome of the Webhook Dispatcher for a job.
type WebhookDeliveryStatus string

const (
	WebhookStatusNone   WebhookDeliveryStatus = ""
	WebhookStatusSent   WebhookDeliveryStatus = "sent"
	WebhookStatusFailed WebhookDeliveryStatus = "failed"
)

// BatchJob is the central entity of the control plane.
type BatchJob struct {
	ID           string  `db:"batch_id"`
	InputFileID  string  `db:"input_file_id"`
	OutputFileID *string `db:"output_file_id"`

	Endpoint         string `db:"endpoint"`
	CompletionWindow string `db:"completion_window"`

	Status JobStatus `db:"status"`

	CreatedAt    int64  `db:"created_at"`
	ExpiresAt    int64  `db:"expires_at"`
	InProgressAt *int64 `db:"in_progress_at"`
	FinalizingAt *int64 `db:"finalizing_at"`
	CompletedAt  *int64 `db:"completed_at"`
	FailedAt     *int64 `db:"failed_at"`
	ExpiredAt    *int64 `db:"expired_at"`
	CancellingAt *int64 `db:"cancelling_at"`
	CancelledAt  *int64 `db:"cancelled_at"`

	TotalRequests     int `db:"total_requests"`
	CompletedRequests int `db:"completed_requests"`
	FailedRequests    int `db:"failed_requests"`

	Priority Priority `db:"priority"`
	Model    string   `db:"model"`

	MetadataJSON json.RawMessage `db:"metadata_json"`
	ErrorsJSON   json.RawMessage `db:"errors_json"`

	TokensProcessed         int64  `db:"tokens_processed"`
	LastProgressUpdate      *int64 `db:"last_progress_update"`
	EstimatedCompletionTime *int64 `db:"estimated_completion_time"`

	WebhookURL         string                `db:"webhook_url"`
	WebhookSecret      string                `db:"webhook_secret"`
	WebhookMaxRetries  int                   `db:"webhook_max_retries"`
	WebhookTimeout     int                   `db:"webhook_timeout"`
	WebhookEvents      string                `db:"webhook_events"`
	WebhookStatus      WebhookDeliveryStatus `db:"webhook_status"`
	WebhookAttempts    int                   `db:"webhook_attempts"`
	WebhookLastAttempt *int64                `db:"webhook_last_attempt"`
	WebhookError       string                `db:"webhook_error"`
}

// RequestCounts projects the job's progress into the OpenAI wire shape.
func (j *BatchJob) RequestCounts() RequestCounts {
	return RequestCounts{Total: j.TotalRequests, Completed: j.CompletedRequests, Failed: j.FailedRequests}
}

// WorkerHeartbeat is the singleton heartbeat row (id=1).
type WorkerHeartbeat struct {
	Status           string  `db:"status"`
	CurrentJobID     *string `db:"current_job_id"`
	LoadedModel      *string `db:"loaded_model"`
	ModelLoadedAt    *int64  `db:"model_loaded_at"`
	WorkerPID        int     `db:"worker_pid"`
	WorkerStartedAt  int64   `db:"worker_started_at"`
	GPUMemoryPercent float64 `db:"gpu_memory_percent"`
	GPUTemperature   float64 `db:"gpu_temperature"`
	LastSeen         int64   `db:"last_seen"`
}

const heartbeatStaleAfter = 60 * time.Second

// Stale reports whether the heartbeat hasn't been updated in over 60s.
func (h *WorkerHeartbeat) Stale(now time.Time) bool {
	return now.Sub(time.Unix(h.LastSeen, 0)) > heartbeatStaleAfter
}

const (
	HeartbeatIdle       = "idle"
	HeartbeatProcessing = "processing"
	HeartbeatTesting    = "testing"
	HeartbeatError      = "error"
)

// WebhookDeadLetter is an append-only record of a permanently failed delivery.
type WebhookDeadLetter struct {
	ID            int64  `db:"id"`
	BatchID       string `db:"batch_id"`
	WebhookURL    string `db:"webhook_url"`
	Payload       string `db:"payload"`
	ErrorMessage  string `db:"error_message"`
	Attempts      int    `db:"attempts"`
	LastAttemptAt int64  `db:"last_attempt_at"`
	CreatedAt     int64  `db:"created_at"`
	RetriedAt     *int64 `db:"retried_at"`
	RetrySuccess  *bool  `db:"retry_success"`
}

// FailedRequest is reserved for per-item failure granularity; the single
// worker chunk model fails the whole job on a chunk error, so this table
// is populated only if a future chunk path records per-item failures.
type FailedRequest struct {
	ID        int64  `db:"id"`
	BatchID   string `db:"batch_id"`
	CustomID  string `db:"custom_id"`
	Error     string `db:"error"`
	CreatedAt int64  `db:"created_at"`
}
