// Package api implements the HTTP surface of the batch control plane:
// the OpenAI Batch-compatible subset (files, batches, results, health)
// plus an administrative dead-letter retry endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"batchctl/internal/batchctl/adminauth"
	"batchctl/internal/batchctl/intake"
	"batchctl/pkg/batch"
)

// Store is the subset of store.Store the API depends on.
type Store interface {
	GetFile(ctx context.Context, id string) (*batch.File, error)
	GetJob(ctx context.Context, id string) (*batch.BatchJob, error)
	ListJobs(ctx context.Context, status *batch.JobStatus, limit int) ([]*batch.BatchJob, error)
	UpdateJob(ctx context.Context, id string, mutate func(*batch.BatchJob) error) error
	GetHeartbeat(ctx context.Context) (*batch.WorkerHeartbeat, error)
	AdmissionCounts(ctx context.Context) (activeJobs int, queuedRequests int, err error)
	ListDeadLetter(ctx context.Context, limit int) ([]*batch.WebhookDeadLetter, error)
	GetDeadLetter(ctx context.Context, id int64) (*batch.WebhookDeadLetter, error)
	MarkDeadLetterRetry(ctx context.Context, id int64, success bool, now time.Time) error
}

// Notifier re-attempts webhook delivery for a job or a specific
// dead-lettered entry; satisfied by webhook.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, jobID string)
	RetryDeadLetter(ctx context.Context, entry *batch.WebhookDeadLetter) error
}

// Limits mirrors intake.Limits for the /health response's limits block.
type Limits = intake.Limits

// API wires the Store and Intake pipeline to HTTP handlers.
type API struct {
	Store     Store
	Intake    *intake.Intake
	Webhook   Notifier
	Limits    Limits
	AdminHash string

	Logger *log.Logger
	Now    func() time.Time
}

// New constructs an API.
func New(store Store, in *intake.Intake, webhook Notifier, limits Limits, adminHash string, logger *log.Logger) *API {
	return &API{
		Store:     store,
		Intake:    in,
		Webhook:   webhook,
		Limits:    limits,
		AdminHash: adminHash,
		Logger:    logger,
		Now:       time.Now,
	}
}

// Register attaches every handler to mux. The administrative dead-letter
// endpoints are wrapped in adminauth.Gate: with no AdminHash configured
// they reject every request rather than falling open.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/files", a.filesHandler)
	mux.HandleFunc("/v1/batches", a.batchesHandler)
	mux.HandleFunc("/v1/batches/", a.batchByIDHandler)
	mux.HandleFunc("/health", a.healthHandler)
	mux.Handle("/v1/admin/dead-letter", adminauth.Gate(a.AdminHash, http.HandlerFunc(a.deadLettersHandler)))
	mux.Handle("/v1/admin/dead-letter/", adminauth.Gate(a.AdminHash, http.HandlerFunc(a.deadLetterRetryHandler)))
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, jsonError{Error: code, Message: message})
}

// --------------- DTOs ---------------

// fileDTO is the OpenAI File object shape.
type fileDTO struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
}

func toFileDTO(f *batch.File) fileDTO {
	return fileDTO{ID: f.ID, Object: "file", Bytes: f.Bytes, CreatedAt: f.CreatedAt, Filename: f.Filename, Purpose: string(f.Purpose)}
}

// batchDTO is the OpenAI Batch object shape.
type batchDTO struct {
	ID                  string              `json:"id"`
	Object              string              `json:"object"`
	Endpoint            string              `json:"endpoint"`
	InputFileID         string              `json:"input_file_id"`
	OutputFileID        *string             `json:"output_file_id,omitempty"`
	CompletionWindow    string              `json:"completion_window"`
	Status              batch.JobStatus     `json:"status"`
	Model               string              `json:"model,omitempty"`
	Priority            int                 `json:"priority"`
	CreatedAt           int64               `json:"created_at"`
	ExpiresAt           int64               `json:"expires_at"`
	InProgressAt        *int64              `json:"in_progress_at,omitempty"`
	FinalizingAt        *int64              `json:"finalizing_at,omitempty"`
	CompletedAt         *int64              `json:"completed_at,omitempty"`
	FailedAt            *int64              `json:"failed_at,omitempty"`
	ExpiredAt           *int64              `json:"expired_at,omitempty"`
	CancellingAt        *int64              `json:"cancelling_at,omitempty"`
	CancelledAt         *int64              `json:"cancelled_at,omitempty"`
	RequestCounts       batch.RequestCounts `json:"request_counts"`
	Metadata            json.RawMessage     `json:"metadata,omitempty"`
	Errors              json.RawMessage     `json:"errors,omitempty"`
	TokensProcessed     int64               `json:"tokens_processed,omitempty"`
	EstimatedCompletion *int64              `json:"estimated_completion_time,omitempty"`
}

func toBatchDTO(j *batch.BatchJob) batchDTO {
	return batchDTO{
		ID:                  j.ID,
		Object:              "batch",
		Endpoint:            j.Endpoint,
		InputFileID:         j.InputFileID,
		OutputFileID:        j.OutputFileID,
		CompletionWindow:    j.CompletionWindow,
		Status:              j.Status,
		Model:               j.Model,
		Priority:            int(j.Priority),
		CreatedAt:           j.CreatedAt,
		ExpiresAt:           j.ExpiresAt,
		InProgressAt:        j.InProgressAt,
		FinalizingAt:        j.FinalizingAt,
		CompletedAt:         j.CompletedAt,
		FailedAt:            j.FailedAt,
		ExpiredAt:           j.ExpiredAt,
		CancellingAt:        j.CancellingAt,
		CancelledAt:         j.CancelledAt,
		RequestCounts:       j.RequestCounts(),
		Metadata:            j.MetadataJSON,
		Errors:              j.ErrorsJSON,
		TokensProcessed:     j.TokensProcessed,
		EstimatedCompletion: j.EstimatedCompletionTime,
	}
}

// --------------- POST /v1/files ---------------

func (a *API) filesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	a.handleUploadFile(w, r)
}

func (a *API) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "expected multipart/form-data with file and purpose fields")
		return
	}
	purpose := r.FormValue("purpose")
	if purpose == "" {
		purpose = string(batch.PurposeBatch)
	}
	if purpose != string(batch.PurposeBatch) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "purpose must be \"batch\"")
		return
	}

	upload, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "file field is required")
		return
	}
	defer upload.Close()

	f, err := a.Intake.IngestFile(ctx, upload, header.Filename)
	if err != nil {
		a.writeIntakeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileDTO(f))
}

// --------------- POST /v1/batches, GET /v1/batches ---------------

func (a *API) batchesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateBatch(w, r)
	case http.MethodGet:
		a.handleListBatches(w, r)
	default:
		http.NotFound(w, r)
	}
}

type createBatchRequest struct {
	InputFileID       string          `json:"input_file_id"`
	Endpoint          string          `json:"endpoint"`
	CompletionWindow  string          `json:"completion_window"`
	Model             string          `json:"model"`
	Metadata          json.RawMessage `json:"metadata"`
	Priority          *int            `json:"priority"`
	WebhookURL        string          `json:"webhook_url"`
	WebhookSecret     string          `json:"webhook_secret"`
	WebhookMaxRetries int             `json:"webhook_max_retries"`
	WebhookTimeout    int             `json:"webhook_timeout"`
	WebhookEvents     string          `json:"webhook_events"`
}

func (a *API) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_json", "request body could not be parsed as JSON")
		return
	}
	if strings.TrimSpace(req.InputFileID) == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "input_file_id is required")
		return
	}
	if strings.TrimSpace(req.CompletionWindow) == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "completion_window is required")
		return
	}

	priority := batch.PriorityNormal
	if req.Priority != nil {
		priority = batch.Priority(*req.Priority)
	}

	job, err := a.Intake.CreateBatch(ctx, intake.BatchRequest{
		InputFileID:       req.InputFileID,
		Endpoint:          req.Endpoint,
		CompletionWindow:  req.CompletionWindow,
		Model:             req.Model,
		Metadata:          req.Metadata,
		Priority:          priority,
		WebhookURL:        req.WebhookURL,
		WebhookSecret:     req.WebhookSecret,
		WebhookMaxRetries: req.WebhookMaxRetries,
		WebhookTimeout:    req.WebhookTimeout,
		WebhookEvents:     req.WebhookEvents,
	})
	if err != nil {
		a.writeIntakeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(job))
}

func (a *API) handleListBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var statusFilter *batch.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := batch.JobStatus(raw)
		if !s.Valid() {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "unrecognized status filter")
			return
		}
		statusFilter = &s
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := a.Store.ListJobs(ctx, statusFilter, limit)
	if err != nil {
		a.logf("list batches failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to list batches")
		return
	}

	dtos := make([]batchDTO, 0, len(jobs))
	for _, j := range jobs {
		dtos = append(dtos, toBatchDTO(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": dtos, "count": len(dtos)})
}

// --------------- GET/DELETE /v1/batches/{id}[/results] ---------------

func (a *API) batchByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/batches/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/results"); ok {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		a.handleResults(w, r, id)
		return
	}
	if strings.Contains(rest, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.handleGetBatch(w, r, rest)
	case http.MethodDelete:
		a.handleCancelBatch(w, r, rest)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleGetBatch(w http.ResponseWriter, r *http.Request, id string) {
	job, err := a.Store.GetJob(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "batch not found: %s", id)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(job))
}

func (a *API) handleCancelBatch(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	now := a.Now()

	var result *batch.BatchJob
	err := a.Store.UpdateJob(ctx, id, func(j *batch.BatchJob) error {
		switch j.Status {
		case batch.StatusValidating:
			j.Status = batch.StatusCancelled
			ts := now.Unix()
			j.CancelledAt = &ts
		case batch.StatusInProgress:
			j.Status = batch.StatusCancelling
			ts := now.Unix()
			j.CancellingAt = &ts
		default:
			return batch.ErrTerminalJob
		}
		result = j
		return nil
	})
	if errors.Is(err, batch.ErrTerminalJob) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "job is already terminal or not cancellable in its current state")
		return
	}
	if err != nil {
		a.writeStoreError(w, err, "batch not found: %s", id)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(result))
}

func (a *API) handleResults(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	job, err := a.Store.GetJob(ctx, id)
	if err != nil {
		a.writeStoreError(w, err, "batch not found: %s", id)
		return
	}
	if job.Status != batch.StatusCompleted || job.OutputFileID == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "results are only available once a batch has completed")
		return
	}

	f, err := a.Store.GetFile(ctx, *job.OutputFileID)
	if err != nil {
		a.writeStoreError(w, err, "output file not found: %s", *job.OutputFileID)
		return
	}

	file, err := os.Open(f.Path)
	if err != nil {
		a.logf("failed to open results file %s for batch %s: %v", f.Path, id, err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to open results file")
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	_, _ = io.Copy(w, file)
}

// --------------- GET /health ---------------

type healthResponse struct {
	Status string         `json:"status"`
	GPU    map[string]any `json:"gpu"`
	Worker map[string]any `json:"worker"`
	Queue  map[string]any `json:"queue"`
	Limits Limits         `json:"limits"`
}

func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	hb, err := a.Store.GetHeartbeat(ctx)
	if err != nil && !errors.Is(err, batch.ErrNotFound) {
		a.logf("health: get heartbeat failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to read heartbeat")
		return
	}

	active, queued, err := a.Store.AdmissionCounts(ctx)
	if err != nil {
		a.logf("health: admission counts failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to read queue state")
		return
	}

	status := "ok"
	worker := map[string]any{}
	gpu := map[string]any{}
	if hb != nil {
		worker["status"] = hb.Status
		worker["current_job_id"] = hb.CurrentJobID
		worker["loaded_model"] = hb.LoadedModel
		worker["last_seen"] = hb.LastSeen
		worker["stale"] = hb.Stale(a.Now())
		gpu["memory_percent"] = hb.GPUMemoryPercent
		gpu["temperature_c"] = hb.GPUTemperature
		if hb.Stale(a.Now()) {
			status = "degraded"
		}
	} else {
		status = "degraded"
		worker["status"] = "unknown"
	}

	resp := healthResponse{
		Status: status,
		GPU:    gpu,
		Worker: worker,
		Queue: map[string]any{
			"active_jobs":     active,
			"queued_requests": queued,
		},
		Limits: a.Limits,
	}
	writeJSON(w, http.StatusOK, resp)
}

// --------------- GET/POST /v1/admin/dead-letter ---------------

type deadLetterDTO struct {
	ID            int64  `json:"id"`
	BatchID       string `json:"batch_id"`
	WebhookURL    string `json:"webhook_url"`
	ErrorMessage  string `json:"error_message"`
	Attempts      int    `json:"attempts"`
	LastAttemptAt int64  `json:"last_attempt_at"`
	CreatedAt     int64  `json:"created_at"`
	RetriedAt     *int64 `json:"retried_at,omitempty"`
	RetrySuccess  *bool  `json:"retry_success,omitempty"`
}

func toDeadLetterDTO(e *batch.WebhookDeadLetter) deadLetterDTO {
	return deadLetterDTO{
		ID: e.ID, BatchID: e.BatchID, WebhookURL: e.WebhookURL, ErrorMessage: e.ErrorMessage,
		Attempts: e.Attempts, LastAttemptAt: e.LastAttemptAt, CreatedAt: e.CreatedAt,
		RetriedAt: e.RetriedAt, RetrySuccess: e.RetrySuccess,
	}
}

// deadLettersHandler implements GET /v1/admin/dead-letter: list every
// permanently-failed webhook delivery, newest first.
func (a *API) deadLettersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := a.Store.ListDeadLetter(r.Context(), limit)
	if err != nil {
		a.logf("list dead letters failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to list dead letters")
		return
	}
	dtos := make([]deadLetterDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toDeadLetterDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dtos, "count": len(dtos)})
}

// deadLetterRetryHandler implements POST /v1/admin/dead-letter/{id}/retry:
// re-attempts delivery of a dead-lettered payload once and records the
// outcome on the entry.
func (a *API) deadLetterRetryHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/dead-letter/")
	id, ok := strings.CutSuffix(rest, "/retry")
	if !ok || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	dlID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "dead letter id must be numeric")
		return
	}

	ctx := r.Context()
	entry, err := a.Store.GetDeadLetter(ctx, dlID)
	if err != nil {
		a.writeStoreError(w, err, "dead letter not found: %d", dlID)
		return
	}

	retryErr := a.Webhook.RetryDeadLetter(ctx, entry)
	success := retryErr == nil
	if err := a.Store.MarkDeadLetterRetry(ctx, dlID, success, a.Now()); err != nil {
		a.logf("mark dead letter retry failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to record retry outcome")
		return
	}

	entry.RetrySuccess = &success
	if !success {
		a.logf("dead letter %d retry failed: %v", dlID, retryErr)
	}
	writeJSON(w, http.StatusOK, toDeadLetterDTO(entry))
}

// --------------- error translation ---------------

func (a *API) writeIntakeError(w http.ResponseWriter, err error) {
	var aerr *intake.AdmissionError
	if errors.As(err, &aerr) {
		switch aerr.Kind {
		case intake.KindQueueFull, intake.KindQueuedRequestsFull:
			writeJSONError(w, http.StatusTooManyRequests, "queue_full", aerr.Message)
		case intake.KindGPUUnhealthy:
			writeJSONError(w, http.StatusServiceUnavailable, "gpu_unhealthy", aerr.Message)
		default:
			writeJSONError(w, http.StatusBadRequest, "invalid_request", aerr.Message)
		}
		return
	}
	a.logf("intake failed: %v", err)
	writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func (a *API) writeStoreError(w http.ResponseWriter, err error, notFoundFmt string, args ...any) {
	if errors.Is(err, batch.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf(notFoundFmt, args...))
		return
	}
	a.logf("store error: %v", err)
	writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")
}
