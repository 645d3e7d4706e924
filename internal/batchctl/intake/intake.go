// Package intake handles the two-step OpenAI-compatible upload surface:
// JSONL validation and atomic file placement on upload, then admission
// gating (queue depth, queued-request volume, GPU health) and BatchJob
// creation when a batch is requested against an already-uploaded file.
// Uploaded files are placed atomically: written to a temp file in the
// destination directory, fsync'd, closed, then renamed into place.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"batchctl/internal/batchctl/jsonl"
	"batchctl/internal/batchctl/metrics"
	"batchctl/internal/batchctl/model"
	"batchctl/pkg/batch"
)

// Store is the subset of store.Store Intake depends on.
type Store interface {
	AdmissionCounts(ctx context.Context) (activeJobs int, queuedRequests int, err error)
	CreateFile(ctx context.Context, f *batch.File) error
	GetFile(ctx context.Context, id string) (*batch.File, error)
	CreateJob(ctx context.Context, job *batch.BatchJob) error
}

// Limits are the admission-gate thresholds, sourced from configuration.
type Limits struct {
	MaxQueueDepth          int
	MaxTotalQueuedRequests int
	MaxRequestsPerJob      int
	GPUMemoryThreshold     float64
	GPUTempThreshold       float64
}

// AdmissionError distinguishes the admission rejection reasons so the
// HTTP layer can map each to its own status code (429 for queue, 503 for
// GPU, 400 for validation).
type AdmissionError struct {
	Kind    AdmissionKind
	Message string
}

// AdmissionKind enumerates the admission-gate failure categories.
type AdmissionKind int

const (
	KindQueueFull AdmissionKind = iota
	KindQueuedRequestsFull
	KindGPUUnhealthy
	KindValidation
)

func (e *AdmissionError) Error() string { return e.Message }

// BatchRequest is the JSON payload for POST /v1/batches.
type BatchRequest struct {
	InputFileID       string
	Endpoint          string
	CompletionWindow  string
	Model             string
	Metadata          json.RawMessage
	Priority          batch.Priority
	WebhookURL        string
	WebhookSecret     string
	WebhookMaxRetries int
	WebhookTimeout    int
	WebhookEvents     string
}

// Intake wires the Store, health probe, and on-disk layout together.
type Intake struct {
	store   Store
	health  model.Health
	limits  Limits
	dataDir string
	now     func() time.Time
}

// New builds an Intake. dataDir is the root under which
// <dataDir>/input/<file_id>.jsonl files are written.
func New(store Store, health model.Health, limits Limits, dataDir string) *Intake {
	return &Intake{store: store, health: health, limits: limits, dataDir: dataDir, now: time.Now}
}

// IngestFile implements POST /v1/files: validates the JSONL request file
// and persists it atomically, independent of any batch's admission state.
// No BatchJob is created here.
func (in *Intake) IngestFile(ctx context.Context, r io.Reader, filename string) (*batch.File, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	if _, err := jsonl.Parse(bytes.NewReader(raw), in.limits.MaxRequestsPerJob); err != nil {
		var perr *jsonl.ParseError
		if errors.As(err, &perr) {
			return nil, &AdmissionError{Kind: KindValidation, Message: perr.Error()}
		}
		return nil, &AdmissionError{Kind: KindValidation, Message: err.Error()}
	}

	fileID := "file-" + uuid.NewString()
	now := in.now()

	path, bytesWritten, err := in.writeInputFile(fileID, raw)
	if err != nil {
		return nil, fmt.Errorf("write input file: %w", err)
	}

	f := &batch.File{
		ID:        fileID,
		Filename:  filename,
		Bytes:     bytesWritten,
		Purpose:   batch.PurposeBatch,
		CreatedAt: now.Unix(),
		Path:      path,
	}
	if err := in.store.CreateFile(ctx, f); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("create file: %w", err)
	}
	return f, nil
}

// CreateBatch implements POST /v1/batches: runs the admission gates
// (queue depth, queued-request volume, GPU health) against an
// already-uploaded file and, on success, creates the BatchJob row.
func (in *Intake) CreateBatch(ctx context.Context, req BatchRequest) (*batch.BatchJob, error) {
	if req.Endpoint == "" {
		req.Endpoint = "/v1/chat/completions"
	}
	if req.Endpoint != "/v1/chat/completions" {
		return nil, &AdmissionError{Kind: KindValidation, Message: "endpoint must be /v1/chat/completions"}
	}
	if !req.Priority.Valid() {
		return nil, &AdmissionError{Kind: KindValidation, Message: "priority must be one of -1, 0, 1"}
	}

	active, queued, err := in.store.AdmissionCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("admission counts: %w", err)
	}
	if active >= in.limits.MaxQueueDepth {
		return nil, &AdmissionError{Kind: KindQueueFull, Message: "queue full"}
	}
	if queued >= in.limits.MaxTotalQueuedRequests {
		return nil, &AdmissionError{Kind: KindQueuedRequestsFull, Message: "too many queued requests"}
	}

	snap, err := in.health.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read health probe: %w", err)
	}
	if snap.MemoryPercent >= in.limits.GPUMemoryThreshold {
		return nil, &AdmissionError{Kind: KindGPUUnhealthy, Message: fmt.Sprintf("gpu memory at %.1f%%, threshold %.1f%%", snap.MemoryPercent, in.limits.GPUMemoryThreshold)}
	}
	if snap.TemperatureC >= in.limits.GPUTempThreshold {
		return nil, &AdmissionError{Kind: KindGPUUnhealthy, Message: fmt.Sprintf("gpu temperature at %.1fC, threshold %.1fC", snap.TemperatureC, in.limits.GPUTempThreshold)}
	}

	f, err := in.store.GetFile(ctx, req.InputFileID)
	if err != nil {
		return nil, &AdmissionError{Kind: KindValidation, Message: fmt.Sprintf("unknown input_file_id: %s", req.InputFileID)}
	}
	if f.Deleted {
		return nil, &AdmissionError{Kind: KindValidation, Message: fmt.Sprintf("input_file_id has been deleted: %s", req.InputFileID)}
	}

	total, err := countRequests(f.Path)
	if err != nil {
		return nil, fmt.Errorf("count requests in %s: %w", f.Path, err)
	}
	if total > in.limits.MaxRequestsPerJob {
		return nil, &AdmissionError{Kind: KindValidation, Message: fmt.Sprintf("file contains %d requests, exceeds limit of %d", total, in.limits.MaxRequestsPerJob)}
	}

	now := in.now()
	window := req.CompletionWindow
	if window == "" {
		window = "24h"
	}
	expiresAt, err := addWindow(now, window)
	if err != nil {
		return nil, &AdmissionError{Kind: KindValidation, Message: fmt.Sprintf("invalid completion_window: %v", err)}
	}

	job := &batch.BatchJob{
		ID:                "batch-" + uuid.NewString(),
		InputFileID:       f.ID,
		Endpoint:          req.Endpoint,
		CompletionWindow:  window,
		Status:            batch.StatusValidating,
		CreatedAt:         now.Unix(),
		ExpiresAt:         expiresAt.Unix(),
		TotalRequests:     total,
		Priority:          req.Priority,
		Model:             req.Model,
		MetadataJSON:      req.Metadata,
		WebhookURL:        req.WebhookURL,
		WebhookSecret:     req.WebhookSecret,
		WebhookMaxRetries: req.WebhookMaxRetries,
		WebhookTimeout:    req.WebhookTimeout,
		WebhookEvents:     req.WebhookEvents,
	}
	if job.WebhookMaxRetries == 0 {
		job.WebhookMaxRetries = 3
	}
	if job.WebhookTimeout == 0 {
		job.WebhookTimeout = 30
	}

	if err := in.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJobSubmitted(job.Endpoint)
	return job, nil
}

func countRequests(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return jsonl.CountLines(f)
}

// writeInputFile writes raw to <dataDir>/input/<fileID>.jsonl atomically
// (temp file + fsync + rename).
func (in *Intake) writeInputFile(fileID string, raw []byte) (path string, n int64, err error) {
	dir := filepath.Join(in.dataDir, "input")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("mkdir input dir: %w", err)
	}
	path = filepath.Join(dir, fileID+".jsonl")

	tmp, err := os.CreateTemp(dir, "."+fileID+".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	written, err := tmp.Write(raw)
	if err != nil {
		return "", 0, fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", 0, fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", 0, fmt.Errorf("rename temp into place: %w", err)
	}
	return path, int64(written), nil
}

// addWindow parses window (e.g. "24h") with the standard library's
// duration grammar.
func addWindow(now time.Time, window string) (time.Time, error) {
	d, err := time.ParseDuration(window)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(d), nil
}

