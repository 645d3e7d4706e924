// Package runner executes batch jobs one at a time: it manages model
// loading, streams fixed-size chunks of requests through the inference
// backend, appends fsync'd result lines so a crashed job resumes at the
// next unwritten request, and transitions the job to its terminal state.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"batchctl/internal/batchctl/jsonl"
	"batchctl/internal/batchctl/metrics"
	"batchctl/internal/batchctl/model"
	"batchctl/pkg/batch"
)

// Store is the subset of store.Store the Runner depends on.
type Store interface {
	GetJob(ctx context.Context, id string) (*batch.BatchJob, error)
	UpdateJob(ctx context.Context, id string, mutate func(*batch.BatchJob) error) error
	UpsertHeartbeat(ctx context.Context, mutate func(*batch.WorkerHeartbeat)) error
	GetHeartbeat(ctx context.Context) (*batch.WorkerHeartbeat, error)
	CreateFile(ctx context.Context, f *batch.File) error
}

// WebhookNotifier is invoked with a completed or failed job's ID; the
// dispatcher re-reads job state from the Store to build the payload, so
// no mutable job reference is shared across tasks.
type WebhookNotifier interface {
	Notify(ctx context.Context, jobID string)
}

// Config controls chunk sizing and sampling, sourced from configuration.
type Config struct {
	ChunkSize int
	DataDir   string
	Sampling  model.SamplingParams
}

// gpuMemoryChunkTiers shrinks the chunk size as GPU memory fills:
// >70% caps at 3000, >80% at 1000, >90% at 500.
var gpuMemoryChunkTiers = []struct {
	threshold float64
	chunkSize int
}{
	{90, 500},
	{80, 1000},
	{70, 3000},
}

// effectiveChunkSize applies the dynamic reduction rule on top of the
// configured default.
func effectiveChunkSize(configured int, memPercent float64) int {
	for _, tier := range gpuMemoryChunkTiers {
		if memPercent > tier.threshold && tier.chunkSize < configured {
			return tier.chunkSize
		}
	}
	return configured
}

// Runner executes exactly one job at a time.
type Runner struct {
	store   Store
	model   model.Runner
	health  model.Health
	webhook WebhookNotifier
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Runner.
func New(store Store, modelRunner model.Runner, health model.Health, webhook WebhookNotifier, cfg Config, logger *slog.Logger) *Runner {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 5000
	}
	return &Runner{store: store, model: modelRunner, health: health, webhook: webhook, cfg: cfg, logger: logger, now: time.Now}
}

func (r *Runner) inputPath(job *batch.BatchJob) string {
	return filepath.Join(r.cfg.DataDir, "input", job.InputFileID+".jsonl")
}

func (r *Runner) outputPath(job *batch.BatchJob) string {
	return filepath.Join(r.cfg.DataDir, "output", job.ID+"_results.jsonl")
}

// Process runs job to a terminal state (completed, failed, or cancelled).
// It never returns an error that the caller must propagate: every failure
// mode is translated into a job-state transition and logged, so a bad job
// cannot wedge the scheduler loop.
func (r *Runner) Process(ctx context.Context, job *batch.BatchJob) {
	log := r.logger.With(slog.String("batch_id", job.ID))
	log.Info("processing job", "model", job.Model, "total_requests", job.TotalRequests)

	if err := r.ensureModelLoaded(ctx, job); err != nil {
		r.fail(ctx, log, job.ID, fmt.Errorf("model load: %w", err))
		return
	}

	requests, err := r.loadRequests(job)
	if err != nil {
		r.fail(ctx, log, job.ID, fmt.Errorf("load requests: %w", err))
		return
	}

	resumeFrom, err := r.resumePoint(job)
	if err != nil {
		r.fail(ctx, log, job.ID, fmt.Errorf("resume point: %w", err))
		return
	}
	if resumeFrom > 0 {
		log.Info("resuming job", "resume_from", resumeFrom)
		if err := r.store.UpdateJob(ctx, job.ID, func(j *batch.BatchJob) error {
			j.CompletedRequests = resumeFrom
			return nil
		}); err != nil {
			r.fail(ctx, log, job.ID, fmt.Errorf("persist resume point: %w", err))
			return
		}
	}
	if resumeFrom >= len(requests) {
		if err := r.finalize(ctx, log, job.ID, len(requests), 0, 0); err != nil {
			r.fail(ctx, log, job.ID, fmt.Errorf("finalize: %w", err))
		}
		return
	}

	if err := os.MkdirAll(filepath.Dir(r.outputPath(job)), 0o755); err != nil {
		r.fail(ctx, log, job.ID, fmt.Errorf("create output dir: %w", err))
		return
	}
	outFile, err := os.OpenFile(r.outputPath(job), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.fail(ctx, log, job.ID, fmt.Errorf("open output file: %w", err))
		return
	}
	defer outFile.Close()

	inferenceStart := r.now()
	processed := resumeFrom
	total := len(requests)
	var runTokens int64

	for processed < total {
		cur, err := r.store.GetJob(ctx, job.ID)
		if err != nil {
			r.fail(ctx, log, job.ID, fmt.Errorf("reread job: %w", err))
			return
		}
		if cur.Status == batch.StatusCancelling {
			if err := r.store.UpdateJob(ctx, job.ID, func(j *batch.BatchJob) error {
				j.Status = batch.StatusCancelled
				return nil
			}); err != nil {
				log.Error("transition to cancelled failed", "error", err)
			}
			log.Info("job cancelled between chunks", "completed_requests", processed)
			metrics.ObserveJobTerminal(string(batch.StatusCancelled), cur.CreatedAt, r.now().Unix())
			return
		}

		snap, err := r.health.Read(ctx)
		chunkSize := r.cfg.ChunkSize
		if err == nil {
			chunkSize = effectiveChunkSize(r.cfg.ChunkSize, snap.MemoryPercent)
		}
		end := processed + chunkSize
		if end > total {
			end = total
		}
		chunk := requests[processed:end]

		chunkStart := r.now()
		outputs, err := r.runChunk(ctx, job.Model, chunk)
		if err != nil {
			r.fail(ctx, log, job.ID, fmt.Errorf("chunk inference: %w", err))
			return
		}

		chunkTokens, err := r.writeChunkResults(outFile, job.Model, chunk, outputs)
		if err != nil {
			r.fail(ctx, log, job.ID, fmt.Errorf("write chunk results: %w", err))
			return
		}
		metrics.ObserveChunk(r.now().Sub(chunkStart), int(chunkTokens))

		processed = end
		runTokens += chunkTokens
		now := r.now()
		if err := r.store.UpdateJob(ctx, job.ID, func(j *batch.BatchJob) error {
			j.CompletedRequests = processed
			j.TokensProcessed += chunkTokens
			ts := now.Unix()
			j.LastProgressUpdate = &ts
			j.EstimatedCompletionTime = estimatedCompletion(now, inferenceStart, processed-resumeFrom, total-resumeFrom)
			return nil
		}); err != nil {
			r.fail(ctx, log, job.ID, fmt.Errorf("persist chunk progress: %w", err))
			return
		}
		if err := r.store.UpsertHeartbeat(ctx, func(h *batch.WorkerHeartbeat) {
			h.Status = batch.HeartbeatProcessing
			jobID := job.ID
			h.CurrentJobID = &jobID
			h.LastSeen = now.Unix()
		}); err != nil {
			log.Warn("heartbeat update failed", "error", err)
		}
		log.Info("chunk committed", "completed_requests", processed, "total_requests", total)
	}

	if err := r.finalize(ctx, log, job.ID, total, runTokens, r.now().Sub(inferenceStart)); err != nil {
		r.fail(ctx, log, job.ID, fmt.Errorf("finalize: %w", err))
	}
}

// ensureModelLoaded loads job.Model only if it differs from the currently
// loaded model; a load can take seconds, so back-to-back jobs on the same
// model skip it entirely.
func (r *Runner) ensureModelLoaded(ctx context.Context, job *batch.BatchJob) error {
	hb, err := r.store.GetHeartbeat(ctx)
	if err != nil && !errors.Is(err, batch.ErrNotFound) {
		return fmt.Errorf("read heartbeat: %w", err)
	}
	if hb != nil && hb.LoadedModel != nil && *hb.LoadedModel == job.Model {
		return nil
	}
	if hb != nil && hb.LoadedModel != nil {
		if err := r.model.Unload(ctx); err != nil {
			return fmt.Errorf("unload %s: %w", *hb.LoadedModel, err)
		}
	}
	if err := r.model.Load(ctx, job.Model); err != nil {
		return fmt.Errorf("load %s: %w", job.Model, err)
	}
	now := r.now()
	return r.store.UpsertHeartbeat(ctx, func(h *batch.WorkerHeartbeat) {
		model := job.Model
		h.LoadedModel = &model
		ts := now.Unix()
		h.ModelLoadedAt = &ts
		h.LastSeen = ts
	})
}

func (r *Runner) loadRequests(job *batch.BatchJob) ([]jsonl.Request, error) {
	f, err := os.Open(r.inputPath(job))
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	defer f.Close()
	reqs, err := jsonl.Parse(f, 0)
	if err != nil {
		return nil, fmt.Errorf("parse input file: %w", err)
	}
	return reqs, nil
}

// resumePoint counts non-blank lines already on disk in the output file.
// The filesystem is authoritative here; the database's completed_requests
// is advisory, since a crash can land between fsync and the progress
// transaction.
func (r *Runner) resumePoint(job *batch.BatchJob) (int, error) {
	f, err := os.Open(r.outputPath(job))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()
	return jsonl.CountLines(f)
}

func (r *Runner) runChunk(ctx context.Context, modelID string, chunk []jsonl.Request) ([]model.Output, error) {
	prompts := make([]string, len(chunk))
	for i, req := range chunk {
		prompts[i] = serializePrompt(req)
	}
	return r.model.Generate(ctx, prompts, r.cfg.Sampling)
}

// serializePrompt builds a canonical role-tagged prompt from a request's
// messages, one "role: content" line per message.
func serializePrompt(req jsonl.Request) string {
	var b []byte
	for _, m := range req.Body.Messages {
		b = append(b, []byte(m.Role+": "+m.Content+"\n")...)
	}
	return string(b)
}

// writeChunkResults appends one result line per output, fsyncs once after
// the whole chunk, and returns the total tokens processed.
func (r *Runner) writeChunkResults(f *os.File, modelID string, chunk []jsonl.Request, outputs []model.Output) (int64, error) {
	if len(outputs) != len(chunk) {
		return 0, fmt.Errorf("model returned %d outputs for %d requests", len(outputs), len(chunk))
	}
	now := r.now()
	var tokens int64
	for i, req := range chunk {
		out := outputs[i]
		res := jsonl.Result{
			ID:       "batch_req_" + uuid.NewString(),
			CustomID: req.CustomID,
			Response: &jsonl.Response{
				StatusCode: 200,
				RequestID:  uuid.NewString(),
				Body: jsonl.ResultBody{
					ID:      "chatcmpl-" + uuid.NewString(),
					Object:  "chat.completion",
					Created: now.Unix(),
					Model:   modelID,
					Choices: []jsonl.Choice{{
						Index:        0,
						Message:      jsonl.Message{Role: "assistant", Content: out.Content},
						FinishReason: out.FinishReason,
					}},
					Usage: jsonl.Usage{
						PromptTokens:     out.PromptTokens,
						CompletionTokens: out.CompletionTokens,
						TotalTokens:      out.PromptTokens + out.CompletionTokens,
					},
				},
			},
		}
		line, err := jsonl.MarshalLine(res)
		if err != nil {
			return tokens, fmt.Errorf("marshal result: %w", err)
		}
		if _, err := f.Write(line); err != nil {
			return tokens, fmt.Errorf("write result: %w", err)
		}
		tokens += int64(out.PromptTokens + out.CompletionTokens)
	}
	if err := f.Sync(); err != nil {
		return tokens, fmt.Errorf("sync output file: %w", err)
	}
	return tokens, nil
}

// finalize creates the output File row and transitions the job through
// finalizing to completed. Inference time covers only this run's chunk
// loop; model load is excluded from the throughput figure.
func (r *Runner) finalize(ctx context.Context, log *slog.Logger, jobID string, total int, runTokens int64, inference time.Duration) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reread job: %w", err)
	}
	if job.Status == batch.StatusCancelled || job.Status == batch.StatusFailed {
		return nil
	}

	info, err := os.Stat(r.outputPath(job))
	if err != nil {
		return fmt.Errorf("stat output file: %w", err)
	}
	outFileID := "file-" + uuid.NewString()
	now := r.now()
	if err := r.store.CreateFile(ctx, &batch.File{
		ID:        outFileID,
		Filename:  jobID + "_results.jsonl",
		Bytes:     info.Size(),
		Purpose:   batch.PurposeBatchOutput,
		CreatedAt: now.Unix(),
		Path:      r.outputPath(job),
	}); err != nil {
		return fmt.Errorf("create output file row: %w", err)
	}

	if err := r.store.UpdateJob(ctx, jobID, func(j *batch.BatchJob) error {
		j.Status = batch.StatusFinalizing
		return nil
	}); err != nil {
		return fmt.Errorf("transition to finalizing: %w", err)
	}

	if err := r.store.UpdateJob(ctx, jobID, func(j *batch.BatchJob) error {
		j.Status = batch.StatusCompleted
		j.OutputFileID = &outFileID
		j.FailedRequests = total - j.CompletedRequests
		ts := now.Unix()
		j.CompletedAt = &ts
		return nil
	}); err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}

	throughput := 0.0
	if secs := inference.Seconds(); secs > 0 {
		throughput = float64(runTokens) / secs
	}
	log.Info("job completed", "total_requests", total, "total_tokens", runTokens, "throughput_tokens_per_sec", throughput)
	metrics.ObserveJobTerminal(string(batch.StatusCompleted), job.CreatedAt, now.Unix())

	if job.WebhookURL != "" && r.webhook != nil {
		r.webhook.Notify(ctx, jobID)
	}
	return nil
}

// fail transitions the job to failed and records the error message, never
// propagating the error to the Scheduler's loop.
func (r *Runner) fail(ctx context.Context, log *slog.Logger, jobID string, cause error) {
	log.Error("job failed", "error", cause)
	errJSON, _ := json.Marshal(map[string]string{"message": cause.Error()})
	now := r.now()
	var createdAt int64
	err := r.store.UpdateJob(ctx, jobID, func(j *batch.BatchJob) error {
		j.Status = batch.StatusFailed
		j.ErrorsJSON = errJSON
		ts := now.Unix()
		j.FailedAt = &ts
		createdAt = j.CreatedAt
		return nil
	})
	if err != nil {
		log.Error("failed to persist failure transition", "error", err)
	}
	metrics.ObserveJobTerminal(string(batch.StatusFailed), createdAt, now.Unix())
	if r.webhook != nil {
		r.webhook.Notify(ctx, jobID)
	}
}

// estimatedCompletion extrapolates the remaining time from the average
// per-request pace so far; k and remaining are counted from the resume
// point, not from zero, since elapsed only covers work done in this run.
func estimatedCompletion(now, inferenceStart time.Time, k, remaining int) *int64 {
	if k <= 0 {
		return nil
	}
	elapsed := now.Sub(inferenceStart).Seconds()
	perItem := elapsed / float64(k)
	toGo := remaining - k
	if toGo < 0 {
		toGo = 0
	}
	eta := now.Add(time.Duration(perItem*float64(toGo)) * time.Second).Unix()
	return &eta
}
