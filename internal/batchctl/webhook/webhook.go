// Package webhook delivers HMAC-signed completion and failure
// notifications with bounded exponential-backoff retry, recording
// deliveries that exhaust their retry budget in a dead-letter queue.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"batchctl/internal/batchctl/metrics"
	"batchctl/pkg/batch"
)

// Store is the subset of store.Store the Dispatcher depends on.
type Store interface {
	GetJob(ctx context.Context, id string) (*batch.BatchJob, error)
	UpdateJob(ctx context.Context, id string, mutate func(*batch.BatchJob) error) error
	EnqueueDeadLetter(ctx context.Context, entry *batch.WebhookDeadLetter) error
}

// Config controls default retry/timeout behavior when a job doesn't
// override them.
type Config struct {
	DefaultMaxRetries int
	DefaultTimeout    time.Duration
	GlobalSecret      string
}

// Dispatcher delivers webhook notifications for completed/failed jobs.
type Dispatcher struct {
	store  Store
	client *http.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Dispatcher.
func New(store Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{},
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Payload is the webhook wire shape.
type Payload struct {
	ID            string              `json:"id"`
	Object        string              `json:"object"`
	Endpoint      string              `json:"endpoint"`
	Status        string              `json:"status"`
	CreatedAt     int64               `json:"created_at"`
	CompletedAt   *int64              `json:"completed_at"`
	RequestCounts batch.RequestCounts `json:"request_counts"`
	Metadata      json.RawMessage     `json:"metadata"`
	OutputFileURL *string             `json:"output_file_url"`
	ErrorFileURL  *string             `json:"error_file_url"`
}

// Notify is the background-task entry point. It holds only a job ID and
// re-reads job state from the Store, so no mutable job reference is
// shared across tasks; it builds and signs the payload and retries
// delivery with exponential backoff.
func (d *Dispatcher) Notify(ctx context.Context, jobID string) {
	log := d.logger.With(slog.String("batch_id", jobID))

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("webhook: reread job failed", "error", err)
		return
	}
	if job.WebhookURL == "" {
		return
	}

	payload, err := d.buildPayload(job)
	if err != nil {
		log.Error("webhook: build payload failed", "error", err)
		return
	}
	canonical, err := canonicalJSON(payload)
	if err != nil {
		log.Error("webhook: canonicalize payload failed", "error", err)
		return
	}

	secret := job.WebhookSecret
	if secret == "" {
		secret = d.cfg.GlobalSecret
	}

	maxRetries := job.WebhookMaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.DefaultMaxRetries
	}
	timeout := time.Duration(job.WebhookTimeout) * time.Second
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	attempts, lastErr := d.deliverWithRetry(ctx, job.WebhookURL, canonical, secret, timeout, maxRetries, log)

	now := d.now()
	if lastErr == nil {
		if err := d.store.UpdateJob(ctx, jobID, func(j *batch.BatchJob) error {
			j.WebhookStatus = batch.WebhookStatusSent
			j.WebhookAttempts = attempts
			ts := now.Unix()
			j.WebhookLastAttempt = &ts
			j.WebhookError = ""
			return nil
		}); err != nil {
			log.Error("webhook: persist success failed", "error", err)
		}
		metrics.ObserveWebhookDelivery("sent", attempts)
		log.Info("webhook delivered", "attempts", attempts)
		return
	}

	if err := d.store.UpdateJob(ctx, jobID, func(j *batch.BatchJob) error {
		j.WebhookStatus = batch.WebhookStatusFailed
		j.WebhookAttempts = attempts
		ts := now.Unix()
		j.WebhookLastAttempt = &ts
		j.WebhookError = lastErr.Error()
		return nil
	}); err != nil {
		log.Error("webhook: persist failure failed", "error", err)
	}

	if err := d.store.EnqueueDeadLetter(ctx, &batch.WebhookDeadLetter{
		BatchID:       jobID,
		WebhookURL:    job.WebhookURL,
		Payload:       string(canonical),
		ErrorMessage:  lastErr.Error(),
		Attempts:      attempts,
		LastAttemptAt: now.Unix(),
		CreatedAt:     now.Unix(),
	}); err != nil {
		log.Error("webhook: enqueue dead letter failed", "error", err)
	}
	metrics.ObserveWebhookDelivery("failed", attempts)
	log.Warn("webhook exhausted retries, dead-lettered", "attempts", attempts, "error", lastErr)
}

// RetryDeadLetter re-attempts delivery of a dead-lettered entry's stored
// payload exactly once, on explicit administrative request. It uses the
// secret currently configured on the entry's originating job, falling back to the
// dispatcher's global secret if the job has none (e.g. it was later
// edited or deleted).
func (d *Dispatcher) RetryDeadLetter(ctx context.Context, entry *batch.WebhookDeadLetter) error {
	secret := d.cfg.GlobalSecret
	if job, err := d.store.GetJob(ctx, entry.BatchID); err == nil && job.WebhookSecret != "" {
		secret = job.WebhookSecret
	}
	log := d.logger.With(slog.String("batch_id", entry.BatchID), slog.Int64("dead_letter_id", entry.ID))
	_, err := d.deliverWithRetry(ctx, entry.WebhookURL, []byte(entry.Payload), secret, d.cfg.DefaultTimeout, 1, log)
	return err
}

func (d *Dispatcher) buildPayload(job *batch.BatchJob) (Payload, error) {
	metadata := job.MetadataJSON
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	var outputURL, errorURL *string
	if job.Status == batch.StatusCompleted {
		u := fmt.Sprintf("/v1/batches/%s/results", job.ID)
		outputURL = &u
	}
	if job.FailedRequests > 0 {
		u := fmt.Sprintf("/v1/batches/%s/errors", job.ID)
		errorURL = &u
	}
	return Payload{
		ID:            job.ID,
		Object:        "batch",
		Endpoint:      job.Endpoint,
		Status:        string(job.Status),
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.CompletedAt,
		RequestCounts: job.RequestCounts(),
		Metadata:      metadata,
		OutputFileURL: outputURL,
		ErrorFileURL:  errorURL,
	}, nil
}

// canonicalJSON serializes v with sorted object keys so the signature is
// stable regardless of field ordering on either side.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// Sign computes HMAC-SHA256(secret, payload) and returns the hex digest.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig (hex-encoded, with or without the
// "sha256=" prefix) matches HMAC-SHA256(secret, payload) and the
// timestamp falls within the 300s replay window. Comparison is
// constant-time.
func Verify(payload []byte, secret, sig string, timestamp, now int64) bool {
	const sha256Prefix = "sha256="
	if len(sig) > len(sha256Prefix) && sig[:len(sha256Prefix)] == sha256Prefix {
		sig = sig[len(sha256Prefix):]
	}
	want := Sign(payload, secret)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
		return false
	}
	skew := now - timestamp
	if skew < 0 {
		skew = -skew
	}
	const replayWindowSeconds = 300
	return skew <= replayWindowSeconds
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, url string, payload []byte, secret string, timeout time.Duration, maxRetries int, log *slog.Logger) (attempts int, lastErr error) {
	const baseDelay = time.Second

	sig := Sign(payload, secret)
	ts := d.now().Unix()

	for attempt := 1; attempt <= maxRetries; attempt++ {
		attempts = attempt

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			cancel()
			return attempts, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Signature", "sha256="+sig)
		req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", ts))

		resp, err := d.client.Do(req)
		cancel()

		if err == nil && isSuccess(resp.StatusCode) {
			resp.Body.Close()
			return attempts, nil
		}
		if resp != nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt == maxRetries {
			break
		}

		// 2^(attempt-1) seconds: 1s, 2s, 4s ... no ceiling.
		delay := baseDelay * time.Duration(1<<(attempt-1))
		log.Warn("webhook attempt failed, retrying", "attempt", attempt, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("webhook delivery failed after %d attempts", attempts)
	}
	return attempts, lastErr
}

func isSuccess(code int) bool {
	switch code {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return true
	default:
		return false
	}
}
