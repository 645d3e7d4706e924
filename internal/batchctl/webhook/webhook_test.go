package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"batchctl/pkg/batch"
)

type memStore struct {
	mu         sync.Mutex
	jobs       map[string]*batch.BatchJob
	deadLetter []*batch.WebhookDeadLetter
}

func newMemStore(job *batch.BatchJob) *memStore {
	return &memStore{jobs: map[string]*batch.BatchJob{job.ID: job}}
}

func (s *memStore) GetJob(ctx context.Context, id string) (*batch.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, batch.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) UpdateJob(ctx context.Context, id string, mutate func(*batch.BatchJob) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return batch.ErrNotFound
	}
	return mutate(j)
}

func (s *memStore) EnqueueDeadLetter(ctx context.Context, e *batch.WebhookDeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetter = append(s.deadLetter, e)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sig := Sign(payload, "s3cret")
	now := time.Now().Unix()
	if !Verify(payload, "s3cret", "sha256="+sig, now, now) {
		t.Error("expected verify to succeed with matching secret")
	}
	if Verify(payload, "other-secret", "sha256="+sig, now, now) {
		t.Error("expected verify to fail with mismatched secret")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sig := Sign(payload, "s3cret")
	now := time.Now().Unix()
	old := now - 301
	if Verify(payload, "s3cret", sig, old, now) {
		t.Error("expected verify to reject timestamp outside replay window")
	}
}

func TestNotifyDeliversAndMarksSent(t *testing.T) {
	var gotSig, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotTS = r.Header.Get("X-Webhook-Timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := &batch.BatchJob{
		ID: "batch_1", Status: batch.StatusCompleted, WebhookURL: srv.URL,
		WebhookSecret: "s3cret", WebhookMaxRetries: 3, WebhookTimeout: 5,
		TotalRequests: 3, CompletedRequests: 3,
	}
	store := newMemStore(job)
	d := New(store, Config{}, testLogger())
	d.Notify(context.Background(), "batch_1")

	got, err := store.GetJob(context.Background(), "batch_1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.WebhookStatus != batch.WebhookStatusSent {
		t.Errorf("WebhookStatus = %s, want sent", got.WebhookStatus)
	}
	if got.WebhookAttempts != 1 {
		t.Errorf("WebhookAttempts = %d, want 1", got.WebhookAttempts)
	}
	if gotSig == "" || gotTS == "" {
		t.Error("expected signature and timestamp headers to be set")
	}
	if len(store.deadLetter) != 0 {
		t.Error("no dead-letter row expected on success")
	}
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := &batch.BatchJob{
		ID: "batch_1", Status: batch.StatusCompleted, WebhookURL: srv.URL,
		WebhookMaxRetries: 3, WebhookTimeout: 5,
	}
	store := newMemStore(job)
	d := New(store, Config{}, testLogger())

	start := time.Now()
	d.Notify(context.Background(), "batch_1")
	elapsed := time.Since(start)

	got, err := store.GetJob(context.Background(), "batch_1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.WebhookStatus != batch.WebhookStatusSent {
		t.Errorf("WebhookStatus = %s, want sent", got.WebhookStatus)
	}
	if got.WebhookAttempts != 2 {
		t.Errorf("WebhookAttempts = %d, want 2", got.WebhookAttempts)
	}
	if elapsed < time.Second {
		t.Errorf("elapsed = %v, want >= 1s backoff before second attempt", elapsed)
	}
}

func TestNotifyExhaustsRetriesAndDeadLetters(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	job := &batch.BatchJob{
		ID: "batch_1", Status: batch.StatusCompleted, WebhookURL: srv.URL,
		WebhookMaxRetries: 3, WebhookTimeout: 5,
	}
	store := newMemStore(job)
	d := New(store, Config{}, testLogger())
	d.Notify(context.Background(), "batch_1")

	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	got, err := store.GetJob(context.Background(), "batch_1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.WebhookStatus != batch.WebhookStatusFailed {
		t.Errorf("WebhookStatus = %s, want failed", got.WebhookStatus)
	}
	if got.WebhookAttempts != 3 {
		t.Errorf("WebhookAttempts = %d, want 3", got.WebhookAttempts)
	}
	if len(store.deadLetter) != 1 {
		t.Fatalf("len(deadLetter) = %d, want 1", len(store.deadLetter))
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(store.deadLetter[0].Payload), &decoded); err != nil {
		t.Fatalf("dead letter payload not valid JSON: %v", err)
	}
}

func TestNotifySkipsWhenNoWebhookURL(t *testing.T) {
	job := &batch.BatchJob{ID: "batch_1", Status: batch.StatusCompleted}
	store := newMemStore(job)
	d := New(store, Config{}, testLogger())
	d.Notify(context.Background(), "batch_1")

	if len(store.deadLetter) != 0 {
		t.Error("expected no dead-letter row when webhook_url is empty")
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	b, err := canonicalJSON(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	if string(b) != `{"a":2,"b":1}` {
		t.Errorf("canonicalJSON = %s, want sorted keys", b)
	}
}
