package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"batchctl/internal/batchctl/adminauth"
	"batchctl/internal/batchctl/intake"
	"batchctl/internal/batchctl/model"
	"batchctl/pkg/batch"
)

// fakeStore backs both api.Store and intake.Store, mirroring the combined
// role store.Store plays in production.
type fakeStore struct {
	files      map[string]*batch.File
	jobs       map[string]*batch.BatchJob
	heartbeat  *batch.WorkerHeartbeat
	deadLetter map[int64]*batch.WebhookDeadLetter
	active     int
	queued     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:      map[string]*batch.File{},
		jobs:       map[string]*batch.BatchJob{},
		deadLetter: map[int64]*batch.WebhookDeadLetter{},
	}
}

func (s *fakeStore) AdmissionCounts(ctx context.Context) (int, int, error) { return s.active, s.queued, nil }

func (s *fakeStore) CreateFile(ctx context.Context, f *batch.File) error {
	s.files[f.ID] = f
	return nil
}

func (s *fakeStore) GetFile(ctx context.Context, id string) (*batch.File, error) {
	f, ok := s.files[id]
	if !ok {
		return nil, batch.ErrNotFound
	}
	return f, nil
}

func (s *fakeStore) CreateJob(ctx context.Context, job *batch.BatchJob) error {
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) GetJob(ctx context.Context, id string) (*batch.BatchJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, batch.ErrNotFound
	}
	return j, nil
}

func (s *fakeStore) ListJobs(ctx context.Context, status *batch.JobStatus, limit int) ([]*batch.BatchJob, error) {
	var out []*batch.BatchJob
	for _, j := range s.jobs {
		if status != nil && j.Status != *status {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *fakeStore) UpdateJob(ctx context.Context, id string, mutate func(*batch.BatchJob) error) error {
	j, ok := s.jobs[id]
	if !ok {
		return batch.ErrNotFound
	}
	return mutate(j)
}

func (s *fakeStore) GetHeartbeat(ctx context.Context) (*batch.WorkerHeartbeat, error) {
	if s.heartbeat == nil {
		return nil, batch.ErrNotFound
	}
	return s.heartbeat, nil
}

func (s *fakeStore) ListDeadLetter(ctx context.Context, limit int) ([]*batch.WebhookDeadLetter, error) {
	var out []*batch.WebhookDeadLetter
	for _, e := range s.deadLetter {
		out = append(out, e)
	}
	return out, nil
}

func (s *fakeStore) GetDeadLetter(ctx context.Context, id int64) (*batch.WebhookDeadLetter, error) {
	e, ok := s.deadLetter[id]
	if !ok {
		return nil, batch.ErrNotFound
	}
	return e, nil
}

func (s *fakeStore) MarkDeadLetterRetry(ctx context.Context, id int64, success bool, now time.Time) error {
	e, ok := s.deadLetter[id]
	if !ok {
		return batch.ErrNotFound
	}
	ts := now.Unix()
	e.RetriedAt = &ts
	e.RetrySuccess = &success
	return nil
}

type fakeHealth struct{ snap model.HealthSnapshot }

func (h *fakeHealth) Read(ctx context.Context) (model.HealthSnapshot, error) { return h.snap, nil }

type fakeNotifier struct {
	retried    []int64
	retryError error
}

func (n *fakeNotifier) Notify(ctx context.Context, jobID string) {}

func (n *fakeNotifier) RetryDeadLetter(ctx context.Context, entry *batch.WebhookDeadLetter) error {
	n.retried = append(n.retried, entry.ID)
	return n.retryError
}

func defaultLimits() Limits {
	return Limits{MaxQueueDepth: 20, MaxTotalQueuedRequests: 1_000_000, MaxRequestsPerJob: 50000, GPUMemoryThreshold: 95, GPUTempThreshold: 85}
}

func newTestAPI(t *testing.T, store *fakeStore, notifier *fakeNotifier, adminHash string) *API {
	t.Helper()
	dataDir := t.TempDir()
	in := intake.New(store, &fakeHealth{}, defaultLimits(), dataDir)
	return New(store, in, notifier, defaultLimits(), adminHash, nil)
}

func TestHandleGetBatchNotFound(t *testing.T) {
	a := newTestAPI(t, newFakeStore(), &fakeNotifier{}, "")
	mux := http.NewServeMux()
	a.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/batch-missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleGetBatchFound(t *testing.T) {
	store := newFakeStore()
	store.jobs["batch-1"] = &batch.BatchJob{ID: "batch-1", Status: batch.StatusValidating, Endpoint: "/v1/chat/completions"}
	a := newTestAPI(t, store, &fakeNotifier{}, "")
	mux := http.NewServeMux()
	a.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/batch-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"batch-1"`) {
		t.Errorf("body = %s, want to contain batch-1", rec.Body.String())
	}
}

func TestHandleCancelBatchTerminalRejected(t *testing.T) {
	store := newFakeStore()
	store.jobs["batch-1"] = &batch.BatchJob{ID: "batch-1", Status: batch.StatusCompleted}
	a := newTestAPI(t, store, &fakeNotifier{}, "")
	mux := http.NewServeMux()
	a.Register(mux)

	req := httptest.NewRequest(http.MethodDelete, "/v1/batches/batch-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleCancelBatchValidatingGoesCancelled(t *testing.T) {
	store := newFakeStore()
	store.jobs["batch-1"] = &batch.BatchJob{ID: "batch-1", Status: batch.StatusValidating}
	a := newTestAPI(t, store, &fakeNotifier{}, "")
	mux := http.NewServeMux()
	a.Register(mux)

	req := httptest.NewRequest(http.MethodDelete, "/v1/batches/batch-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if store.jobs["batch-1"].Status != batch.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", store.jobs["batch-1"].Status)
	}
}

func TestHealthHandlerDegradedWithNoHeartbeat(t *testing.T) {
	a := newTestAPI(t, newFakeStore(), &fakeNotifier{}, "")
	mux := http.NewServeMux()
	a.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("body = %s, want degraded status with no heartbeat", rec.Body.String())
	}
}

func TestAdminDeadLetterEndpointsRejectWithoutToken(t *testing.T) {
	a := newTestAPI(t, newFakeStore(), &fakeNotifier{}, "")
	mux := http.NewServeMux()
	a.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/dead-letter", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when no admin hash configured", rec.Code)
	}
}

func TestAdminDeadLetterListAndRetry(t *testing.T) {
	const token = "s3cr3t-admin-token"
	hash, err := adminauth.Hash(token)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}

	store := newFakeStore()
	store.jobs["batch-1"] = &batch.BatchJob{ID: "batch-1", Status: batch.StatusFailed}
	store.deadLetter[1] = &batch.WebhookDeadLetter{ID: 1, BatchID: "batch-1", WebhookURL: "https://example.test/hook"}
	notifier := &fakeNotifier{}
	a := newTestAPI(t, store, notifier, hash)
	mux := http.NewServeMux()
	a.Register(mux)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/admin/dead-letter", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200, body=%s", listRec.Code, listRec.Body.String())
	}
	if !strings.Contains(listRec.Body.String(), "batch-1") {
		t.Errorf("list body = %s, want to include batch-1", listRec.Body.String())
	}

	retryReq := httptest.NewRequest(http.MethodPost, "/v1/admin/dead-letter/1/retry", nil)
	retryReq.Header.Set("Authorization", "Bearer "+token)
	retryRec := httptest.NewRecorder()
	mux.ServeHTTP(retryRec, retryReq)
	if retryRec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200, body=%s", retryRec.Code, retryRec.Body.String())
	}
	if len(notifier.retried) != 1 || notifier.retried[0] != 1 {
		t.Errorf("retried = %v, want [1]", notifier.retried)
	}
	if !strings.Contains(retryRec.Body.String(), `"retry_success":true`) {
		t.Errorf("retry body = %s, want retry_success true", retryRec.Body.String())
	}
}

func TestAdminDeadLetterRetryWrongTokenRejected(t *testing.T) {
	hash, err := adminauth.Hash("real-token")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	store := newFakeStore()
	store.deadLetter[1] = &batch.WebhookDeadLetter{ID: 1, BatchID: "batch-1"}
	a := newTestAPI(t, store, &fakeNotifier{}, hash)
	mux := http.NewServeMux()
	a.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/dead-letter/1/retry", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
