package intake

import (
	"context"
	"strings"
	"testing"

	"batchctl/internal/batchctl/model"
	"batchctl/pkg/batch"
)

type fakeStore struct {
	active, queued int
	files          map[string]*batch.File
	jobs           map[string]*batch.BatchJob
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: map[string]*batch.File{}, jobs: map[string]*batch.BatchJob{}}
}

func (s *fakeStore) AdmissionCounts(ctx context.Context) (int, int, error) {
	return s.active, s.queued, nil
}

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

type fakeHealth struct {
	snap model.HealthSnapshot
	err  error
}

func (h *fakeHealth) Read(ctx context.Context) (model.HealthSnapshot, error) {
	return h.snap, h.err
}

func defaultLimits() Limits {
	return Limits{
		MaxQueueDepth:          20,
		MaxTotalQueuedRequests: 1_000_000,
		MaxRequestsPerJob:      50000,
		GPUMemoryThreshold:     95,
		GPUTempThreshold:       85,
	}
}

func validLine(customID string) string {
	return `{"custom_id":"` + customID + `","method":"POST","url":"/v1/chat/completions","body":{"messages":[{"role":"user","content":"hi"}]}}`
}

func healthyProbe() *fakeHealth {
	return &fakeHealth{snap: model.HealthSnapshot{MemoryPercent: 10, TemperatureC: 40}}
}

func TestIngestFileThenCreateBatchHappyPath(t *testing.T) {
	store := newFakeStore()
	in := New(store, healthyProbe(), defaultLimits(), t.TempDir())

	input := strings.Join([]string{validLine("r1"), validLine("r2"), validLine("r3")}, "\n")
	f, err := in.IngestFile(context.Background(), strings.NewReader(input), "in.jsonl")
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if f.ID == "" {
		t.Fatal("expected non-empty file ID")
	}

	job, err := in.CreateBatch(context.Background(), BatchRequest{
		InputFileID:      f.ID,
		CompletionWindow: "24h",
		Model:            "test-model",
		Priority:         batch.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if job.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", job.TotalRequests)
	}
	if job.Status != batch.StatusValidating {
		t.Errorf("Status = %s, want validating", job.Status)
	}
	if job.InputFileID != f.ID {
		t.Errorf("InputFileID = %s, want %s", job.InputFileID, f.ID)
	}
	if len(store.jobs) != 1 {
		t.Fatalf("created %d jobs, want 1", len(store.jobs))
	}
	if job.WebhookMaxRetries != 3 || job.WebhookTimeout != 30 {
		t.Errorf("expected webhook defaults, got retries=%d timeout=%d", job.WebhookMaxRetries, job.WebhookTimeout)
	}
}

func TestCreateBatchRejectsQueueFull(t *testing.T) {
	store := newFakeStore()
	store.active = 20
	in := New(store, healthyProbe(), defaultLimits(), t.TempDir())

	f, err := in.IngestFile(context.Background(), strings.NewReader(validLine("r1")), "in.jsonl")
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	_, err = in.CreateBatch(context.Background(), BatchRequest{InputFileID: f.ID})
	aerr, ok := err.(*AdmissionError)
	if !ok {
		t.Fatalf("err = %v, want *AdmissionError", err)
	}
	if aerr.Kind != KindQueueFull {
		t.Errorf("Kind = %v, want KindQueueFull", aerr.Kind)
	}
	if len(store.jobs) != 0 {
		t.Error("no job should be created on rejection")
	}
}

func TestCreateBatchRejectsGPUUnhealthy(t *testing.T) {
	store := newFakeStore()
	in := New(store, &fakeHealth{snap: model.HealthSnapshot{MemoryPercent: 97, TemperatureC: 40}}, defaultLimits(), t.TempDir())

	f, err := in.IngestFile(context.Background(), strings.NewReader(validLine("r1")), "in.jsonl")
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	_, err = in.CreateBatch(context.Background(), BatchRequest{InputFileID: f.ID})
	aerr, ok := err.(*AdmissionError)
	if !ok {
		t.Fatalf("err = %v, want *AdmissionError", err)
	}
	if aerr.Kind != KindGPUUnhealthy {
		t.Errorf("Kind = %v, want KindGPUUnhealthy", aerr.Kind)
	}
}

func TestIngestFileRejectsMalformedJSONL(t *testing.T) {
	store := newFakeStore()
	in := New(store, healthyProbe(), defaultLimits(), t.TempDir())

	_, err := in.IngestFile(context.Background(), strings.NewReader("not json"), "in.jsonl")
	aerr, ok := err.(*AdmissionError)
	if !ok {
		t.Fatalf("err = %v, want *AdmissionError", err)
	}
	if aerr.Kind != KindValidation {
		t.Errorf("Kind = %v, want KindValidation", aerr.Kind)
	}
	if len(store.files) != 0 {
		t.Error("expected no file row to be created for a malformed upload")
	}
}

func TestCreateBatchRejectsUnknownFileID(t *testing.T) {
	store := newFakeStore()
	in := New(store, healthyProbe(), defaultLimits(), t.TempDir())

	_, err := in.CreateBatch(context.Background(), BatchRequest{InputFileID: "file-does-not-exist"})
	aerr, ok := err.(*AdmissionError)
	if !ok {
		t.Fatalf("err = %v, want *AdmissionError", err)
	}
	if aerr.Kind != KindValidation {
		t.Errorf("Kind = %v, want KindValidation", aerr.Kind)
	}
}

func TestCreateBatchDefaultsMetadataAndPriority(t *testing.T) {
	store := newFakeStore()
	in := New(store, healthyProbe(), defaultLimits(), t.TempDir())

	f, err := in.IngestFile(context.Background(), strings.NewReader(validLine("r1")), "in.jsonl")
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	job, err := in.CreateBatch(context.Background(), BatchRequest{InputFileID: f.ID})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if job.Priority != batch.PriorityNormal {
		t.Errorf("Priority = %v, want PriorityNormal (default 0)", job.Priority)
	}
	if job.Endpoint != "/v1/chat/completions" {
		t.Errorf("Endpoint = %q, want default", job.Endpoint)
	}
}

func TestCreateBatchRejectsInvalidCompletionWindow(t *testing.T) {
	store := newFakeStore()
	in := New(store, healthyProbe(), defaultLimits(), t.TempDir())

	f, err := in.IngestFile(context.Background(), strings.NewReader(validLine("r1")), "in.jsonl")
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	_, err = in.CreateBatch(context.Background(), BatchRequest{InputFileID: f.ID, CompletionWindow: "not-a-duration"})
	aerr, ok := err.(*AdmissionError)
	if !ok {
		t.Fatalf("err = %v, want *AdmissionError", err)
	}
	if aerr.Kind != KindValidation {
		t.Errorf("Kind = %v, want KindValidation", aerr.Kind)
	}
}
