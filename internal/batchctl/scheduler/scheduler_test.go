package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"batchctl/pkg/batch"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   []*batch.BatchJob
	jobs      map[string]*batch.BatchJob
	heartbeat *batch.WorkerHeartbeat
}

func newFakeStore(jobs ...*batch.BatchJob) *fakeStore {
	s := &fakeStore{jobs: map[string]*batch.BatchJob{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
		s.pending = append(s.pending, j)
	}
	return s
}

func (s *fakeStore) SelectNextPending(ctx context.Context) (*batch.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.pending {
		if j.Status == batch.StatusValidating {
			cp := *j
			return &cp, nil
		}
	}
	return nil, batch.ErrNotFound
}

func (s *fakeStore) UpdateJob(ctx context.Context, id string, mutate func(*batch.BatchJob) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return batch.ErrNotFound
	}
	return mutate(j)
}

func (s *fakeStore) UpsertHeartbeat(ctx context.Context, mutate func(*batch.WorkerHeartbeat)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeat == nil {
		s.heartbeat = &batch.WorkerHeartbeat{}
	}
	mutate(s.heartbeat)
	return nil
}

func (s *fakeStore) AdmissionCounts(ctx context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, queued := 0, 0
	for _, j := range s.jobs {
		switch j.Status {
		case batch.StatusValidating, batch.StatusInProgress, batch.StatusFinalizing:
			active++
			queued += j.TotalRequests - j.CompletedRequests
		}
	}
	return active, queued, nil
}

type recordingRunner struct {
	mu        sync.Mutex
	processed []string
}

func (r *recordingRunner) Process(ctx context.Context, job *batch.BatchJob) {
	r.mu.Lock()
	r.processed = append(r.processed, job.ID)
	r.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSchedulerPicksUpAndTransitionsJob(t *testing.T) {
	job := &batch.BatchJob{ID: "batch_1", Status: batch.StatusValidating}
	store := newFakeStore(job)
	runner := &recordingRunner{}
	sched := New(store, runner, time.Millisecond, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	if job.Status != batch.StatusInProgress {
		t.Errorf("Status = %s, want in_progress", job.Status)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.processed) == 0 || runner.processed[0] != "batch_1" {
		t.Errorf("processed = %v, want to include batch_1", runner.processed)
	}
}

func TestSchedulerSleepsWhenNothingPending(t *testing.T) {
	store := newFakeStore()
	runner := &recordingRunner{}
	sched := New(store, runner, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.processed) != 0 {
		t.Errorf("processed = %v, want none", runner.processed)
	}
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	store := newFakeStore()
	runner := &recordingRunner{}
	sched := New(store, runner, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop within timeout after context cancel")
	}
}
