// Package scheduler implements the single-threaded poll loop that drives
// the worker: select the next eligible job by priority and age, transition
// it to in_progress, and run it synchronously via the Runner. With one GPU
// worker per deployment there are no concurrent claimants, so selection is
// a plain read rather than an atomic claim.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"batchctl/internal/batchctl/metrics"
	"batchctl/pkg/batch"
)

// Store is the subset of store.Store the Scheduler depends on.
type Store interface {
	SelectNextPending(ctx context.Context) (*batch.BatchJob, error)
	UpdateJob(ctx context.Context, id string, mutate func(*batch.BatchJob) error) error
	UpsertHeartbeat(ctx context.Context, mutate func(*batch.WorkerHeartbeat)) error
	AdmissionCounts(ctx context.Context) (activeJobs int, queuedRequests int, err error)
}

// JobRunner executes one job to a terminal state.
type JobRunner interface {
	Process(ctx context.Context, job *batch.BatchJob)
}

// Scheduler drives the poll loop.
type Scheduler struct {
	store        Store
	runner       JobRunner
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// New builds a Scheduler.
func New(store Store, runner JobRunner, pollInterval time.Duration, logger *slog.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Scheduler{store: store, runner: runner, pollInterval: pollInterval, logger: logger, now: time.Now}
}

// Run starts the poll loop; it returns when ctx is cancelled. Each
// iteration: mark heartbeat idle, select the next pending job, and if one
// is found, mark heartbeat processing and run it to completion before
// looping again. Unexpected errors are logged and the loop sleeps one
// poll interval before retrying, so a transient store failure cannot
// spin the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler starting", "poll_interval", s.pollInterval)
	defer s.logger.Info("scheduler stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := s.pickUp(ctx)
		if err != nil {
			s.logger.Error("scheduler iteration failed", "error", err)
			if !s.sleep(ctx) {
				return
			}
			continue
		}
		if job == nil {
			if !s.sleep(ctx) {
				return
			}
			continue
		}

		s.logger.Info("job picked up", "batch_id", job.ID, "priority", job.Priority)
		s.runner.Process(ctx, job)
	}
}

// pickUp updates heartbeat, selects the next eligible job, and transitions
// it validating -> in_progress, returning nil (not an error) when no job
// is ready.
func (s *Scheduler) pickUp(ctx context.Context) (*batch.BatchJob, error) {
	now := s.now()
	if err := s.store.UpsertHeartbeat(ctx, func(h *batch.WorkerHeartbeat) {
		h.Status = batch.HeartbeatIdle
		h.CurrentJobID = nil
		h.LastSeen = now.Unix()
	}); err != nil {
		return nil, err
	}

	if active, _, err := s.store.AdmissionCounts(ctx); err == nil {
		metrics.SetQueueDepth(active)
	}

	job, err := s.store.SelectNextPending(ctx)
	if errors.Is(err, batch.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now = s.now()
	if err := s.store.UpdateJob(ctx, job.ID, func(j *batch.BatchJob) error {
		j.Status = batch.StatusInProgress
		ts := now.Unix()
		j.InProgressAt = &ts
		return nil
	}); err != nil {
		return nil, err
	}
	job.Status = batch.StatusInProgress
	ts := now.Unix()
	job.InProgressAt = &ts

	jobID := job.ID
	if err := s.store.UpsertHeartbeat(ctx, func(h *batch.WorkerHeartbeat) {
		h.Status = batch.HeartbeatProcessing
		h.CurrentJobID = &jobID
		h.LastSeen = now.Unix()
	}); err != nil {
		return nil, err
	}
	return job, nil
}

// sleep waits one poll interval or until ctx is cancelled; it returns
// false if the context was cancelled during the wait.
func (s *Scheduler) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
