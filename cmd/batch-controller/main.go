// Command batch-controller runs the batch inference control plane: the
// HTTP intake surface, the scheduler/runner pipeline, the webhook
// dispatcher, and the expiry/crash-recovery background tasks, all wired
// against a single SQLite store.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"batchctl/internal/batchctl/adminauth"
	"batchctl/internal/batchctl/api"
	"batchctl/internal/batchctl/config"
	"batchctl/internal/batchctl/healthprobe"
	"batchctl/internal/batchctl/intake"
	"batchctl/internal/batchctl/logging"
	"batchctl/internal/batchctl/metrics"
	"batchctl/internal/batchctl/middleware"
	"batchctl/internal/batchctl/model"
	"batchctl/internal/batchctl/runner"
	"batchctl/internal/batchctl/scheduler"
	"batchctl/internal/batchctl/store"
	"batchctl/internal/batchctl/webhook"
)

func logConfig(cfg config.Config) {
	log.Printf("batch-controller configuration:")
	log.Printf("  addr=%s", cfg.HTTPAddr)
	log.Printf("  metrics_addr=%s", cfg.MetricsAddr)
	log.Printf("  db=%s", cfg.DBPath)
	log.Printf("  data_dir=%s", cfg.DataDir)
	log.Printf("  log_level=%s", cfg.LogLevel)
	log.Printf("  admin_token=%s", config.RedactedSecret(cfg.AdminToken))
	log.Printf("  poll_interval_s=%d", cfg.PollIntervalS)
	log.Printf("  chunk_size=%d", cfg.ChunkSize)
	log.Printf("  max_requests_per_job=%d", cfg.MaxRequestsPerJob)
	log.Printf("  max_queue_depth=%d", cfg.MaxQueueDepth)
	log.Printf("  max_total_queued_requests=%d", cfg.MaxTotalQueuedRequests)
	log.Printf("  gpu_memory_threshold=%.1f", cfg.GPUMemoryThreshold)
	log.Printf("  gpu_temp_threshold=%.1f", cfg.GPUTempThreshold)
	log.Printf("  webhook_max_retries=%d", cfg.WebhookMaxRetries)
	log.Printf("  webhook_timeout_s=%d", cfg.WebhookTimeoutS)
	log.Printf("  webhook_secret=%s", config.RedactedSecret(cfg.WebhookSecret))
	log.Printf("  completion_window_default=%s", cfg.CompletionWindowDefault)
}

// expirySweeper periodically marks overdue in-flight jobs expired.
func expirySweeper(ctx context.Context, st *store.Store, logger *slog.Logger, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := st.ExpireOverdueJobs(ctx, now)
			if err != nil {
				logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expiry sweep", "expired", n)
			}
		}
	}
}

// resumeOrphanedJobs re-dispatches jobs left in_progress by a prior
// crash; the runner resumes each from its on-disk output-file line count.
// Jobs are processed one at a time, before the scheduler loop starts, so
// at most one job ever runs at any time.
func resumeOrphanedJobs(ctx context.Context, st *store.Store, rn *runner.Runner, logger *slog.Logger) {
	jobs, err := st.ReselectInProgressJobs(ctx)
	if err != nil {
		logger.Error("crash-recovery requeue failed", "error", err)
		return
	}
	for _, j := range jobs {
		logger.Info("resuming orphaned job", "batch_id", j.ID)
		rn.Process(ctx, j)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[batch-controller] ")

	cfg := config.Parse()
	logConfig(cfg)

	slogger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	if err := os.MkdirAll(cfg.DataDir+"/input", 0o755); err != nil {
		log.Fatalf("failed to create input dir: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir+"/output", 0o755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}

	health := healthprobe.NewHostMemoryProbe()
	modelRunner := model.NewStubRunner()

	limits := intake.Limits{
		MaxQueueDepth:          cfg.MaxQueueDepth,
		MaxTotalQueuedRequests: cfg.MaxTotalQueuedRequests,
		MaxRequestsPerJob:      cfg.MaxRequestsPerJob,
		GPUMemoryThreshold:     cfg.GPUMemoryThreshold,
		GPUTempThreshold:       cfg.GPUTempThreshold,
	}
	in := intake.New(st, health, limits, cfg.DataDir)

	wh := webhook.New(st, webhook.Config{
		DefaultMaxRetries: cfg.WebhookMaxRetries,
		DefaultTimeout:    cfg.WebhookTimeout(),
		GlobalSecret:      cfg.WebhookSecret,
	}, logging.Component(slogger, "webhook"))

	rn := runner.New(st, modelRunner, health, wh, runner.Config{
		ChunkSize: cfg.ChunkSize,
		DataDir:   cfg.DataDir,
		Sampling: model.SamplingParams{
			Temperature: cfg.SamplingTemperature,
			TopP:        cfg.SamplingTopP,
			MaxTokens:   cfg.SamplingMaxTokens,
		},
	}, logging.Component(slogger, "runner"))

	sched := scheduler.New(st, rn, cfg.PollInterval(), logging.Component(slogger, "scheduler"))

	var adminHash string
	if cfg.AdminToken != "" {
		adminHash, err = adminauth.Hash(cfg.AdminToken)
		if err != nil {
			log.Fatalf("failed to hash admin token: %v", err)
		}
	}

	ap := api.New(st, in, wh, api.Limits(limits), adminHash, log.Default())

	mux := http.NewServeMux()
	ap.Register(mux)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name":"batch-controller","status":"ok"}`)
	})

	rl := middleware.NewLimiter(middleware.DefaultLimiterConfig())
	defer rl.Stop()
	handler := middleware.SecurityHeaders(rl.Handler(mux))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	resumeOrphanedJobs(ctx, st, rn, slogger)

	go sched.Run(ctx)
	go expirySweeper(ctx, st, slogger, cfg.PollInterval())

	errCh := make(chan error, 2)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()
	go func() {
		log.Printf("metrics server listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("received shutdown signal, initiating graceful shutdown...")
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful HTTP shutdown failed: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful metrics shutdown failed: %v", err)
	}
	log.Printf("server stopped")
}
