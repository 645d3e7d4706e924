// Package metrics exposes Prometheus counters and histograms for the
// batch control plane behind a swappable package-level registry, with
// label values sanitized before use.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted     *prometheus.CounterVec
	jobsTerminal      *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	chunkDuration     prometheus.Histogram
	tokensProcessed   prometheus.Counter
	queueDepth        prometheus.Gauge
	webhookDeliveries *prometheus.CounterVec
	webhookAttempts   prometheus.Histogram
)

// Endpoint label values for the batchctl_jobs_submitted_total counter.
const (
	EndpointChatCompletions = "/v1/chat/completions"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests to start
// from a clean registry.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler exposes the registry in Prometheus exposition format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJobSubmitted increments the submission counter for an endpoint.
func ObserveJobSubmitted(endpoint string) {
	label := sanitizeLabel(endpoint, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.WithLabelValues(label).Inc()
	}
}

// ObserveJobTerminal records a job reaching a terminal status and, if
// createdAt is non-zero, the total wall-clock duration from submission.
func ObserveJobTerminal(status string, createdAt, completedAt int64) {
	label := sanitizeLabel(status, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if jobsTerminal != nil {
		jobsTerminal.WithLabelValues(label).Inc()
	}
	if jobDuration != nil && createdAt > 0 && completedAt >= createdAt {
		jobDuration.WithLabelValues(label).Observe(float64(completedAt - createdAt))
	}
}

// ObserveChunk records the wall-clock duration of one inference chunk and
// the token count (prompt plus completion) it processed.
func ObserveChunk(duration time.Duration, tokens int) {
	mu.RLock()
	defer mu.RUnlock()
	if chunkDuration != nil {
		chunkDuration.Observe(durationSeconds(duration))
	}
	if tokensProcessed != nil && tokens > 0 {
		tokensProcessed.Add(float64(tokens))
	}
}

// SetQueueDepth reports the current count of jobs in
// {validating, in_progress, finalizing}.
func SetQueueDepth(depth int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.Set(float64(depth))
	}
}

// ObserveWebhookDelivery records a terminal webhook delivery outcome
// (sent or failed) and how many attempts it took.
func ObserveWebhookDelivery(outcome string, attempts int) {
	label := sanitizeLabel(outcome, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(label).Inc()
	}
	if webhookAttempts != nil && attempts > 0 {
		webhookAttempts.Observe(float64(attempts))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchctl",
		Name:      "jobs_submitted_total",
		Help:      "Total batch jobs submitted, by endpoint.",
	}, []string{"endpoint"})

	terminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchctl",
		Name:      "jobs_terminal_total",
		Help:      "Total batch jobs reaching a terminal status, by status.",
	}, []string{"status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "batchctl",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration from submission to terminal status, by status.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
	}, []string{"status"})

	chunk := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "batchctl",
		Name:      "chunk_duration_seconds",
		Help:      "Duration of a single inference chunk.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	tokens := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batchctl",
		Name:      "tokens_processed_total",
		Help:      "Total tokens (prompt plus completion) processed across all chunks.",
	})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "batchctl",
		Name:      "queue_depth",
		Help:      "Current number of jobs in validating, in_progress, or finalizing.",
	})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchctl",
		Name:      "webhook_deliveries_total",
		Help:      "Total terminal webhook delivery outcomes, by outcome (sent/failed).",
	}, []string{"outcome"})

	attempts := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "batchctl",
		Name:      "webhook_attempts",
		Help:      "Number of attempts a webhook delivery took before a terminal outcome.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})

	registry.MustRegister(submitted, terminal, duration, chunk, tokens, depth, webhooks, attempts)

	reg = registry
	jobsSubmitted = submitted
	jobsTerminal = terminal
	jobDuration = duration
	chunkDuration = chunk
	tokensProcessed = tokens
	queueDepth = depth
	webhookDeliveries = webhooks
	webhookAttempts = attempts
}

func sanitizeLabel(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' || r == '/' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
