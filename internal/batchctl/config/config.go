// Package config loads the batch controller's runtime configuration from
// environment variables and flags, flags taking precedence.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized runtime option, including the transport
// and storage settings a runnable service needs.
type Config struct {
	HTTPAddr    string // HTTP_ADDR
	MetricsAddr string // METRICS_ADDR
	DBPath      string // DB_PATH
	DataDir     string // DATA_DIR
	LogLevel    string // LOG_LEVEL
	AdminToken  string // ADMIN_TOKEN (compared via bcrypt hash, never logged)

	PollIntervalS int // POLL_INTERVAL_S

	ChunkSize int // CHUNK_SIZE

	MaxRequestsPerJob      int // MAX_REQUESTS_PER_JOB
	MaxQueueDepth          int // MAX_QUEUE_DEPTH
	MaxTotalQueuedRequests int // MAX_TOTAL_QUEUED_REQUESTS

	GPUMemoryThreshold float64 // GPU_MEMORY_THRESHOLD
	GPUTempThreshold   float64 // GPU_TEMP_THRESHOLD

	WebhookMaxRetries int    // WEBHOOK_MAX_RETRIES
	WebhookTimeoutS   int    // WEBHOOK_TIMEOUT_S
	WebhookSecret     string // WEBHOOK_SECRET

	CompletionWindowDefault string // COMPLETION_WINDOW_DEFAULT

	SamplingTemperature float64 // SAMPLING_TEMPERATURE
	SamplingTopP        float64 // SAMPLING_TOP_P
	SamplingMaxTokens   int     // SAMPLING_MAX_TOKENS
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		DBPath:      "./var/batchctl.db",
		DataDir:     "./data/batches",
		LogLevel:    "info",
		AdminToken:  "",

		PollIntervalS: 10,

		ChunkSize: 5000,

		MaxRequestsPerJob:      50000,
		MaxQueueDepth:          20,
		MaxTotalQueuedRequests: 1_000_000,

		GPUMemoryThreshold: 95.0,
		GPUTempThreshold:   85.0,

		WebhookMaxRetries: 3,
		WebhookTimeoutS:   30,
		WebhookSecret:     "",

		CompletionWindowDefault: "24h",

		SamplingTemperature: 0.7,
		SamplingTopP:        1.0,
		SamplingMaxTokens:   1024,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Parse builds a Config from env + flags. Flags override environment
// variables, which override the package defaults.
func Parse() Config {
	def := Default()

	cfg := Config{
		HTTPAddr:    getenv("HTTP_ADDR", def.HTTPAddr),
		MetricsAddr: getenv("METRICS_ADDR", def.MetricsAddr),
		DBPath:      getenv("DB_PATH", def.DBPath),
		DataDir:     getenv("DATA_DIR", def.DataDir),
		LogLevel:    getenv("LOG_LEVEL", def.LogLevel),
		AdminToken:  getenv("ADMIN_TOKEN", def.AdminToken),

		PollIntervalS: getenvInt("POLL_INTERVAL_S", def.PollIntervalS),

		ChunkSize: getenvInt("CHUNK_SIZE", def.ChunkSize),

		MaxRequestsPerJob:      getenvInt("MAX_REQUESTS_PER_JOB", def.MaxRequestsPerJob),
		MaxQueueDepth:          getenvInt("MAX_QUEUE_DEPTH", def.MaxQueueDepth),
		MaxTotalQueuedRequests: getenvInt("MAX_TOTAL_QUEUED_REQUESTS", def.MaxTotalQueuedRequests),

		GPUMemoryThreshold: getenvFloat("GPU_MEMORY_THRESHOLD", def.GPUMemoryThreshold),
		GPUTempThreshold:   getenvFloat("GPU_TEMP_THRESHOLD", def.GPUTempThreshold),

		WebhookMaxRetries: getenvInt("WEBHOOK_MAX_RETRIES", def.WebhookMaxRetries),
		WebhookTimeoutS:   getenvInt("WEBHOOK_TIMEOUT_S", def.WebhookTimeoutS),
		WebhookSecret:     getenv("WEBHOOK_SECRET", def.WebhookSecret),

		CompletionWindowDefault: getenv("COMPLETION_WINDOW_DEFAULT", def.CompletionWindowDefault),

		SamplingTemperature: getenvFloat("SAMPLING_TEMPERATURE", def.SamplingTemperature),
		SamplingTopP:        getenvFloat("SAMPLING_TOP_P", def.SamplingTopP),
		SamplingMaxTokens:   getenvInt("SAMPLING_MAX_TOKENS", def.SamplingMaxTokens),
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env HTTP_ADDR)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "metrics listen address (env METRICS_ADDR)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env DB_PATH)")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "batch input/output file root (env DATA_DIR)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error (env LOG_LEVEL)")
	flag.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "administrative bearer token (env ADMIN_TOKEN)")
	flag.IntVar(&cfg.PollIntervalS, "poll-interval-s", cfg.PollIntervalS, "scheduler poll interval seconds (env POLL_INTERVAL_S)")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "default chunk size (env CHUNK_SIZE)")
	flag.IntVar(&cfg.MaxRequestsPerJob, "max-requests-per-job", cfg.MaxRequestsPerJob, "env MAX_REQUESTS_PER_JOB")
	flag.IntVar(&cfg.MaxQueueDepth, "max-queue-depth", cfg.MaxQueueDepth, "env MAX_QUEUE_DEPTH")
	flag.IntVar(&cfg.MaxTotalQueuedRequests, "max-total-queued-requests", cfg.MaxTotalQueuedRequests, "env MAX_TOTAL_QUEUED_REQUESTS")
	flag.Float64Var(&cfg.GPUMemoryThreshold, "gpu-memory-threshold", cfg.GPUMemoryThreshold, "env GPU_MEMORY_THRESHOLD")
	flag.Float64Var(&cfg.GPUTempThreshold, "gpu-temp-threshold", cfg.GPUTempThreshold, "env GPU_TEMP_THRESHOLD")
	flag.IntVar(&cfg.WebhookMaxRetries, "webhook-max-retries", cfg.WebhookMaxRetries, "env WEBHOOK_MAX_RETRIES")
	flag.IntVar(&cfg.WebhookTimeoutS, "webhook-timeout-s", cfg.WebhookTimeoutS, "env WEBHOOK_TIMEOUT_S")
	flag.StringVar(&cfg.WebhookSecret, "webhook-secret", cfg.WebhookSecret, "global HMAC webhook secret (env WEBHOOK_SECRET)")
	flag.StringVar(&cfg.CompletionWindowDefault, "completion-window-default", cfg.CompletionWindowDefault, "env COMPLETION_WINDOW_DEFAULT")

	flag.Parse()
	return cfg
}

// PollInterval returns PollIntervalS as a time.Duration.
func (c Config) PollInterval() time.Duration { return time.Duration(c.PollIntervalS) * time.Second }

// WebhookTimeout returns WebhookTimeoutS as a time.Duration.
func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutS) * time.Second
}

// RedactedSecret returns a safe-to-log representation of a secret.
func RedactedSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	stars := make([]byte, len(s)-4)
	for i := range stars {
		stars[i] = '*'
	}
	return s[:2] + string(stars) + s[len(s)-2:]
}
