package middleware

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// endpointClass buckets requests by how much work they create for the
// control plane. A submission parses and persists an entire JSONL upload
// and occupies one of the queue's job slots; a poll is a cheap row read
// that clients legitimately repeat every few seconds for the lifetime of
// a batch. Throttling them with one shared allowance would either starve
// pollers or let submissions flood the intake pipeline.
type endpointClass int

const (
	classSubmit endpointClass = iota // POST /v1/files, POST /v1/batches
	classPoll                        // status reads, results download, health, cancel
	classAdmin                       // dead-letter administration
)

func classify(r *http.Request) endpointClass {
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/admin/"):
		return classAdmin
	case r.Method == http.MethodPost && (r.URL.Path == "/v1/files" || r.URL.Path == "/v1/batches"):
		return classSubmit
	default:
		return classPoll
	}
}

// Allowance is a token-bucket allowance: sustained rate plus burst headroom.
type Allowance struct {
	PerMinute int
	Burst     int
}

// LimiterConfig holds one allowance per endpoint class.
type LimiterConfig struct {
	Submit Allowance
	Poll   Allowance
	Admin  Allowance

	CleanupInterval time.Duration
	Logger          *log.Logger
}

// DefaultLimiterConfig sizes the allowances for a single-worker control
// plane. The queue admits at most MAX_QUEUE_DEPTH jobs, so sustained
// submission much faster than that only produces queue-full rejections;
// polling gets a far larger allowance because one client watching a few
// concurrent batches polls each of them continuously until completion.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Submit:          Allowance{PerMinute: 10, Burst: 5},
		Poll:            Allowance{PerMinute: 120, Burst: 30},
		Admin:           Allowance{PerMinute: 12, Burst: 4},
		CleanupInterval: 5 * time.Minute,
	}
}

type bucketKey struct {
	client string
	class  endpointClass
}

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter enforces a per-client, per-endpoint-class token bucket over the
// public HTTP surface.
type Limiter struct {
	cfg     LimiterConfig
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	stop    chan struct{}
	now     func() time.Time
}

// NewLimiter builds a Limiter and starts its idle-bucket cleanup loop.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[bucketKey]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanupLoop()
	return l
}

// Handler wraps next with the limit check. Rejections carry a Retry-After
// header derived from the bucket's refill pace, so a well-behaved batch
// client can back off by exactly the deficit instead of guessing.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		ok, retryAfter := l.allow(client, classify(r))
		if !ok {
			l.logf("rate limit exceeded client=%s path=%s", client, r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)+1))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limit_exceeded",
				"message": "request allowance exhausted, retry later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allowance(class endpointClass) Allowance {
	switch class {
	case classSubmit:
		return l.cfg.Submit
	case classAdmin:
		return l.cfg.Admin
	default:
		return l.cfg.Poll
	}
}

// allow takes one token from the (client, class) bucket, refilling it
// continuously at the class's sustained rate. A zero PerMinute disables
// the class's limit. On denial it returns how long until a token accrues.
func (l *Limiter) allow(client string, class endpointClass) (bool, time.Duration) {
	al := l.allowance(class)
	if al.PerMinute <= 0 {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{client: client, class: class}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(al.Burst), last: now}
		l.buckets[key] = b
	} else {
		b.tokens += now.Sub(b.last).Minutes() * float64(al.PerMinute)
		if b.tokens > float64(al.Burst) {
			b.tokens = float64(al.Burst)
		}
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	deficit := 1 - b.tokens
	return false, time.Duration(deficit / float64(al.PerMinute) * float64(time.Minute))
}

// clientKey identifies the calling service. Deployments front this API
// with a reverse proxy, so the first X-Forwarded-For hop is trusted when
// present; otherwise the TCP peer address is used.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *Limiter) cleanupLoop() {
	t := time.NewTicker(l.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			l.evictIdle(now)
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets untouched for two cleanup intervals; a client
// quiet for that long starts over with a full burst anyway.
func (l *Limiter) evictIdle(now time.Time) {
	cutoff := now.Add(-2 * l.cfg.CleanupInterval)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.last.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Stop terminates the cleanup loop.
func (l *Limiter) Stop() { close(l.stop) }

func (l *Limiter) logf(format string, args ...any) {
	if l.cfg.Logger != nil {
		l.cfg.Logger.Printf("[ratelimit] "+format, args...)
	}
}
