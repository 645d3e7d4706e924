package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestClassify(t *testing.T) {
	cases := []struct {
		method, path string
		want         endpointClass
	}{
		{http.MethodPost, "/v1/files", classSubmit},
		{http.MethodPost, "/v1/batches", classSubmit},
		{http.MethodGet, "/v1/batches", classPoll},
		{http.MethodGet, "/v1/batches/batch-1", classPoll},
		{http.MethodGet, "/v1/batches/batch-1/results", classPoll},
		{http.MethodDelete, "/v1/batches/batch-1", classPoll},
		{http.MethodGet, "/health", classPoll},
		{http.MethodGet, "/v1/admin/dead-letter", classAdmin},
		{http.MethodPost, "/v1/admin/dead-letter/1/retry", classAdmin},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if got := classify(req); got != tc.want {
			t.Errorf("classify(%s %s) = %v, want %v", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestSubmitBurstExhaustsWhilePollingContinues(t *testing.T) {
	l := NewLimiter(LimiterConfig{
		Submit: Allowance{PerMinute: 10, Burst: 2},
		Poll:   Allowance{PerMinute: 120, Burst: 30},
		Admin:  Allowance{PerMinute: 12, Burst: 4},
	})
	defer l.Stop()
	h := l.Handler(okHandler())

	for i := 0; i < 2; i++ {
		if rec := doRequest(t, h, http.MethodPost, "/v1/batches", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("submit %d: status = %d, want 200", i+1, rec.Code)
		}
	}
	rec := doRequest(t, h, http.MethodPost, "/v1/batches", "10.0.0.1:5000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("submit over burst: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on rejection")
	}

	// The same client's poll bucket is untouched.
	if rec := doRequest(t, h, http.MethodGet, "/v1/batches/batch-1", "10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Errorf("poll after submit exhaustion: status = %d, want 200", rec.Code)
	}
}

func TestDistinctClientsHaveIndependentBuckets(t *testing.T) {
	l := NewLimiter(LimiterConfig{
		Submit: Allowance{PerMinute: 10, Burst: 1},
		Poll:   Allowance{PerMinute: 120, Burst: 30},
		Admin:  Allowance{PerMinute: 12, Burst: 4},
	})
	defer l.Stop()
	h := l.Handler(okHandler())

	if rec := doRequest(t, h, http.MethodPost, "/v1/files", "10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Fatalf("client A first submit: status = %d, want 200", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/v1/files", "10.0.0.1:5000"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("client A second submit: status = %d, want 429", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/v1/files", "10.0.0.2:5000"); rec.Code != http.StatusOK {
		t.Errorf("client B first submit: status = %d, want 200", rec.Code)
	}
}

func TestBucketRefillsAtSustainedRate(t *testing.T) {
	l := NewLimiter(LimiterConfig{
		Submit: Allowance{PerMinute: 60, Burst: 1},
		Poll:   Allowance{PerMinute: 120, Burst: 30},
		Admin:  Allowance{PerMinute: 12, Burst: 4},
	})
	defer l.Stop()

	clock := time.Unix(1000, 0)
	l.now = func() time.Time { return clock }

	ok, _ := l.allow("10.0.0.1", classSubmit)
	if !ok {
		t.Fatal("first request should be allowed")
	}
	ok, wait := l.allow("10.0.0.1", classSubmit)
	if ok {
		t.Fatal("second immediate request should be denied")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %v, want within (0, 1s] at 60/min", wait)
	}

	// Two seconds later a full token has accrued at 60/min.
	clock = clock.Add(2 * time.Second)
	if ok, _ := l.allow("10.0.0.1", classSubmit); !ok {
		t.Error("request after refill interval should be allowed")
	}
}

func TestZeroPerMinuteDisablesClass(t *testing.T) {
	l := NewLimiter(LimiterConfig{
		Submit: Allowance{},
		Poll:   Allowance{PerMinute: 120, Burst: 30},
		Admin:  Allowance{PerMinute: 12, Burst: 4},
	})
	defer l.Stop()
	h := l.Handler(okHandler())

	for i := 0; i < 50; i++ {
		if rec := doRequest(t, h, http.MethodPost, "/v1/batches", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 with limit disabled", i+1, rec.Code)
		}
	}
}

func TestClientKeyPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientKey(req); got != "203.0.113.7" {
		t.Errorf("clientKey = %q, want first forwarded hop", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := clientKey(req); got != "127.0.0.1" {
		t.Errorf("clientKey = %q, want peer host without port", got)
	}
}

func TestEvictIdleDropsStaleBuckets(t *testing.T) {
	l := NewLimiter(LimiterConfig{
		Submit:          Allowance{PerMinute: 10, Burst: 5},
		Poll:            Allowance{PerMinute: 120, Burst: 30},
		Admin:           Allowance{PerMinute: 12, Burst: 4},
		CleanupInterval: time.Minute,
	})
	defer l.Stop()

	clock := time.Unix(1000, 0)
	l.now = func() time.Time { return clock }

	l.allow("10.0.0.1", classSubmit)
	l.evictIdle(clock.Add(3 * time.Minute))

	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("len(buckets) = %d after eviction, want 0", n)
	}
}
