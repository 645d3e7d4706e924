package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	Reset()
	ObserveJobSubmitted("/v1/chat/completions")
	ObserveJobTerminal("completed", 1000, 1060)
	ObserveChunk(0, 42)
	SetQueueDepth(3)
	ObserveWebhookDelivery("sent", 1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"batchctl_jobs_submitted_total",
		"batchctl_jobs_terminal_total",
		"batchctl_tokens_processed_total",
		"batchctl_queue_depth",
		"batchctl_webhook_deliveries_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestSanitizeLabelReplacesInvalidRunes(t *testing.T) {
	if got := sanitizeLabel("completed", "unknown"); got != "completed" {
		t.Errorf("sanitizeLabel(completed) = %q", got)
	}
	if got := sanitizeLabel("", "unknown"); got != "unknown" {
		t.Errorf("sanitizeLabel(\"\") = %q, want fallback", got)
	}
	if got := sanitizeLabel("a b!c", "unknown"); got != "a_b_c" {
		t.Errorf("sanitizeLabel(a b!c) = %q, want a_b_c", got)
	}
}
