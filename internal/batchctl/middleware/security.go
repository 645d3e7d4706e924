// Package middleware provides the HTTP-layer hardening wrapped around the
// public API surface: response headers and per-client rate limiting
// tiered by endpoint cost.
package middleware

import "net/http"

// SecurityHeaders adds the response headers this JSON-only API needs. The
// control plane has no browser client, so there is no CORS handling here;
// job metadata and result streams are marked non-cacheable instead, since
// a stale cached status poll defeats the point of polling.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
