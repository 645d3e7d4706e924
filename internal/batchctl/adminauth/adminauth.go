// Package adminauth gates the administrative dead-letter endpoints with a
// bcrypt-hashed bearer token, so the configured token is never held or
// compared in the clear after startup.
package adminauth

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrNoToken is returned by Hash when the configured token is empty,
// meaning the administrative surface should be disabled entirely rather
// than gated by an empty-string comparison.
var ErrNoToken = errors.New("admin token not configured")

// Hash produces a bcrypt hash of token for storage/comparison. Called once
// at startup against the configured ADMIN_TOKEN.
func Hash(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Gate is an http middleware requiring "Authorization: Bearer <token>"
// matching the configured hash. If hash is empty, every request is
// rejected; there is no way to administer dead letters without a
// configured token.
func Gate(hash string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hash == "" {
			http.Error(w, `{"error":"administrative endpoint disabled: no ADMIN_TOKEN configured"}`, http.StatusServiceUnavailable)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(auth, prefix)
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
			http.Error(w, `{"error":"invalid admin token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
