package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Auth returns middleware that guards the mutating market endpoints.
// apiKeys is a comma-separated list so a key can be rotated without
// downtime. Callers present one as "Authorization: Bearer <key>" or in
// X-API-Key. An empty list disables the check.
func Auth(apiKeys string) func(http.Handler) http.Handler {
	var digests [][sha256.Size]byte
	for _, k := range strings.Split(apiKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			digests = append(digests, sha256.Sum256([]byte(k)))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(digests) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := presentedKey(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}
			if !matchesAny(digests, token) {
				writeUnauthorized(w, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matchesAny compares fixed-size digests so neither key length nor the
// position of the matching key leaks through timing.
func matchesAny(digests [][sha256.Size]byte, token string) bool {
	got := sha256.Sum256([]byte(token))
	ok := 0
	for _, d := range digests {
		ok |= subtle.ConstantTimeCompare(got[:], d[:])
	}
	return ok == 1
}

func presentedKey(r *http.Request) string {
	if scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " "); found && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// writeUnauthorized sends a 401 response in the API error shape.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	body, _ := json.Marshal(map[string]any{
		"error":     msg,
		"kind":      "unauthorized",
		"retryable": false,
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="oraclex"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write(body)
}
