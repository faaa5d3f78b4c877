package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards /v1 routes. The token may arrive as a bearer header or,
// for SSE consumers that cannot set headers (EventSource), as a ?token=
// query parameter.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			candidate := r.URL.Query().Get("token")
			const prefix = "Bearer "
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
				candidate = auth[len(prefix):]
			}
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
