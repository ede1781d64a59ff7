package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requestKey returns the caller's key from X-API-Key, or from
// Authorization: Bearer <key> when that header is absent.
func requestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// APIKeyAuth answers 401 when no key is sent and 403 when it does not match.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	want := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := requestKey(r)
			switch {
			case key == "":
				respondError(w, http.StatusUnauthorized, "Missing API key. Provide X-API-Key header or Authorization: Bearer <key>")
			case subtle.ConstantTimeCompare([]byte(key), want) != 1:
				respondError(w, http.StatusForbidden, "Invalid API key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
