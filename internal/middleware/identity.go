package middleware

import (
	"context"
	"net/http"
	"strings"
)

// identityHeader carries the caller identity established by the external
// identity provider (or the reverse proxy in front of it). Identity
// management itself lives outside this service.
const identityHeader = "X-User-ID"

// Identity extracts the user id from the identity header (or the user_id
// query parameter for WebSocket dials, where custom headers are awkward)
// and stores it in the request context. Requests without an identity get
// 401.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(identityHeader))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if userID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
