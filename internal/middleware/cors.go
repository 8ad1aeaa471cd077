// Package middleware provides HTTP middleware for the docchat API.
package middleware

import (
	"net/http"
	"slices"
)

const (
	allowMethods = "GET, POST, DELETE, OPTIONS"
	allowHeaders = "Content-Type, X-Request-Id"
	maxAge       = "600"
)

// CORS answers preflight requests and decorates responses for allowed origins.
// A "*" entry allows any origin but never with credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowedOrigins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			explicit := origin != "" && slices.Contains(allowedOrigins, origin)

			if origin != "" && (explicit || wildcard) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				if explicit {
					// Owner identity travels in a cookie.
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if origin != "" && (explicit || wildcard) {
					h := w.Header()
					h.Set("Access-Control-Allow-Methods", allowMethods)
					h.Set("Access-Control-Allow-Headers", allowHeaders)
					h.Set("Access-Control-Max-Age", maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
