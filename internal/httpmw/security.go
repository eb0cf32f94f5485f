package httpmw

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig mirrors api.cors_origins/api.cors_headers.
type CORSConfig struct {
	Origins []string
	Headers []string
}

func (c CORSConfig) allows(origin string) bool {
	for _, o := range c.Origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// SecurityHeaders sets a fixed set of defensive response headers on
// every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next.ServeHTTP(w, r)
	})
}

// CORS reflects the configured allow-list back to the client, driven
// by api.cors_origins/api.cors_headers.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowHeaders := strings.Join(cfg.Headers, ", ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && cfg.allows(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				if allowHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, HEAD, PATCH, DELETE, OPTIONS")
			}
			// Only short-circuit genuine CORS preflights (these carry
			// Access-Control-Request-Method); a bare OPTIONS is the tus
			// capability probe and must reach the engine's own handler.
			if r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxUploadSizeHeader advertises tus.max_size on the /config probe.
func MaxUploadSizeHeader(w http.ResponseWriter, maxSize int64) {
	w.Header().Set("X-Max-Upload-Size", strconv.FormatInt(maxSize, 10))
}
