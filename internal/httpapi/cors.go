package httpapi

import (
	"net/http"
	"strings"
)

// corsMiddleware applies the configured origin allowlist. The reference
// deployment serves its frontend from a separate origin, so browser callers
// need explicit CORS headers; non-browser callers pass through untouched.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && originAllowed(origin, s.cfg.AllowedOrigins) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-Key")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed reports whether origin matches any allowlist entry. Entries
// are exact origins or carry a single wildcard, e.g. "https://*.vercel.app".
func originAllowed(origin string, allowed []string) bool {
	for _, pattern := range allowed {
		if pattern == "*" {
			return true
		}
		star := strings.Index(pattern, "*")
		if star < 0 {
			if strings.EqualFold(origin, pattern) {
				return true
			}
			continue
		}
		prefix, suffix := pattern[:star], pattern[star+1:]
		if len(origin) >= len(prefix)+len(suffix) &&
			strings.EqualFold(origin[:len(prefix)], prefix) &&
			strings.EqualFold(origin[len(origin)-len(suffix):], suffix) {
			return true
		}
	}
	return false
}
