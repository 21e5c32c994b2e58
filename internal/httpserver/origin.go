package httpserver

import (
	"net/http"
	"strings"
)

// withOriginPolicy enforces the exact-match origin allowlist on
// browser-facing routes. Requests without an Origin header (same-origin or
// non-browser clients) pass through; with an empty allowlist every origin is
// accepted, which is intended for development only.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		if !originAllowed(originHeader, s.cfg.AllowedOrigins) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", originHeader)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func originAllowed(origin string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	origin = strings.ToLower(strings.TrimSuffix(origin, "/"))
	for _, allowed := range allowlist {
		if origin == strings.ToLower(strings.TrimSuffix(allowed, "/")) {
			return true
		}
	}
	return false
}
