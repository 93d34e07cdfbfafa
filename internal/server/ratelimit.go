package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// withRateLimit applies the per-client request budget to every API route.
// Rejected requests have no side effects.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		d := s.requests.Allow(s.clientAddress(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.requests.Limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddress identifies the caller for rate limiting and download link
// binding. X-Forwarded-For is only honored behind a trusted proxy.
func (s *Server) clientAddress(r *http.Request) string {
	if s.config.Server.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
