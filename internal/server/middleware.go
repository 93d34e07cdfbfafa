package server

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const redacted = "[REDACTED]"

// secretKeyFragments mark parameter names whose values must not be logged.
var secretKeyFragments = []string{"pass", "token", "secret", "key", "signature", "auth", "cookie"}

// redactQuery renders a query string with secret-looking values replaced.
func redactQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	out := make(url.Values, len(q))
	for k, vs := range q {
		lower := strings.ToLower(k)
		secret := slices.ContainsFunc(secretKeyFragments, func(f string) bool {
			return strings.Contains(lower, f)
		})
		if !secret {
			out[k] = vs
			continue
		}
		masked := make([]string, len(vs))
		for i := range masked {
			masked[i] = redacted
		}
		out[k] = masked
	}
	// Encode escapes the brackets; the raw form reads better in logs.
	s, err := url.QueryUnescape(out.Encode())
	if err != nil {
		return out.Encode()
	}
	return s
}

// withRequestID tags every request with an id, reusing a well-formed one
// supplied by an upstream proxy.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status and size of a response. Unwrap lets
// http.ResponseController reach the flusher and deadline setters beneath.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(p []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(p)
	rec.written += int64(n)
	return n, err
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

// withAccessLog logs one line per request. Aborted streams are logged before
// the abort is passed on to net/http.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	log := s.log.Named("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		aborted := true
		defer func() {
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", redactQuery(r.URL.Query())),
				zap.Int("status", status),
				zap.Int64("bytes", rec.written),
				zap.Duration("duration", time.Since(start)),
				zap.String("client", s.clientAddress(r)),
				zap.String("request_id", r.Header.Get("X-Request-Id")),
			}
			if aborted {
				fields = append(fields, zap.Bool("aborted", true))
			}
			log.Info("request", fields...)
		}()

		next.ServeHTTP(rec, r)
		aborted = false
	})
}

// withCORS applies the configured origin policy. A "*" entry allows any
// origin without credentials; explicit origins are echoed back and may send
// cookies.
func (s *Server) withCORS(next http.Handler) http.Handler {
	allowed := s.config.CORS.AllowedOrigins
	wildcard := slices.Contains(allowed, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			h := w.Header()
			switch {
			case slices.Contains(allowed, origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			}
			h.Set("Access-Control-Expose-Headers", "Content-Range, Content-Length, Accept-Ranges, ETag, Content-Disposition")
		}
		next.ServeHTTP(w, r)
	})
}

// handlePreflight answers CORS preflight requests for a route.
func (s *Server) handlePreflight(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Methods", methods)
		h.Set("Access-Control-Allow-Headers", "Range, If-None-Match, Content-Type, Authorization, X-Admin-Secret")
		h.Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
	}
}
