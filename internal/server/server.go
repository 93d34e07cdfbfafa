package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kertas/internal/access"
	"github.com/ssd-technologies/kertas/internal/config"
	"github.com/ssd-technologies/kertas/internal/drives"
	"github.com/ssd-technologies/kertas/internal/objectstore"
	"github.com/ssd-technologies/kertas/internal/ratelimit"
	"github.com/ssd-technologies/kertas/internal/stream"
	"github.com/ssd-technologies/kertas/internal/tokens"
)

// Server is the HTTP front door of the Kertas API.
type Server struct {
	log    *zap.Logger
	config *config.Config

	drives *drives.Registry
	tokens *tokens.Service
	store  objectstore.Store
	gate   *access.Gate
	proxy  *stream.Proxy

	requestStore ratelimit.Store
	requests     *ratelimit.Limiter
	loginStore   ratelimit.Store
	logins       *ratelimit.Limiter

	now     func() time.Time
	mux     *http.ServeMux
	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimitStores replaces the in-memory counter stores, e.g. with a
// store shared between processes.
func WithRateLimitStores(requests, logins ratelimit.Store) Option {
	return func(s *Server) {
		s.requestStore = requests
		s.loginStore = logins
	}
}

// WithClock overrides the time source of the rate limiters.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server with all routes registered.
func New(log *zap.Logger, cfg *config.Config, registry *drives.Registry, tokenService *tokens.Service, store objectstore.Store, opts ...Option) *Server {
	s := &Server{
		log:          log,
		config:       cfg,
		drives:       registry,
		tokens:       tokenService,
		store:        store,
		requestStore: ratelimit.NewMemoryStore(),
		loginStore:   ratelimit.NewMemoryStore(),
		now:          time.Now,
		mux:          http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.gate = access.NewGate(log.Named("gate"), registry, tokenService, store, access.Config{
		RevealDriveExistence: cfg.Login.RevealDriveExistence,
	})
	s.proxy = stream.NewProxy(log.Named("stream"), store, stream.Config{
		IdleTimeout: cfg.Stream.IdleTimeout,
		MaxDuration: cfg.Stream.MaxDuration,
		CacheMaxAge: cfg.Stream.CacheMaxAge,
	})
	s.requests = ratelimit.New(s.requestStore, cfg.RateLimit.Requests, cfg.RateLimit.Window, ratelimit.WithClock(s.now))
	s.logins = ratelimit.New(s.loginStore, cfg.Login.MaxFailures, cfg.Login.Window, ratelimit.WithClock(s.now))

	s.routes()
	s.handler = s.withRequestID(s.withAccessLog(s.withCORS(s.withRateLimit(s.mux))))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Drives and sessions
	s.mux.HandleFunc("GET /api/drives", s.handleListDrives)
	s.mux.HandleFunc("POST /api/drive-auth", s.handleDriveLogin)
	s.mux.HandleFunc("GET /api/drive-auth", s.handleDriveSession)
	s.mux.HandleFunc("DELETE /api/drive-auth", s.handleDriveLogout)
	s.mux.HandleFunc("OPTIONS /api/drive-auth", s.handlePreflight("GET, POST, DELETE, OPTIONS"))

	// Files (GET also serves HEAD)
	s.mux.HandleFunc("GET /api/files", s.handleFiles)
	s.mux.HandleFunc("OPTIONS /api/files", s.handlePreflight("GET, HEAD, OPTIONS"))

	// Download links
	s.mux.HandleFunc("POST /api/download-links", s.handleCreateDownloadLink)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "kertas",
	})
}

// handleListDrives handles GET /api/drives. Container ids and password
// material are never included.
func (s *Server) handleListDrives(w http.ResponseWriter, r *http.Request) {
	enabled := s.drives.ListEnabled()
	result := make([]map[string]any, len(enabled))
	for i, d := range enabled {
		result[i] = map[string]any{
			"slug":             d.Slug,
			"name":             d.DisplayName,
			"description":      d.Description,
			"requiresPassword": d.RequiresPassword && d.Slug != drives.PublicSlug,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drives": result})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
