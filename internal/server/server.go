package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agenta-ai/tracequery/internal/ratelimit"
	"github.com/agenta-ai/tracequery/internal/storage"
)

// Server is the tracequery HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	Logger *slog.Logger

	// Optional: nil disables rate limiting on ingest.
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Ingest is the only write-heavy path; rate limit it per project.
	ingestRL := ratelimit.Middleware(cfg.Limiter, projectKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	mux.Handle("POST /v1/traces", ingestRL(http.HandlerFunc(h.HandleIngest)))
	mux.HandleFunc("POST /v1/spans/query", h.HandleQuerySpans)
	mux.HandleFunc("POST /v1/analytics", h.HandleAnalytics)
	mux.HandleFunc("GET /v1/traces", h.HandleFetchTraces)
	mux.HandleFunc("DELETE /v1/traces", h.HandleDeleteTraces)
	mux.HandleFunc("GET /v1/sessions", h.HandleSessions)
	mux.HandleFunc("GET /v1/users", h.HandleUsers)

	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → project scope → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = projectMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// projectKeyFunc extracts the project ID from the request context for rate
// limiting. Returns empty string when the scope middleware has not run.
func projectKeyFunc(r *http.Request) string {
	pid := ProjectIDFromContext(r.Context())
	if pid == uuid.Nil {
		return ""
	}
	return "ingest:project:" + pid.String()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
