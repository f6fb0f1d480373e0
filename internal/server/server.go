// Package server implements the HTTP gateway for the chat demo.
//
// Security:
//   - Optional API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-session rate limiting via token bucket
//   - All requests logged with the session ID as correlation ID
//   - Credential material is never serialized into responses
//   - TLS expected via reverse proxy (not handled here)
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/dbchat/internal/observability"
	"github.com/jkaninda/dbchat/internal/ratelimit"
	"github.com/jkaninda/dbchat/internal/session"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Accepted API keys for /v1. Empty = open (demo mode).
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.
	HistoryLimit   int      // Max exchanges returned by /v1/history. Default: 20.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Server is the HTTP gateway.
type Server struct {
	config   Config
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	server *http.Server
	okapi  *okapi.Okapi
	group  *okapi.Group
}

// New creates the HTTP gateway.
func New(cfg Config, sessions *session.Manager, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	return &Server{
		config:   cfg,
		sessions: sessions,
		limiter:  limiter,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	// Chat UI (unauthenticated, like the rest of the demo surface).
	s.okapi.HandleStd("GET", "/", s.handleIndex)

	// API group, key-protected when keys are configured.
	s.group = s.okapi.Group("/v1", s.authenticate)

	s.group.Post("/ask", s.handleAsk,
		okapi.DocSummary("Ask a natural language question about the database"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(AskRequest{}),
		okapi.DocResponse(AskResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	s.group.Post("/ask/stream", s.handleAskStream,
		okapi.DocSummary("Ask a question and stream the answer via SSE"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(AskRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	s.group.Get("/history", s.handleHistory,
		okapi.DocSummary("List recent exchanges for a session"),
		okapi.DocTags("Chat"),
		okapi.DocResponse(HistoryResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Get("/session", s.handleSession,
		okapi.DocSummary("Show session and lease status (password redacted)"),
		okapi.DocTags("Session"),
		okapi.DocResponse(session.Info{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Delete("/session", s.handleSessionClose,
		okapi.DocSummary("Close a session and revoke its database lease"),
		okapi.DocTags("Session"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// WebSocket chat endpoint.
	s.okapi.HandleStd("GET", "/ws", s.handleWebSocket)

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "dbchat",
			Version: "v0.1.0",
		})
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http gateway starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server. Open sessions are closed
// (and their leases revoked) by the caller via the session manager.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http gateway stopping")
	return s.okapi.Shutdown(s.server)
}

// authenticate validates the API key when keys are configured. The demo
// deployment runs without keys; real ones front the gateway with them.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(s.config.APIKeys) == 0 {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		for _, key := range s.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				return next(c)
			}
		}
		return c.AbortUnauthorized("invalid API key")
	}
}

func (s *Server) historyLimit() int {
	if s.config.HistoryLimit > 0 {
		return s.config.HistoryLimit
	}
	return 20
}
