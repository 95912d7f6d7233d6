package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/recoup-ai/recoup/internal/auth"
	"github.com/recoup-ai/recoup/internal/ratelimit"
)

// Config holds HTTP server settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the Recoup HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

/// New builds the server: routes, middleware chain and rate limiting.
// limiter may be nil to disable rate limiting.
func New(cfg Config, handlers *Handlers, jwtMgr *auth.JWTManager, limiter ratelimit.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	// Authenticated routes are limited per seller; unauthenticated ones per
	// client IP so a noisy neighbor cannot lock out token issuance for
	// everyone.
	sellerRL := ratelimit.Middleware(limiter, sellerKey, requestID)
	ipRL := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, requestID)

	mux := http.NewServeMux()

	mux.Handle("GET /health", http.HandlerFunc(handlers.HandleHealth))
	mux.Handle("GET /version", http.HandlerFunc(handlers.HandleVersion))
	mux.Handle("POST /auth/token", ipRL(http.HandlerFunc(handlers.HandleAuthToken)))

	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, sellerRL(fn))
	}

	route("POST /v1/connections", handlers.HandleCreateConnection)
	route("GET /v1/connections", handlers.HandleListConnections)
	route("DELETE /v1/connections/{connection_id}", handlers.HandleDeleteConnection)

	route("POST /v1/sync/jobs", handlers.HandleStartSync)
	route("GET /v1/sync/jobs", handlers.HandleListJobs)
	route("GET /v1/sync/jobs/{job_id}", handlers.HandleGetJob)
	route("POST /v1/sync/jobs/{job_id}/cancel", handlers.HandleCancelJob)
	route("GET /v1/sync/status", handlers.HandleSyncStatus)

	route("GET /v1/records", handlers.HandleListRecords)
	route("GET /v1/records/{record_id}", handlers.HandleGetRecord)

	route("GET /v1/claims", handlers.HandleListClaims)
	route("GET /v1/claims/{claim_id}", handlers.HandleGetClaim)

	route("POST /v1/matching/jobs", handlers.HandleStartMatching)
	route("GET /v1/matches", handlers.HandleListMatches)

	route("GET /v1/documents", handlers.HandleListDocuments)
	route("GET /v1/documents/{document_id}", handlers.HandleGetDocument)
	route("POST /v1/documents/reindex", handlers.HandleReindexDocuments)
	route("POST /v1/documents/{document_id}/reparse", handlers.HandleReparseDocument)
	route("POST /v1/documents/ingest", handlers.HandleStartDocumentIngest)

	route("GET /v1/prompts", handlers.HandleListPrompts)
	route("POST /v1/prompts/{prompt_id}/answer", handlers.HandleAnswerPrompt)

	route("GET /v1/disputes", handlers.HandleListDisputes)
	route("GET /v1/disputes/{dispute_id}", handlers.HandleGetDispute)
	route("POST /v1/disputes/{dispute_id}/filing", handlers.HandleUpdateDisputeFiling)

	route("GET /v1/events", handlers.HandleEvents)

	// Innermost first: recovery wraps the mux so a handler panic cannot
	// escape, auth runs before any handler sees the request, and request ID
	// assignment is the outermost layer so every log line carries one.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = authMiddleware(jwtMgr, handler)
	handler = loggingMiddleware(logger, handler)
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
		handler: handler,
		logger:  logger,
	}
}

// Handler exposes the full middleware-wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called; a clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// sellerKey keys rate limiting by the authenticated seller, falling back to
// the client IP for anything that reaches a limited route unauthenticated.
func sellerKey(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return "seller:" + claims.SellerID.String()
	}
	return ratelimit.IPKeyFunc(r)
}

func requestID(r *http.Request) string {
	return RequestIDFromContext(r.Context())
}
