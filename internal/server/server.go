package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/engagehq/engage/internal/auth"
	"github.com/engagehq/engage/internal/model"
	"github.com/engagehq/engage/internal/ratelimit"
)

// Server is the Engage HTTP server.
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
// Optional fields (nil-safe): Limiter, Broker, MCPServer, and the index/
// embedding deps carried inside Handlers.
type ServerConfig struct {
	Handlers  HandlersDeps
	JWTMgr    *auth.JWTManager
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	Logger    *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Handlers)

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Visitor traffic is limited per client IP; staff and above are exempt.
	visitorRL := ratelimit.Middleware(cfg.Limiter, visitorKeyFunc, reqIDFunc)

	visitorAuth := requireRole(model.RoleVisitor)
	serviceRole := requireRole(model.RoleService)
	staffRole := requireRole(model.RoleStaff)
	adminOnly := requireRole(model.RoleAdmin)

	mux := http.NewServeMux()

	// Session lifecycle. Start and message posting are reachable without a
	// bearer token: unsecured sessions authenticate with the resume token
	// inside the engine.
	mux.Handle("POST /v1/sessions", visitorRL(http.HandlerFunc(h.HandleStartSession)))
	mux.Handle("POST /v1/sessions/{id}/messages", visitorRL(http.HandlerFunc(h.HandlePostMessage)))
	mux.Handle("GET /v1/sessions/{id}", visitorRL(http.HandlerFunc(h.HandleGetSession)))
	mux.Handle("POST /v1/sessions/{id}/login", visitorRL(visitorAuth(http.HandlerFunc(h.HandleCompleteLogin))))

	// Understanding-layer callback.
	mux.Handle("POST /v1/sessions/{id}/goals/{goal_id}/evidence", serviceRole(http.HandlerFunc(h.HandleGoalEvidence)))

	// Staff dashboard.
	mux.Handle("GET /v1/sessions", staffRole(http.HandlerFunc(h.HandleListSessions)))
	mux.Handle("PATCH /v1/sessions/{id}/assignee", staffRole(http.HandlerFunc(h.HandleAssign)))
	mux.Handle("GET /v1/identities/{subject}/sessions", staffRole(http.HandlerFunc(h.HandleIdentitySessions)))
	mux.Handle("GET /v1/events", staffRole(http.HandlerFunc(h.HandleSubscribe)))

	// Conflict corpus.
	mux.Handle("POST /v1/conflicts/entries", staffRole(http.HandlerFunc(h.HandleCreateConflictEntry)))
	mux.Handle("GET /v1/conflicts/entries", staffRole(http.HandlerFunc(h.HandleListConflictEntries)))
	mux.Handle("DELETE /v1/conflicts/entries/{entity_id}", adminOnly(http.HandlerFunc(h.HandleDeleteConflictEntry)))

	// Knowledge corpus.
	mux.Handle("POST /v1/knowledge/documents", staffRole(http.HandlerFunc(h.HandleUpsertKnowledgeDocument)))
	mux.Handle("GET /v1/knowledge/documents", staffRole(http.HandlerFunc(h.HandleListKnowledgeDocuments)))
	mux.Handle("DELETE /v1/knowledge/documents/{goal_id}", staffRole(http.HandlerFunc(h.HandleDeleteKnowledgeDocument)))

	// Administration.
	mux.Handle("DELETE /v1/sessions/{id}", adminOnly(http.HandlerFunc(h.HandleDeleteSession)))
	mux.Handle("DELETE /v1/sessions/{id}/goals/{goal_id}", adminOnly(http.HandlerFunc(h.HandleRemoveGoal)))
	mux.Handle("POST /v1/reconcile", adminOnly(http.HandlerFunc(h.HandleReconcile)))
	mux.Handle("POST /v1/tenants", adminOnly(http.HandlerFunc(h.HandleCreateTenant)))

	// MCP StreamableHTTP transport for the conversation loop (service role).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", serviceRole(mcpHTTP))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
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

// visitorKeyFunc rate-limits anonymous and visitor traffic by client IP.
// Staff and above are exempt.
func visitorKeyFunc(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		if model.RoleAtLeast(claims.Role, model.RoleStaff) {
			return ""
		}
	}
	return "ip:" + ratelimit.IPKeyFunc(r)
}

// Handlers returns the underlying Handlers for use in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
