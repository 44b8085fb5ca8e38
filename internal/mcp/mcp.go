// Package mcp implements the Model Context Protocol server for Engage.
//
// The MCP server exposes the session command surface as tools so the
// conversation layer can drive intake sessions over MCP instead of the HTTP
// API. The transport mounts behind the service-role auth middleware; tool
// handlers read the caller's claims from the request context the same way
// the HTTP handlers do.
package mcp

import (
	"context"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/google/uuid"

	"github.com/engagehq/engage/internal/model"
	"github.com/engagehq/engage/internal/session"
)

// Engine is the slice of the session command surface the MCP tools drive.
// Implemented by *session.Engine.
type Engine interface {
	PostMessage(ctx context.Context, id uuid.UUID, caller session.Caller, req model.PostMessageRequest) (model.SessionSnapshot, error)
	RecordGoalEvidence(ctx context.Context, id uuid.UUID, goalID string, evidenceFound bool) (model.SessionSnapshot, error)
	Get(ctx context.Context, id uuid.UUID, caller session.Caller) (*model.Session, error)
	Messages(ctx context.Context, id uuid.UUID, caller session.Caller) ([]model.Message, error)
}

// Server wraps the MCP server with Engage's session engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    Engine
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(engine Engine, version string, logger *slog.Logger) *Server {
	s := &Server{
		engine: engine,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"engage",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
