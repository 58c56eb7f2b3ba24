package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/zenglow/fusionrank/internal/app"
	"github.com/zenglow/fusionrank/internal/logging"
)

// ServerName is the MCP server name
const ServerName = "fusionrank"

// ServerVersion is reported to MCP clients. Set at build time by the CLI.
var ServerVersion = "dev"

// Server wraps the MCP server with the wired application
type Server struct {
	mcp    *server.MCPServer
	app    *app.App
	logger *logging.Logger
}

// NewServer creates a new MCP server instance. The caller keeps ownership of
// the App and closes it after Serve returns.
func NewServer(a *app.App) (*Server, error) {
	if a == nil || a.Engine == nil {
		return nil, errors.New("app is required")
	}
	logger := a.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Server{
		mcp:    server.NewMCPServer(ServerName, ServerVersion),
		app:    a,
		logger: logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info(ctx, "serving mcp on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(ragQueryTool(), s.handleRAGQuery)
	s.mcp.AddTool(ingestDocumentTool(), s.handleIngestDocument)
	s.mcp.AddTool(activateWeightsTool(), s.handleActivateWeights)
	s.mcp.AddTool(getActiveExperimentTool(), s.handleGetActiveExperiment)
	s.mcp.AddTool(invalidateCacheTool(), s.handleInvalidateCache)
	s.mcp.AddTool(recordInteractionTool(), s.handleRecordInteraction)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}
