// Package mcp exposes the tagflow query surface and the routing engine as
// MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/tagflow/internal/archive"
	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/observe"
	"github.com/rendis/tagflow/internal/streaming"
	"github.com/rendis/tagflow/pkg/schema"
)

// ServerDeps holds the dependencies for creating a TagflowServer. Store is
// required. Tools backed by a missing dependency answer with a tool error.
type ServerDeps struct {
	Store      *observe.Store
	Router     *engine.Router
	Definition *schema.PipelineDefinition
	Archive    *archive.Store
	Hub        streaming.EventHub
	Logger     *slog.Logger
	Version    string
}

// TagflowServer wraps an MCP server with tagflow tool handlers.
type TagflowServer struct {
	store      *observe.Store
	router     *engine.Router
	definition *schema.PipelineDefinition
	archive    *archive.Store
	hub        streaming.EventHub
	logger     *slog.Logger
	mcpServer  *server.MCPServer

	// routeMu serializes tagflow.route; a Router runs one traversal at a time.
	routeMu sync.Mutex
}

// NewTagflowServer creates a TagflowServer with every tool registered.
func NewTagflowServer(deps ServerDeps) (*TagflowServer, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "mcp server requires an observability store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &TagflowServer{
		store:      deps.Store,
		router:     deps.Router,
		definition: deps.Definition,
		archive:    deps.Archive,
		hub:        deps.Hub,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"tagflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("tagflow routes text lines through tagged processors. Use tagflow.route to push lines through the loaded pipeline, tagflow.metrics, tagflow.traces and tagflow.errors to inspect observability data, tagflow.transitions for routing counts, tagflow.diagram to draw the routing graph and tagflow.runs for archived run summaries."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *TagflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns a streamable HTTP transport for the server.
func (s *TagflowServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *TagflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *TagflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: metricsTool(), Handler: s.handleMetrics},
		{Tool: tracesTool(), Handler: s.handleTraces},
		{Tool: errorsTool(), Handler: s.handleErrors},
		{Tool: transitionsTool(), Handler: s.handleTransitions},
		{Tool: routeTool(), Handler: s.handleRoute},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
}
