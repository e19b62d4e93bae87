// Package mcp exposes the tool registry as an MCP (Model Context Protocol)
// server over streamable HTTP. Tool calls run through the same services as
// the HTTP endpoints, so path checks, the command policy and quota charging
// apply unchanged.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/nox/internal/tools"
)

const serverName = "nox"

// Server wraps an MCP server whose tools come from a tools.Registry.
type Server struct {
	mcpServer *server.MCPServer
	http      *server.StreamableHTTPServer
	logger    *slog.Logger
}

// NewServer registers every tool of reg on a new MCP server.
func NewServer(reg *tools.Registry, version string, logger *slog.Logger) (*Server, error) {
	s := &Server{
		mcpServer: server.NewMCPServer(serverName, version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		logger: logger,
	}
	for _, t := range reg.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("encoding schema of %s: %w", t.Name(), err)
		}
		s.mcpServer.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), s.handler(t))
	}
	s.http = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			// The pipeline stores the admitted caller on the request context.
			return tools.ContextWithCaller(ctx, tools.CallerFromContext(r.Context()))
		}),
	)

	logger.Info("mcp server ready", slog.Int("tools", len(reg.Names())))
	return s, nil
}

// MCPServer returns the underlying server, e.g. for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// Handler returns the streamable HTTP handler to mount at /mcp.
func (s *Server) Handler() http.Handler { return s.http }

// handler adapts a tools.Tool to an MCP tool handler. Tool failures are
// returned as error results so the client sees the message.
func (s *Server) handler(t tools.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := req.GetArguments()
		if params == nil {
			params = map[string]any{}
		}
		if err := t.Validate(params); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		s.logger.InfoContext(ctx, "mcp tool call", slog.String("tool", t.Name()))

		res, err := t.Execute(ctx, params)
		if err != nil {
			s.logger.WarnContext(ctx, "mcp tool failed",
				slog.String("tool", t.Name()),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !res.Success {
			return mcp.NewToolResultError(res.Output), nil
		}
		return mcp.NewToolResultText(res.Output), nil
	}
}
