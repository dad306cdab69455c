package mcp

import (
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server wraps an MCP server with payment gating. Free tools are served
// directly; tools whose route carries a gateway acceptance require a valid
// payment in the tool call's params._meta.
type Server struct {
	mcpServer *mcpserver.MCPServer
	auth      Authorizer
}

// NewServer creates an MCP server whose tool calls are gated by auth. Which
// tools are paid is decided by the gateway configuration: a tool named
// "weather" is paid when an acceptance with Route "mcp://tools/weather"
// exists.
func NewServer(name, version string, auth Authorizer) *Server {
	return &Server{
		mcpServer: mcpserver.NewMCPServer(name, version),
		auth:      auth,
	}
}

// AddTool registers a tool on the underlying MCP server.
func (s *Server) AddTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

// Handler returns the streamable HTTP handler wrapped with payment gating.
func (s *Server) Handler() http.Handler {
	return NewHandler(mcpserver.NewStreamableHTTPServer(s.mcpServer), s.auth)
}

// Start serves the gated MCP handler on addr.
func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

// MCPServer returns the underlying MCP server for advanced usage.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
