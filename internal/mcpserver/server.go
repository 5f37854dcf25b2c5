package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all dealbroker tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("dealbroker", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolOpenNegotiation, h.HandleOpenNegotiation)
	s.AddTool(ToolRespondToOffer, h.HandleRespondToOffer)
	s.AddTool(ToolGetNegotiation, h.HandleGetNegotiation)
	s.AddTool(ToolListNegotiations, h.HandleListNegotiations)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolGetEscrowLog, h.HandleGetEscrowLog)
	s.AddTool(ToolMarkDelivered, h.HandleMarkDelivered)
	s.AddTool(ToolReleaseEscrow, h.HandleReleaseEscrow)
	s.AddTool(ToolDisputeEscrow, h.HandleDisputeEscrow)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)

	return s
}
