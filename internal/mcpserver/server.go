package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("escrownow", version)
	h := NewHandlers(NewEscrowClient(cfg))

	s.AddTool(ToolListTransactions, h.HandleListTransactions)
	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolCreateTransaction, h.HandleCreateTransaction)
	s.AddTool(ToolTransitionTransaction, h.HandleTransitionTransaction)
	s.AddTool(ToolSendMessage, h.HandleSendMessage)
	s.AddTool(ToolRequestMediation, h.HandleRequestMediation)
	s.AddTool(ToolGetMediation, h.HandleGetMediation)
	s.AddTool(ToolAskAssistant, h.HandleAskAssistant)

	return s
}
