// EscrowNow MCP Server - exposes escrow transactions as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrownow/internal/mcpserver"
	appserver "github.com/mbd888/escrownow/internal/server"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("ESCROWNOW_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("ESCROWNOW_API_KEY"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "ESCROWNOW_API_KEY is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, appserver.Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
