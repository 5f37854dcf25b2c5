// dealbroker MCP server - exposes negotiation and escrow operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/dealbroker/internal/mcpserver"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:  envOrDefault("DEALBROKER_API_URL", "http://localhost:8080"),
		Token:   os.Getenv("DEALBROKER_TOKEN"),
		ActorID: os.Getenv("DEALBROKER_ACTOR_ID"),
		Role:    os.Getenv("DEALBROKER_ACTOR_ROLE"),
	}

	if cfg.ActorID == "" {
		fmt.Fprintln(os.Stderr, "DEALBROKER_ACTOR_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, version)
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
