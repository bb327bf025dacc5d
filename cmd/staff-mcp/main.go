package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tableside/staff-bridge/internal/conf"
	"github.com/tableside/staff-bridge/internal/mcp"
)

const version = "1.0.0"

func main() {
	apiURL := os.Getenv("BRIDGE_API_URL")
	if apiURL == "" {
		apiURL = fmt.Sprintf("http://127.0.0.1:%d", conf.DefaultAPIPort)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := mcp.NewToolServer(mcp.NewClient(apiURL), version)
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		// stdout carries the protocol
		fmt.Fprintf(os.Stderr, "staff-mcp: %v\n", err)
		os.Exit(1)
	}
}
