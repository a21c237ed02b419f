package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/metoro-io/mcp-golang/transport/stdio"

	"github.com/run-bigpig/stream-guardrails/pkg/agent"
	"github.com/run-bigpig/stream-guardrails/pkg/config"
	"github.com/run-bigpig/stream-guardrails/pkg/mcp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("GUARDRAILS_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Stdout carries the protocol, so streamed text is not echoed
	a, err := agent.NewFromConfig(ctx, cfg, io.Discard)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Printf("Failed to close agent: %v", err)
		}
	}()

	server, err := mcp.NewAgentServer(stdio.NewStdioServerTransport(), a)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := server.Serve(); err != nil {
		log.Fatalf("Failed to serve: %v", err)
	}

	<-ctx.Done()
}
