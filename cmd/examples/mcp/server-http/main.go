package main

import (
	"context"
	"io"
	"log"
	nethttp "net/http"
	"os"

	"github.com/metoro-io/mcp-golang/transport/http"

	"github.com/run-bigpig/stream-guardrails/pkg/agent"
	"github.com/run-bigpig/stream-guardrails/pkg/config"
	"github.com/run-bigpig/stream-guardrails/pkg/mcp"
	"github.com/run-bigpig/stream-guardrails/pkg/metrics"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("GUARDRAILS_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	a, err := agent.NewFromConfig(ctx, cfg, io.Discard)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			log.Printf("Failed to close agent: %v", err)
		}
	}()

	metrics.Register()
	go func() {
		mux := nethttp.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Println("Serving metrics on :9090/metrics...")
		if err := nethttp.ListenAndServe(":9090", mux); err != nil {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()

	// Create an HTTP transport that listens on /mcp endpoint
	transport := http.NewHTTPTransport("/mcp").WithAddr(":8083")

	server, err := mcp.NewAgentServer(transport, a)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	log.Println("Starting HTTP server on :8083...")
	if err := server.Serve(); err != nil {
		log.Fatalf("Failed to serve: %v", err)
	}
}
