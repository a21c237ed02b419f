package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"time"

	"github.com/metoro-io/mcp-golang/transport"
	"github.com/metoro-io/mcp-golang/transport/http"
	"github.com/metoro-io/mcp-golang/transport/stdio"
	"github.com/spf13/cobra"

	"github.com/run-bigpig/stream-guardrails/pkg/agent"
	"github.com/run-bigpig/stream-guardrails/pkg/logging"
	"github.com/run-bigpig/stream-guardrails/pkg/mcp"
	"github.com/run-bigpig/stream-guardrails/pkg/metrics"
)

var (
	serveTransport string
	serveAddr      string
	servePath      string
	metricsAddr    string
)

// serveCmd exposes the agent as MCP tools
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the guardrailed agent as MCP tools",
	Long: `Serves guarded_answer, stream_answer, verify_text and get_session to
MCP clients over stdio or HTTP.

Example:
  guardrails serve --transport http --addr :8083 --metrics-addr :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	var t transport.Transport
	switch serveTransport {
	case "stdio":
		t = stdio.NewStdioServerTransport()
	case "http":
		t = http.NewHTTPTransport(servePath).WithAddr(serveAddr)
	default:
		return fmt.Errorf("unknown transport %q: use stdio or http", serveTransport)
	}

	logger := logging.New(logging.WithLevel(cfg.Logging.Level))

	// Stdout may carry the protocol, so streamed text is never echoed
	return withAgent(cmd, io.Discard, func(ctx context.Context, a *agent.Agent) error {
		if metricsAddr != "" {
			stop := serveMetrics(ctx, metricsAddr, logger)
			defer stop()
		}

		server, err := mcp.NewAgentServer(t, a, mcp.WithLogger(logger))
		if err != nil {
			return err
		}

		logger.Info(ctx, "Serving MCP tools", map[string]interface{}{
			"transport": serveTransport,
			"addr":      serveAddr,
		})
		if err := server.Serve(); err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}

		// The stdio transport serves in the background
		<-ctx.Done()
		return nil
	})
}

// serveMetrics exposes /metrics on addr until the returned stop is called
func serveMetrics(ctx context.Context, addr string, logger logging.Logger) func() {
	metrics.Register()

	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &nethttp.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			logger.Error(ctx, "Metrics server failed", map[string]interface{}{
				"addr":  addr,
				"error": err.Error(),
			})
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
