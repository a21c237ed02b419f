// Package main implements the guardrails CLI: streamed and non-streamed
// answers behind content guardrails, session lookup and an MCP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/run-bigpig/stream-guardrails/pkg/agent"
	"github.com/run-bigpig/stream-guardrails/pkg/config"
)

var (
	// Global flags
	configPath string
	logLevel   string

	// cfg is loaded before any subcommand runs
	cfg *config.Config

	// newAgent builds the agent for a command
	newAgent = agent.NewFromConfig
)

var rootCmd = &cobra.Command{
	Use:   "guardrails",
	Short: "Stream LLM answers behind content guardrails",
	Long: `guardrails answers prompts with an LLM while a judge model checks the
answer. Streamed answers are sampled as they arrive and cut off as soon as a
check fails.

Configuration comes from the file given with --config, a .env file and the
environment, in increasing order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		cfg = loaded
		config.Set(cfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")

	streamCmd.Flags().IntVar(&streamInterval, "interval", 0, "characters between sampled checks (default from config)")
	streamCmd.Flags().IntVar(&streamCap, "cap", 0, "maximum characters to accept (default from config)")
	streamCmd.Flags().BoolVarP(&streamQuiet, "quiet", "q", false, "print only the result, not the streamed text")

	sessionsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum number of sessions, newest first")
	sessionsListCmd.Flags().StringSliceVar(&listOutcomes, "outcome", nil, "only sessions with these outcomes (clean, tripped, faulted)")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsGetCmd, sessionsDeleteCmd)

	serveCmd.Flags().StringVar(&serveTransport, "transport", "stdio", "MCP transport: stdio or http")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8083", "listen address for the http transport")
	serveCmd.Flags().StringVar(&servePath, "path", "/mcp", "endpoint path for the http transport")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	configCmd.AddCommand(configShowCmd, configInitCmd)

	rootCmd.AddCommand(streamCmd, askCmd, sessionsCmd, serveCmd, configCmd)
}

// withAgent builds an agent, hands it to fn and closes it afterwards
func withAgent(cmd *cobra.Command, sink io.Writer, fn func(ctx context.Context, a *agent.Agent) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newAgent(ctx, cfg, sink)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
	}()

	return fn(ctx, a)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
