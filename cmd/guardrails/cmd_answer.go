package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/run-bigpig/stream-guardrails/pkg/agent"
)

var (
	streamInterval int
	streamCap      int
	streamQuiet    bool
)

// streamCmd streams an answer under the monitor
var streamCmd = &cobra.Command{
	Use:   "stream [prompt]",
	Short: "Stream an answer, stopping as soon as a guardrail check fails",
	Long: `Streams the model's answer to stdout while the streaming guardrail
samples it every --interval characters. The session result is printed as JSON
once streaming stops.

Example:
  guardrails stream "How do plants make food?" --interval 30 --cap 600`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStream,
}

// askCmd answers without streaming
var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Answer a prompt behind the input and output guardrails",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func runStream(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	if streamInterval > 0 {
		cfg.Guardrails.SamplingInterval = streamInterval
	}
	if streamCap > 0 {
		cfg.Guardrails.HardLengthCap = streamCap
	}

	out := cmd.OutOrStdout()
	sink := out
	if streamQuiet {
		sink = io.Discard
	}

	return withAgent(cmd, sink, func(ctx context.Context, a *agent.Agent) error {
		res, err := a.RunStreamed(ctx, prompt)
		if res != nil {
			if !streamQuiet {
				fmt.Fprintln(out)
			}
			if encErr := writeJSON(out, res); encErr != nil {
				return encErr
			}
		}
		if err != nil {
			return fmt.Errorf("stream failed: %w", err)
		}
		return nil
	})
}

func runAsk(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	return withAgent(cmd, nil, func(ctx context.Context, a *agent.Agent) error {
		resp, err := a.Run(ctx, prompt)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), resp)
	})
}
