package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/run-bigpig/stream-guardrails/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write the default configuration to a new file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigInit,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	masked := *cfg
	masked.LLM.OpenAI.APIKey = mask(masked.LLM.OpenAI.APIKey)
	masked.LLM.Anthropic.APIKey = mask(masked.LLM.Anthropic.APIKey)
	masked.Store.Redis.Password = mask(masked.Store.Redis.Password)
	masked.Store.Postgres.DSN = mask(masked.Store.Postgres.DSN)
	masked.Tracing.Langfuse.SecretKey = mask(masked.Tracing.Langfuse.SecretKey)

	data, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
	return nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}
