package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/run-bigpig/stream-guardrails/pkg/agent"
	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming"
	"github.com/run-bigpig/stream-guardrails/pkg/store"
)

var (
	listLimit    int
	listOutcomes []string

	// openStore opens the configured session store
	openStore = agent.OpenStore
)

// sessionsCmd inspects stored streaming sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored streaming sessions",
	Long: `List, show and delete the results of streamed sessions kept in the
configured store. The memory store only lives as long as the process, so
these commands are useful with the redis and postgres stores.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, newest first",
	RunE:  runSessionsList,
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Print a stored session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsGet,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a stored session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

// withStore opens the store, hands it to fn and releases it afterwards
func withStore(cmd *cobra.Command, fn func(ctx context.Context, sessions store.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sessions, release, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer release(context.WithoutCancel(ctx))

	if sessions == nil {
		return errors.New("session store is disabled")
	}
	return fn(ctx, sessions)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	options := []store.ListOption{store.WithLimit(listLimit)}
	if len(listOutcomes) > 0 {
		outcomes := make([]streaming.Outcome, 0, len(listOutcomes))
		for _, o := range listOutcomes {
			outcomes = append(outcomes, streaming.Outcome(strings.ToLower(o)))
		}
		options = append(options, store.WithOutcomes(outcomes...))
	}

	return withStore(cmd, func(ctx context.Context, sessions store.Store) error {
		records, err := sessions.List(ctx, options...)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "No stored sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tCREATED\tOUTCOME\tSTOP\tCHARS\tPROMPT")
		for _, rec := range records {
			var outcome, stop string
			var chars int
			if rec.Result != nil {
				outcome = string(rec.Result.Outcome)
				stop = string(rec.Result.StopReason)
				chars = rec.Result.TotalCharacters
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				rec.SessionID, rec.CreatedAt.Format("2006-01-02 15:04:05"), outcome, stop, chars, truncate(rec.Prompt, 40))
		}
		return w.Flush()
	})
}

func runSessionsGet(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, sessions store.Store) error {
		rec, err := sessions.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get session %s: %w", args[0], err)
		}
		return writeJSON(cmd.OutOrStdout(), rec)
	})
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, sessions store.Store) error {
		if err := sessions.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
		return nil
	})
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
