// Package main provides the boardgame-notifier binary: an HTTP service and CLI that
// turns scraped board-game store listings into deduplicated events and alerts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"boardgame-notifier/config"
	"boardgame-notifier/poll"

	"github.com/spf13/cobra"
)

const appName = "boardgame-notifier"

// Set by -ldflags at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Board game listing alerts",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `boardgame-notifier ingests listings from board game stores, drops
duplicates, links them to catalog games and fires alert rules through
Telegram, Web Push and email.

Configuration is read from the environment and an optional .env file.`,
	}

	cmd.AddCommand(serveCmd(), pollCmd(), suggestCmd(), importGamesCmd(), versionCmd())
	return cmd
}

// setup loads configuration and wires the application.
func setup(ctx context.Context) (*app, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func serveCmd() *cobra.Command {
	var noPoll bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and background poller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cfg, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if !noPoll {
				go a.monitor.Run(ctx, cfg.PollInterval)
			}
			return a.server.ListenAndServe(ctx, cfg.Port)
		},
	}
	cmd.Flags().BoolVar(&noPoll, "no-poll", false, "Disable the background poller (rely on POST /pollz)")
	return cmd
}

func pollCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run every agent once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cfg, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			monitor, err := a.monitorFor(cfg, agentID)
			if err != nil {
				return err
			}
			results, err := monitor.CheckAll(ctx, true)
			if err != nil {
				return err
			}
			return printPollResults(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Run only the agent with this id")
	return cmd
}

func importGamesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-games <file>",
		Short: "Load a YAML game catalog into storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.importGames(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d games from %s\n", n, args[0])
			return err
		},
	}
}

func suggestCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "suggest <title>",
		Short: "Rank catalog games by similarity to a listing title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			suggestions, err := a.matcher.Suggest(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(suggestions)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "Maximum number of suggestions")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func printPollResults(w io.Writer, results []poll.Result) error {
	for _, r := range results {
		if r.Agent == "" {
			continue
		}
		status := "ok"
		switch {
		case r.Skipped:
			status = "skipped"
		case r.Err != nil:
			status = "error: " + r.Err.Error()
		}
		if _, err := fmt.Fprintf(w, "%-24s drafts=%d accepted=%d duplicates=%d invalid=%d failed=%d %s\n",
			r.Agent, r.Drafts, r.Accepted, r.Duplicates, r.Invalid, r.Failed, status); err != nil {
			return err
		}
	}
	return nil
}
