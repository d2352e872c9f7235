package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"datadesk.io/query-orchestrator/internal/auth"
	"datadesk.io/query-orchestrator/internal/config"
	"datadesk.io/query-orchestrator/internal/core"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	serverURL string
	token     string
	timeout   time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "askctl",
	Short: "Ask the query orchestrator questions from the terminal",
	Long: `askctl sends natural language questions to a running query server and
prints the agent log as it streams, followed by the answer.

Example:
  askctl token --user demo > ~/.askctl-token
  askctl ask "Show unpaid invoices from last week" --token "$(cat ~/.askctl-token)"`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Run a question through the pipeline and stream its progress",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var suggestCmd = &cobra.Command{
	Use:   "suggest [partial text]",
	Short: "List query suggestions for partial input",
	RunE:  runSuggest,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show your recent queries",
	RunE:  runHistory,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with JWT_SECRET",
	Long: `Signs a token locally with the server's JWT_SECRET (read from the
environment or .env). Useful for development and demos.`,
	RunE: runToken,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log requests")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("ASKCTL_SERVER", "http://localhost:8080"), "Query server base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("ASKCTL_TOKEN"), "Bearer token (or ASKCTL_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall request timeout")

	askCmd.Flags().StringP("platform", "p", "", "Explicit platform hint")
	askCmd.Flags().Bool("json", false, "Print the result payload as JSON")
	suggestCmd.Flags().IntP("limit", "n", core.DefaultSuggestionLimit, "Maximum suggestions")
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum entries")
	tokenCmd.Flags().String("user", "", "User id to embed as the subject")
	tokenCmd.Flags().Duration("ttl", auth.DefaultTokenTTL, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(askCmd, suggestCmd, historyCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func newClient() *Client {
	return NewClient(serverURL, token, nil, logger)
}

func runAsk(cmd *cobra.Command, args []string) error {
	hint, _ := cmd.Flags().GetString("platform")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, cancel := commandContext()
	defer cancel()

	out := cmd.OutOrStdout()
	result, err := newClient().Ask(ctx, strings.Join(args, " "), hint, func(ev core.StreamEvent) {
		if ev.Type == core.EventLog && !asJSON {
			fmt.Fprintln(out, formatLog(ev))
		}
	})
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, result.Summary)
	if !result.Success {
		return fmt.Errorf("query failed: %s", result.Error)
	}
	return nil
}

func formatLog(ev core.StreamEvent) string {
	mark := "·"
	switch ev.Status {
	case core.StatusSuccess:
		mark = "✓"
	case core.StatusError:
		mark = "✗"
	}
	return fmt.Sprintf("%s [%s] %s", mark, ev.Agent, ev.Message)
}

func runSuggest(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := commandContext()
	defer cancel()

	suggestions, err := newClient().Suggest(ctx, strings.Join(args, " "), limit)
	if err != nil {
		return err
	}
	for _, s := range suggestions {
		fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", s.Type, s.Text)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := commandContext()
	defer cancel()

	entries, err := newClient().History(ctx, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		status := "ok"
		if !e.Succeeded {
			status = "failed"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-6s %-10s %s\n", e.Timestamp.Local().Format(time.DateTime), status, e.Platform, e.QueryText)
	}
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	if _, err := config.LoadConfig(); err != nil {
		return err
	}
	signed, err := auth.NewIssuer(config.AppConfig.JWTSecret, ttl).GenerateJWT(user)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), signed)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
