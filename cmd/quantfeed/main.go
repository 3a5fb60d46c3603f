package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantfeed/quantfeed/internal/config"
)

const (
	appName = "quantfeed"
	version = "v0.3.0"
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-venue market data collector with quality scoring",
		Version: version,
		Long: `quantfeed ingests candles, trades, and order book snapshots from
crypto venues over REST and websocket, persists them to Postgres,
scores data quality per market, and schedules gap backfills.

Run 'quantfeed migrate' once against a fresh database, then
'quantfeed run' to start the daemon.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the collector daemon",
		Long: `Starts REST collectors, stream sessions, batch writers, the quality
scanner, the backfill sweeper, retention, and the ops HTTP server.
Stops cleanly on SIGINT/SIGTERM: intake halts first, writers flush
what is queued, and interrupted backfill tasks roll back to pending.`,
		RunE: runDaemon,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		RunE:  runMigrate,
	}

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Enqueue a manual backfill task",
		Long: `Creates a top-priority backfill task for one market. A running
daemon claims it on its next sweep; the command itself only writes
the task row.`,
		RunE: runBackfill,
	}
	backfillCmd.Flags().String("exchange", "", "Exchange name (required)")
	backfillCmd.Flags().String("symbol", "", "Market symbol (required)")
	backfillCmd.Flags().String("type", "candles", "Data type (candles|trades)")
	backfillCmd.Flags().String("tf", "1m", "Timeframe for candles (1m|5m|15m|1h|1d)")
	backfillCmd.Flags().String("from", "", "Range start, RFC3339 (required)")
	backfillCmd.Flags().String("to", "", "Range end, RFC3339 (defaults to now)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print process state from a running daemon",
		RunE:  runStatus,
	}
	statusCmd.Flags().String("addr", "", "Ops server address (defaults to the configured server)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", level)
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// loadConfig resolves --config; an empty path means built-in defaults,
// which start the server and scanner with no venues.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
