package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "kasracing",
		Short:        "KAS Racing settlement core",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, indexer, and realtime bridge",
		RunE:  runServe,
	}
	addChainFlags(serveCmd)
	serveCmd.Flags().String("database-url", "", "Postgres DSN (empty runs the in-memory store)")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "redis address for the realtime bridge")
	serveCmd.Flags().String("listen-addr", ":8080", "API listen address")
	serveCmd.Flags().String("metrics-addr", ":9090", "metrics listen address")
	serveCmd.Flags().String("private-key", "", "hot wallet private key (hex)")
	serveCmd.Flags().String("min-reward-wei", "1000000000000000", "minimum reward per session event")
	serveCmd.Flags().String("max-reward-wei", "1000000000000000000", "maximum reward per session event")
	serveCmd.Flags().String("reward-amounts", "race_finish=10000000000000000", "eventType=wei reward pairs")
	serveCmd.Flags().String("min-deposit-wei", "1000000000000000", "minimum match deposit")
	serveCmd.Flags().String("max-deposit-wei", "10000000000000000000", "maximum match deposit")
	serveCmd.Flags().Uint64("timeout-blocks", 1200, "funding window in blocks")
	serveCmd.Flags().String("min-stake-wei", "1000000000000000", "minimum bet stake")
	serveCmd.Flags().String("max-stake-wei", "1000000000000000000", "maximum bet stake")
	serveCmd.Flags().String("exposure-cap-wei", "5000000000000000000", "per-user pending exposure cap per market")
	serveCmd.Flags().String("pool-cap-wei", "100000000000000000000", "market pool cap")
	serveCmd.Flags().Duration("lock-before-end", 30*time.Second, "market lock window before race end")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(serveCmd)

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Mirror historical chain events without dispatching business state",
		RunE:  runBackfill,
	}
	addChainFlags(backfillCmd)
	backfillCmd.Flags().String("database-url", "", "Postgres DSN")
	backfillCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	backfillCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(backfillCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().String("database-url", "", "Postgres DSN")
	migrateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addChainFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "EVM RPC URL")
	cmd.Flags().String("escrow-address", "", "match escrow contract address")
	cmd.Flags().String("reward-address", "", "reward contract address")
	cmd.Flags().Uint64("start-block", 0, "first block to index")
	cmd.Flags().Uint64("batch-size", 2000, "blocks per batch")
	cmd.Flags().Duration("poll-interval", 3*time.Second, "indexer poll interval")
	cmd.Flags().Uint64("reorg-depth", 64, "maximum reorg walk-back depth")
	cmd.Flags().Uint64("confirm-depth", 12, "blocks below head considered final")
	cmd.Flags().Int("max-retries", 5, "maximum RPC retry attempts")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func requireString(val, name string) error {
	if val == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}
