package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kasracing/internal/api"
	"kasracing/internal/chain"
	"kasracing/internal/config"
	"kasracing/internal/indexer"
	"kasracing/internal/market"
	"kasracing/internal/match"
	"kasracing/internal/metrics"
	"kasracing/internal/model"
	"kasracing/internal/realtime"
	"kasracing/internal/reward"
	"kasracing/internal/storage"
	"kasracing/internal/storage/memory"
	"kasracing/internal/storage/postgres"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := requireString(cfg.RPCURL, "rpc"); err != nil {
		return err
	}
	if err := requireString(cfg.EscrowAddress, "escrow-address"); err != nil {
		return err
	}
	if err := requireString(cfg.RewardAddress, "reward-address"); err != nil {
		return err
	}
	if err := requireString(cfg.PrivateKeyHex, "private-key"); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store  storage.Store
		health metrics.HealthFunc
	)
	if cfg.DatabaseURL != "" {
		pg, err := postgres.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = pg
		health = pg.Ping
	} else {
		logger.Warn("no database-url set, using the in-memory store")
		store = memory.New()
	}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	wallet, err := chain.NewWallet(ctx, chainClient, cfg.PrivateKeyHex, cfg.EscrowAddress, cfg.RewardAddress)
	if err != nil {
		return fmt.Errorf("init wallet: %w", err)
	}

	mset := metrics.NewSet()
	mset.Register()
	metricsSrv := metrics.StartServer(cfg.MetricsAddr, health)
	defer metricsSrv.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	pub := realtime.NewRedisPublisher(rdb)
	hub := realtime.NewHub(func(*http.Request) bool { return true }, logger)
	realtime.StartRedisSubscriber(ctx, rdb, hub, func(d time.Duration) {
		mset.PushLatency.Observe(d.Seconds())
	}, logger)

	rewardSvc := reward.NewService(reward.Config{
		MinRewardWei: cfg.MinRewardWei,
		MaxRewardWei: cfg.MaxRewardWei,
		AmountsWei:   cfg.RewardAmounts,
	}, store, wallet, pub, logger)

	matchSvc := match.NewService(match.Config{
		MinDepositWei: cfg.MinDepositWei,
		MaxDepositWei: cfg.MaxDepositWei,
		TimeoutBlocks: cfg.TimeoutBlocks,
	}, store, wallet, pub, logger)

	marketSvc := market.NewService(market.Config{
		MinStakeWei:    cfg.MinStakeWei,
		MaxStakeWei:    cfg.MaxStakeWei,
		ExposureCapWei: cfg.ExposureCapWei,
		PoolCapWei:     cfg.PoolCapWei,
		LockBeforeEnd:  cfg.LockBeforeEnd,
	}, store, pub, logger)
	rewardSvc.SetMetrics(mset)
	marketSvc.SetMetrics(mset)

	matchSvc.SetFundedHook(func(ctx context.Context, m *model.Match) {
		if _, err := marketSvc.OpenForMatch(ctx, m); err != nil {
			logger.Error("open market", zap.String("match", m.ID), zap.Error(err))
		}
	})
	matchSvc.SetRaceEndingHook(func(ctx context.Context, m *model.Match) {
		if err := marketSvc.LockForMatch(ctx, m); err != nil {
			logger.Error("lock market", zap.String("match", m.ID), zap.Error(err))
		}
	})
	matchSvc.SetSettledHook(func(ctx context.Context, m *model.Match) {
		if err := marketSvc.SettleForMatch(ctx, m); err != nil {
			logger.Error("settle market", zap.String("match", m.ID), zap.Error(err))
		}
	})

	dispatcher := indexer.NewDispatcher(matchSvc, rewardSvc, logger)
	runner := indexer.NewRunner(indexer.RunConfig{
		Addresses:    []common.Address{common.HexToAddress(cfg.EscrowAddress), common.HexToAddress(cfg.RewardAddress)},
		StartBlock:   cfg.StartBlock,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
		ReorgDepth:   cfg.ReorgDepth,
		ConfirmDepth: cfg.ConfirmDepth,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, chainClient, store, dispatcher, logger)
	runner.SetMetrics(mset)

	handler := &api.API{
		Matches: matchSvc,
		Rewards: rewardSvc,
		Markets: marketSvc,
		Hub:     hub,
		Logger:  logger,
	}
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler.Router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server", zap.Error(err))
			stop()
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("serve start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("listen", cfg.ListenAddr),
		zap.String("escrow", cfg.EscrowAddress),
		zap.String("reward", cfg.RewardAddress),
		zap.Uint64("start_block", cfg.StartBlock),
		zap.Uint64("confirm_depth", cfg.ConfirmDepth),
	)

	err = runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := requireString(cfg.RPCURL, "rpc"); err != nil {
		return err
	}
	if err := requireString(cfg.DatabaseURL, "database-url"); err != nil {
		return err
	}
	if err := requireString(cfg.EscrowAddress, "escrow-address"); err != nil {
		return err
	}
	if err := requireString(cfg.RewardAddress, "reward-address"); err != nil {
		return err
	}
	toBlock, _ := cmd.Flags().GetUint64("to")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	if toBlock == 0 {
		toBlock, err = chainClient.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("latest block: %w", err)
		}
	}

	// No dispatcher: backfill only mirrors the raw events.
	runner := indexer.NewRunner(indexer.RunConfig{
		Addresses:    []common.Address{common.HexToAddress(cfg.EscrowAddress), common.HexToAddress(cfg.RewardAddress)},
		StartBlock:   cfg.StartBlock,
		BatchSize:    cfg.BatchSize,
		ReorgDepth:   cfg.ReorgDepth,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, chainClient, pg, nil, logger)

	logger.Info("backfill start",
		zap.Uint64("from", cfg.StartBlock),
		zap.Uint64("to", toBlock),
	)

	if err := runner.Backfill(ctx, toBlock); err != nil {
		return err
	}
	logger.Info("backfill complete", zap.Uint64("to", toBlock))
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := requireString(cfg.DatabaseURL, "database-url"); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema up to date")
	return nil
}
