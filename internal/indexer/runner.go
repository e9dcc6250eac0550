package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"kasracing/internal/chain"
	"kasracing/internal/metrics"
	"kasracing/internal/model"
	"kasracing/internal/storage"
)

// ChainSource is the chain read surface the runner needs; satisfied by
// chain.Client and by test fakes.
type ChainSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockHashByNumber(ctx context.Context, number uint64) (string, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// RunConfig holds runtime settings for the indexer.
type RunConfig struct {
	Addresses    []common.Address
	StartBlock   uint64
	BatchSize    uint64
	PollInterval time.Duration
	ReorgDepth   uint64
	ConfirmDepth uint64
	MaxRetries   int
	RetryBackoff time.Duration
}

// Runner maintains an append-only, deduplicated mirror of contract events,
// resilient to chain reorganization. Exactly one runner may write the cursor.
type Runner struct {
	cfg        RunConfig
	chain      ChainSource
	store      storage.ChainEventStore
	dispatcher *Dispatcher
	decode     func(types.Log) (string, map[string]interface{}, bool, error)
	logger     *zap.Logger
	metrics    *metrics.Set
}

// SetMetrics installs the collector set; optional, call before Run.
func (r *Runner) SetMetrics(m *metrics.Set) { r.metrics = m }

// NewRunner builds a Runner with its dependencies. dispatcher may be nil when
// only the raw event mirror is wanted (backfill).
func NewRunner(cfg RunConfig, chainSource ChainSource, store storage.ChainEventStore, dispatcher *Dispatcher, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Runner{
		cfg:        cfg,
		chain:      chainSource,
		store:      store,
		dispatcher: dispatcher,
		decode:     chain.DecodeLog,
		logger:     logger,
	}
}

// Run polls until the context is cancelled. RPC errors leave the cursor
// unmoved and are retried on the next tick; the idempotent insert absorbs the
// resulting redelivery.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("index pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single index pass: reorg check, fetch, decode, insert,
// dispatch, cursor advance.
func (r *Runner) RunOnce(ctx context.Context) error {
	cursor, haveCursor, err := r.store.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	from := r.cfg.StartBlock
	if haveCursor {
		if err := r.checkReorg(ctx, &cursor); err != nil {
			return err
		}
		from = cursor.LastBlock + 1
	}

	head, err := r.latestWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	if head < from {
		return nil
	}

	to := head
	if to-from+1 > r.cfg.BatchSize {
		to = from + r.cfg.BatchSize - 1
	}

	events, inserted, err := r.indexRange(ctx, from, to)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.IndexerLag.Set(float64(head - to))
	}

	if r.dispatcher != nil {
		// Dispatch failures never block cursor advancement: the events
		// are durably mirrored and a later reconcile pass retries the
		// business-state updates.
		r.dispatcher.Apply(ctx, events)
	}

	if err := r.advanceCursor(ctx, to); err != nil {
		return err
	}

	if r.dispatcher != nil {
		r.dispatcher.Reconcile(ctx, head, r.cfg.ConfirmDepth)
	}

	r.logger.Debug("index pass complete",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("inserted", inserted),
	)
	return nil
}

// Backfill mirrors events from the cursor (or StartBlock) up to toBlock in
// fixed-size batches, without touching business state. The cursor advances
// per batch, so an interrupted backfill resumes where it stopped.
func (r *Runner) Backfill(ctx context.Context, toBlock uint64) error {
	cursor, haveCursor, err := r.store.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	from := r.cfg.StartBlock
	if haveCursor {
		from = cursor.LastBlock + 1
	}
	if toBlock < from {
		return nil
	}

	ranges, err := SplitRange(from, toBlock, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, br := range ranges {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, inserted, err := r.indexRange(ctx, br.From, br.To)
		if err != nil {
			return err
		}
		if err := r.advanceCursor(ctx, br.To); err != nil {
			return err
		}
		r.logger.Info("backfill batch",
			zap.Uint64("from", br.From),
			zap.Uint64("to", br.To),
			zap.Int("inserted", inserted),
		)
	}
	return nil
}

// indexRange fetches, decodes, and idempotently stores one block range.
func (r *Runner) indexRange(ctx context.Context, from, to uint64) ([]model.ChainEvent, int, error) {
	logs, err := r.filterLogsWithRetry(ctx, from, to)
	if err != nil {
		return nil, 0, fmt.Errorf("filter logs: %w", err)
	}

	indexedAt := time.Now().UTC()
	events := make([]model.ChainEvent, 0, len(logs))
	for _, log := range logs {
		name, args, ok, err := r.decode(log)
		if !ok {
			continue
		}
		if err != nil {
			r.logger.Warn("decode log failed",
				zap.String("event", name),
				zap.String("tx", log.TxHash.Hex()),
				zap.Error(err),
			)
			continue
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal args: %w", err)
		}
		events = append(events, model.ChainEvent{
			BlockNumber: log.BlockNumber,
			BlockHash:   log.BlockHash.Hex(),
			TxHash:      log.TxHash.Hex(),
			LogIndex:    uint64(log.Index),
			Address:     log.Address.Hex(),
			EventName:   name,
			Args:        raw,
			IndexedAt:   indexedAt,
		})
	}

	inserted, err := r.store.InsertChainEvents(ctx, events)
	if err != nil {
		return nil, 0, fmt.Errorf("store events: %w", err)
	}
	if r.metrics != nil {
		r.metrics.BlocksIndexed.Add(float64(to - from + 1))
		for _, ev := range events {
			r.metrics.EventsDispatched.WithLabelValues(ev.EventName).Inc()
		}
	}
	return events, inserted, nil
}

func (r *Runner) advanceCursor(ctx context.Context, to uint64) error {
	toHash, err := r.chain.BlockHashByNumber(ctx, to)
	if err != nil {
		return fmt.Errorf("hash of block %d: %w", to, err)
	}
	c := model.Cursor{LastBlock: to, BlockHash: toHash, UpdatedAt: time.Now().UTC()}
	if err := r.store.SaveCursor(ctx, c); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// checkReorg compares the stored cursor hash with the canonical chain. On a
// mismatch it walks back to the last agreeing block (bounded by ReorgDepth),
// deletes every indexed event above it, and rewinds the cursor. The store
// never retains events from an abandoned fork.
func (r *Runner) checkReorg(ctx context.Context, cursor *model.Cursor) error {
	if cursor.BlockHash == "" {
		return nil
	}
	canonical, err := r.chain.BlockHashByNumber(ctx, cursor.LastBlock)
	if err != nil {
		return fmt.Errorf("canonical hash %d: %w", cursor.LastBlock, err)
	}
	if canonical == cursor.BlockHash {
		return nil
	}

	safe := r.findSafeBlock(ctx, cursor.LastBlock)
	deleted, err := r.store.DeleteChainEventsAbove(ctx, safe)
	if err != nil {
		return fmt.Errorf("rollback events above %d: %w", safe, err)
	}

	safeHash := ""
	if safe > 0 {
		safeHash, err = r.chain.BlockHashByNumber(ctx, safe)
		if err != nil {
			return fmt.Errorf("safe block hash %d: %w", safe, err)
		}
	}
	cursor.LastBlock = safe
	cursor.BlockHash = safeHash
	cursor.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveCursor(ctx, *cursor); err != nil {
		return fmt.Errorf("rewind cursor: %w", err)
	}

	if r.metrics != nil {
		r.metrics.ReorgsDetected.Inc()
	}
	r.logger.Warn("reorg rollback",
		zap.Uint64("safe_block", safe),
		zap.Int64("events_deleted", deleted),
	)
	return nil
}

// findSafeBlock walks backwards from tip until a stored block hash agrees
// with the canonical chain, at most ReorgDepth blocks. Blocks with no stored
// events cannot disagree and are skipped.
func (r *Runner) findSafeBlock(ctx context.Context, tip uint64) uint64 {
	if tip == 0 {
		return 0
	}
	floor := r.cfg.StartBlock
	if tip > r.cfg.ReorgDepth && tip-r.cfg.ReorgDepth > floor {
		floor = tip - r.cfg.ReorgDepth
	}

	for block := tip - 1; block > floor; block-- {
		stored, ok, err := r.store.StoredBlockHash(ctx, block)
		if err != nil || !ok {
			continue
		}
		canonical, err := r.chain.BlockHashByNumber(ctx, block)
		if err != nil {
			continue
		}
		if stored == canonical {
			return block
		}
	}
	return floor
}

func (r *Runner) latestWithRetry(ctx context.Context) (uint64, error) {
	var head uint64
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		head, err = r.chain.LatestBlockNumber(ctx)
		return err
	})
	return head, err
}

func (r *Runner) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = r.chain.FilterLogs(ctx, fromBlock, toBlock, r.cfg.Addresses, chain.Topics())
		if err != nil {
			r.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}
