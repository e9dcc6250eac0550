package storage

import (
	"context"
	"math/big"

	"kasracing/internal/model"
)

// Store is the persistence boundary of the settlement core. Two
// implementations exist: Postgres (production) and an in-memory store used by
// tests and local development. Both enforce the same uniqueness semantics;
// correctness under concurrency relies on those constraints, not on callers
// locking.
type Store interface {
	ChainEventStore
	MatchStore
	RewardStore
	MarketStore
}

// ChainEventStore mirrors on-chain logs and the indexer cursor.
type ChainEventStore interface {
	// InsertChainEvents inserts events idempotently keyed by
	// (tx_hash, log_index). Redelivered events are skipped, not errors.
	// Returns the number of rows actually inserted.
	InsertChainEvents(ctx context.Context, events []model.ChainEvent) (int, error)

	// DeleteChainEventsAbove removes every event with block number greater
	// than safeBlock. Used for reorg rollback.
	DeleteChainEventsAbove(ctx context.Context, safeBlock uint64) (int64, error)

	// StoredBlockHash returns the block hash recorded for events at the
	// given height, or ok=false if no event for that block is stored.
	StoredBlockHash(ctx context.Context, block uint64) (hash string, ok bool, err error)

	// LoadCursor returns the persisted indexer cursor, ok=false when the
	// indexer has never run.
	LoadCursor(ctx context.Context) (model.Cursor, bool, error)

	// SaveCursor persists the cursor. Single writer: the indexer.
	SaveCursor(ctx context.Context, c model.Cursor) error
}

// MatchStore persists matches, deposits, and match settlements.
type MatchStore interface {
	CreateMatch(ctx context.Context, m *model.Match) error
	GetMatch(ctx context.Context, id string) (*model.Match, error)
	GetMatchByJoinCode(ctx context.Context, code string) (*model.Match, error)
	GetMatchByOnchainID(ctx context.Context, onchainID uint64) (*model.Match, error)
	UpdateMatch(ctx context.Context, m *model.Match) error

	// UpdateMatchLocked loads the match under an exclusive row lock
	// (SELECT ... FOR UPDATE in Postgres, the store mutex in memory),
	// applies fn to it, and persists the result in the same transaction.
	// Concurrent writers of the same match serialize here: both players
	// submitting scores at once cannot overwrite each other's slot the way
	// a read-modify-write through UpdateMatch could. fn errors abort
	// without writing. Returns model.ErrNotFound for an unknown match.
	UpdateMatchLocked(ctx context.Context, matchID string, fn func(m *model.Match) error) error

	// ListMatchesPastTimeout returns non-terminal matches whose timeout
	// block is at or below the given height.
	ListMatchesPastTimeout(ctx context.Context, block uint64) ([]*model.Match, error)

	// UpsertDeposit inserts a deposit if no row exists for
	// (match, player); otherwise it returns the existing row unchanged.
	// created reports whether a new row was written.
	UpsertDeposit(ctx context.Context, d *model.Deposit) (dep *model.Deposit, created bool, err error)
	GetDeposit(ctx context.Context, matchID, player string) (*model.Deposit, error)
	GetDepositByTxHash(ctx context.Context, txHash string) (*model.Deposit, error)
	ListDeposits(ctx context.Context, matchID string) ([]*model.Deposit, error)

	// ListDepositsInStatus returns deposits in one lifecycle status; used by
	// the confirmation pass.
	ListDepositsInStatus(ctx context.Context, status model.TxStatus) ([]*model.Deposit, error)

	// AdvanceDepositStatus moves a deposit along the tx lifecycle. Illegal
	// transitions are rejected.
	AdvanceDepositStatus(ctx context.Context, matchID, player string, next model.TxStatus, blockNumber uint64) error

	// CreateSettlement inserts the settlement for a match, unique per
	// match; a second call returns the existing row with created=false.
	CreateSettlement(ctx context.Context, s *model.Settlement) (st *model.Settlement, created bool, err error)
	GetSettlementByMatch(ctx context.Context, matchID string) (*model.Settlement, error)
	GetSettlementByTxHash(ctx context.Context, txHash string) (*model.Settlement, error)
	ListSettlementsInStatus(ctx context.Context, status model.TxStatus) ([]*model.Settlement, error)
	AdvanceSettlementStatus(ctx context.Context, matchID string, next model.TxStatus, txHash string, blockNumber uint64) error
}

// RewardStore persists sessions and reward events.
type RewardStore interface {
	PutSession(ctx context.Context, s *model.GameSession) error
	GetSession(ctx context.Context, id string) (*model.GameSession, error)

	// InsertRewardEvent inserts a reward keyed by (session, seq). On a key
	// hit the stored row is returned with created=false; the insert and
	// the key are one atomic statement, so a crash cannot leave the key
	// consumed without its row.
	InsertRewardEvent(ctx context.Context, r *model.RewardEvent) (ev *model.RewardEvent, created bool, err error)
	GetRewardEvent(ctx context.Context, sessionID string, seq uint64) (*model.RewardEvent, error)
	GetRewardByTxHash(ctx context.Context, txHash string) (*model.RewardEvent, error)
	ListRewardsInStatus(ctx context.Context, status model.TxStatus) ([]*model.RewardEvent, error)
	AdvanceRewardStatus(ctx context.Context, sessionID string, seq uint64, next model.TxStatus, txHash string, blockNumber uint64) error
}

// MarketStore persists markets, ticks, and bet orders. Order placement,
// cancellation, and settlement run inside WithMarketTx, which serializes all
// writers of one market.
type MarketStore interface {
	CreateMarket(ctx context.Context, m *model.RaceMarket) error
	GetMarket(ctx context.Context, id string) (*model.RaceMarket, error)
	GetMarketByMatch(ctx context.Context, matchID string) (*model.RaceMarket, error)
	GetOrder(ctx context.Context, orderID string) (*model.BetOrder, error)
	GetMarketSettlement(ctx context.Context, marketID string) (*model.MarketSettlement, error)
	ListTicks(ctx context.Context, marketID string, fromSeq uint64) ([]model.OddsTick, error)

	// WithMarketTx runs fn holding an exclusive lock on the market row
	// (SELECT ... FOR UPDATE in Postgres, a per-market mutex in memory).
	// This closes the race between the cap checks and the pool update:
	// two concurrent placements on the same market serialize here.
	// Returns model.ErrNotFound if the market does not exist.
	WithMarketTx(ctx context.Context, marketID string, fn func(tx MarketTx) error) error
}

// MarketTx is the set of operations available while holding one market's
// lock. All reads observe, and all writes join, the same transaction.
type MarketTx interface {
	// Market returns the locked market row.
	Market() *model.RaceMarket

	UpdateMarket(m *model.RaceMarket) error

	OrderByIdemKey(key string) (*model.BetOrder, error)
	Order(orderID string) (*model.BetOrder, error)
	InsertOrder(o *model.BetOrder) error
	SetOrderOutcome(orderID string, status model.OrderStatus, payout *big.Int) error
	ListPendingOrders() ([]*model.BetOrder, error)

	// UserPendingExposure sums the stakes of the user's pending orders in
	// this market.
	UserPendingExposure(userID string) (*big.Int, error)

	InsertCancellation(c *model.BetCancellation) error

	// NextTickSeq returns the next odds tick sequence number for the
	// market (monotonic per market).
	NextTickSeq() (uint64, error)
	InsertTick(t *model.OddsTick) error

	InsertMarketSettlement(s *model.MarketSettlement) error
}
