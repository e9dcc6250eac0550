package indexer

import (
	"context"
	"encoding/json"
	"math/big"
	"strconv"

	"go.uber.org/zap"

	"kasracing/internal/chain"
	"kasracing/internal/model"
)

// MatchSink consumes escrow contract events. Implemented by the match
// service; all methods must be idempotent because the indexer delivers
// at-least-once.
type MatchSink interface {
	OnMatchCreated(ctx context.Context, onchainID uint64, creator string, amountWei *big.Int, block uint64) error
	OnMatchJoined(ctx context.Context, onchainID uint64, player string) error
	OnDepositMined(ctx context.Context, onchainID uint64, player string, amountWei *big.Int, txHash string, block uint64) error
	OnSettlementMined(ctx context.Context, txHash string, block uint64) error

	// ConfirmDeep promotes mined deposits/settlements whose block is at or
	// below safeBlock to confirmed.
	ConfirmDeep(ctx context.Context, safeBlock uint64) error

	// OnNewHead lets the service react to chain progress (timeout refunds).
	OnNewHead(ctx context.Context, head uint64) error
}

// RewardSink consumes reward contract events; same idempotency contract.
type RewardSink interface {
	OnRewardMined(ctx context.Context, txHash string, block uint64) error
	ConfirmDeep(ctx context.Context, safeBlock uint64) error
}

// Dispatcher routes decoded chain events into the business services,
// advancing the submitted -> mined -> confirmed legs of the tx lifecycle.
// Submission itself never lives here; the services own it.
type Dispatcher struct {
	matches MatchSink
	rewards RewardSink
	logger  *zap.Logger
}

func NewDispatcher(matches MatchSink, rewards RewardSink, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{matches: matches, rewards: rewards, logger: logger}
}

// Apply routes one batch of freshly indexed events. Errors are logged, never
// returned: the raw events are durable and Reconcile retries the rest.
func (d *Dispatcher) Apply(ctx context.Context, events []model.ChainEvent) {
	for _, ev := range events {
		if err := d.apply(ctx, ev); err != nil {
			d.logger.Warn("dispatch event failed",
				zap.String("event", ev.EventName),
				zap.String("tx", ev.TxHash),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) apply(ctx context.Context, ev model.ChainEvent) error {
	switch ev.EventName {
	case chain.EvMatchCreated:
		var args struct {
			MatchID string `json:"matchId"`
			Creator string `json:"creator"`
			Amount  string `json:"amount"`
		}
		if err := json.Unmarshal(ev.Args, &args); err != nil {
			return err
		}
		onchainID, err := strconv.ParseUint(args.MatchID, 10, 64)
		if err != nil {
			return err
		}
		return d.matches.OnMatchCreated(ctx, onchainID, args.Creator, parseWei(args.Amount), ev.BlockNumber)

	case chain.EvMatchJoined:
		var args struct {
			MatchID string `json:"matchId"`
			Player  string `json:"player"`
		}
		if err := json.Unmarshal(ev.Args, &args); err != nil {
			return err
		}
		onchainID, err := strconv.ParseUint(args.MatchID, 10, 64)
		if err != nil {
			return err
		}
		return d.matches.OnMatchJoined(ctx, onchainID, args.Player)

	case chain.EvDepositReceived:
		var args struct {
			MatchID string `json:"matchId"`
			Player  string `json:"player"`
			Amount  string `json:"amount"`
		}
		if err := json.Unmarshal(ev.Args, &args); err != nil {
			return err
		}
		onchainID, err := strconv.ParseUint(args.MatchID, 10, 64)
		if err != nil {
			return err
		}
		return d.matches.OnDepositMined(ctx, onchainID, args.Player, parseWei(args.Amount), ev.TxHash, ev.BlockNumber)

	case chain.EvMatchSettled:
		return d.matches.OnSettlementMined(ctx, ev.TxHash, ev.BlockNumber)

	case chain.EvRewardReleased:
		return d.rewards.OnRewardMined(ctx, ev.TxHash, ev.BlockNumber)
	}
	return nil
}

// Reconcile runs the confirmation pass: anything mined at or below
// head-confirmDepth becomes confirmed, and the match service gets the new
// head for timeout handling.
func (d *Dispatcher) Reconcile(ctx context.Context, head, confirmDepth uint64) {
	if head > confirmDepth {
		safe := head - confirmDepth
		if err := d.matches.ConfirmDeep(ctx, safe); err != nil {
			d.logger.Warn("confirm pass (matches) failed", zap.Error(err))
		}
		if err := d.rewards.ConfirmDeep(ctx, safe); err != nil {
			d.logger.Warn("confirm pass (rewards) failed", zap.Error(err))
		}
	}
	if err := d.matches.OnNewHead(ctx, head); err != nil {
		d.logger.Warn("head pass failed", zap.Error(err))
	}
}

func parseWei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
