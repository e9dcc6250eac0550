package reward

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"kasracing/internal/chain"
	"kasracing/internal/metrics"
	"kasracing/internal/model"
	"kasracing/internal/realtime"
	"kasracing/internal/storage"
)

// Config bounds reward payouts and maps gameplay event types to amounts.
type Config struct {
	// MinRewardWei and MaxRewardWei bound every single payout. A computed
	// amount outside the range is rejected before any chain call.
	MinRewardWei *big.Int
	MaxRewardWei *big.Int
	// AmountsWei maps a session event type (e.g. "race_finish") to its
	// payout. Event types without an entry are accepted but pay nothing.
	AmountsWei map[string]*big.Int
}

// Service turns validated session events into on-chain reward payouts.
// Uniqueness on (session, seq) makes every request replay-safe: the same
// event submitted N times produces exactly one chain call.
type Service struct {
	cfg       Config
	store     storage.RewardStore
	submitter chain.Submitter
	pub       realtime.Publisher
	logger    *zap.Logger
	metrics   *metrics.Set
}

func NewService(cfg Config, store storage.RewardStore, submitter chain.Submitter, pub realtime.Publisher, logger *zap.Logger) *Service {
	return &Service{cfg: cfg, store: store, submitter: submitter, pub: pub, logger: logger}
}

// SetMetrics installs the collector set; optional, call before serving.
func (s *Service) SetMetrics(m *metrics.Set) { s.metrics = m }

// StartSession registers a gameplay session for player. Idempotent on id.
func (s *Service) StartSession(ctx context.Context, id, player string) (*model.GameSession, error) {
	if !common.IsHexAddress(player) {
		return nil, model.Reject(model.ReasonInvalidAddress, player)
	}
	sess := &model.GameSession{
		ID:        id,
		Player:    common.HexToAddress(player).Hex(),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("put session: %w", err)
	}
	return sess, nil
}

// EndSession deactivates a session; later events for it are rejected.
func (s *Service) EndSession(ctx context.Context, id string) error {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return model.Reject(model.ReasonSessionNotActive, id)
	}
	if err != nil {
		return err
	}
	sess.Active = false
	return s.store.PutSession(ctx, sess)
}

// HandleSessionEvent processes one gameplay event. Returns the reward row
// created (or replayed) for it, or nil when the event type pays nothing.
//
// Order of operations matters: all validation happens before the pending
// row is inserted, and the insert happens before the single chain call, so
// a retry after any failure point never double-pays.
func (s *Service) HandleSessionEvent(ctx context.Context, ev model.SessionEvent) (*model.RewardEvent, error) {
	sess, err := s.store.GetSession(ctx, ev.SessionID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Reject(model.ReasonSessionNotActive, ev.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !sess.Active {
		return nil, model.Reject(model.ReasonSessionNotActive, ev.SessionID)
	}

	amount, ok := s.cfg.AmountsWei[ev.Type]
	if !ok {
		return nil, nil
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, model.Reject(model.ReasonInvalidAmount, ev.Type)
	}
	if amount.Cmp(s.cfg.MinRewardWei) < 0 || amount.Cmp(s.cfg.MaxRewardWei) > 0 {
		return nil, model.Reject(model.ReasonAmountOutOfBounds, amount.String())
	}
	if !common.IsHexAddress(sess.Player) {
		return nil, model.Reject(model.ReasonInvalidAddress, sess.Player)
	}

	proof := chain.RewardProofHash(ev.SessionID, ev.Seq)
	now := time.Now().UTC()
	row := &model.RewardEvent{
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Recipient: sess.Player,
		AmountWei: new(big.Int).Set(amount),
		ProofHash: common.Hash(proof).Hex(),
		Status:    model.TxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, created, err := s.store.InsertRewardEvent(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("insert reward event: %w", err)
	}
	if !created {
		// Replay of an already-processed (session, seq): hand back the
		// stored record without touching the chain. The key only stands in
		// for the full request when the payout it produced is the same one.
		if stored.Recipient != row.Recipient || stored.AmountWei.Cmp(row.AmountWei) != 0 {
			return nil, model.Reject(model.ReasonIdempotencyConflict, "event replayed with a different recipient or amount")
		}
		return stored, nil
	}

	txHash, err := s.submitter.SubmitReward(ctx, stored.Recipient, stored.AmountWei, proof)
	if err != nil {
		s.logger.Error("reward submission failed",
			zap.String("session", ev.SessionID),
			zap.Uint64("seq", ev.Seq),
			zap.Error(err))
		if aerr := s.store.AdvanceRewardStatus(ctx, ev.SessionID, ev.Seq, model.TxFailed, "", 0); aerr != nil {
			s.logger.Error("mark reward failed", zap.String("session", ev.SessionID), zap.Uint64("seq", ev.Seq), zap.Error(aerr))
		}
		if s.metrics != nil {
			s.metrics.RewardsSubmitted.WithLabelValues("failed").Inc()
		}
		stored.Status = model.TxFailed
		s.publishUpdate(ctx, stored)
		return stored, nil
	}

	if err := s.store.AdvanceRewardStatus(ctx, ev.SessionID, ev.Seq, model.TxSubmitted, txHash, 0); err != nil {
		return nil, fmt.Errorf("advance reward to submitted: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RewardsSubmitted.WithLabelValues("submitted").Inc()
	}
	stored.Status = model.TxSubmitted
	stored.TxHash = txHash
	s.publishUpdate(ctx, stored)
	return stored, nil
}

// OnRewardMined advances a submitted reward whose transaction appeared in an
// indexed block. Invoked from the indexer dispatch.
func (s *Service) OnRewardMined(ctx context.Context, txHash string, blockNumber uint64) error {
	row, err := s.store.GetRewardByTxHash(ctx, txHash)
	if errors.Is(err, model.ErrNotFound) {
		// A reward paid outside this service (or lost to a crash between
		// submit and record). Nothing to reconcile against.
		s.logger.Warn("reward tx with no matching row", zap.String("tx", txHash))
		return nil
	}
	if err != nil {
		return err
	}
	if !row.Status.CanAdvanceTo(model.TxMined) {
		return nil
	}
	if err := s.store.AdvanceRewardStatus(ctx, row.SessionID, row.Seq, model.TxMined, txHash, blockNumber); err != nil {
		return err
	}
	row.Status = model.TxMined
	row.BlockNumber = blockNumber
	s.publishUpdate(ctx, row)
	return nil
}

// ConfirmDeep promotes mined rewards whose block is at or below safeBlock.
func (s *Service) ConfirmDeep(ctx context.Context, safeBlock uint64) error {
	rows, err := s.store.ListRewardsInStatus(ctx, model.TxMined)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.BlockNumber == 0 || row.BlockNumber > safeBlock {
			continue
		}
		if err := s.store.AdvanceRewardStatus(ctx, row.SessionID, row.Seq, model.TxConfirmed, row.TxHash, row.BlockNumber); err != nil {
			return err
		}
		row.Status = model.TxConfirmed
		s.publishUpdate(ctx, row)
	}
	return nil
}

func (s *Service) publishUpdate(ctx context.Context, row *model.RewardEvent) {
	payload := model.RewardUpdatePayload{
		SessionID: row.SessionID,
		Seq:       row.Seq,
		Status:    row.Status,
		TxHash:    row.TxHash,
		AmountWei: row.AmountWei.String(),
	}
	if err := s.pub.Publish(ctx, model.EventRewardUpdate, model.ChannelSession(row.SessionID), payload); err != nil {
		s.logger.Warn("publish reward update", zap.String("session", row.SessionID), zap.Error(err))
	}
}
