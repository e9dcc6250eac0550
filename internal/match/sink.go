package match

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"kasracing/internal/model"
)

// Indexer dispatch entry points. All of these are idempotent: the indexer
// redelivers events after restarts and reorg rollbacks, and every write here
// either hits a unique constraint or a guarded status transition.

// OnMatchCreated binds an indexed escrow creation to its lobby and starts the
// funding timeout clock.
func (s *Service) OnMatchCreated(ctx context.Context, onchainID uint64, creator string, amountWei *big.Int, block uint64) error {
	m, err := s.store.GetMatchByOnchainID(ctx, onchainID)
	if errors.Is(err, model.ErrNotFound) {
		// Escrow created before any deposit was registered against a lobby.
		// The binding arrives with the first RegisterDeposit call.
		s.logger.Debug("escrow creation with no bound lobby", zap.Uint64("onchain_id", onchainID))
		return nil
	}
	if err != nil {
		return err
	}
	if m.TimeoutBlock != 0 || m.State.Terminal() {
		return nil
	}
	m.TimeoutBlock = block + s.cfg.TimeoutBlocks
	m.UpdatedAt = time.Now().UTC()
	return s.store.UpdateMatch(ctx, m)
}

// OnMatchJoined is informational; the lobby join already happened off-chain.
func (s *Service) OnMatchJoined(ctx context.Context, onchainID uint64, player string) error {
	m, err := s.store.GetMatchByOnchainID(ctx, onchainID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	addr := common.HexToAddress(player).Hex()
	if !m.HasPlayer(addr) {
		s.logger.Warn("onchain join by unknown player",
			zap.String("match", m.ID), zap.String("player", addr))
	}
	return nil
}

// OnDepositMined records an escrow deposit observed on-chain. A deposit the
// API never saw is created directly in mined state; a registered one advances
// submitted -> mined. When both players' deposits are mined the match funds
// and the betting market opens.
func (s *Service) OnDepositMined(ctx context.Context, onchainID uint64, player string, amountWei *big.Int, txHash string, block uint64) error {
	m, err := s.store.GetMatchByOnchainID(ctx, onchainID)
	if errors.Is(err, model.ErrNotFound) {
		s.logger.Warn("deposit for unknown escrow", zap.Uint64("onchain_id", onchainID), zap.String("tx", txHash))
		return nil
	}
	if err != nil {
		return err
	}
	addr := common.HexToAddress(player).Hex()
	if !m.HasPlayer(addr) {
		s.logger.Warn("onchain deposit by non-player", zap.String("match", m.ID), zap.String("player", addr))
		return nil
	}

	now := time.Now().UTC()
	dep, created, err := s.store.UpsertDeposit(ctx, &model.Deposit{
		MatchID:     m.ID,
		Player:      addr,
		AmountWei:   new(big.Int).Set(amountWei),
		TxHash:      txHash,
		Status:      model.TxMined,
		BlockNumber: block,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return err
	}
	if !created && dep.Status.CanAdvanceTo(model.TxMined) {
		if err := s.store.AdvanceDepositStatus(ctx, m.ID, addr, model.TxMined, block); err != nil {
			return err
		}
	}
	return s.maybeFund(ctx, m)
}

// maybeFund moves a waiting match to funded once both deposits are mined or
// deeper, then fires the market-open hook.
func (s *Service) maybeFund(ctx context.Context, m *model.Match) error {
	if m.State != model.MatchCreated && m.State != model.MatchWaitingDeposits {
		return nil
	}
	if m.Player2 == "" {
		return nil
	}
	deps, err := s.store.ListDeposits(ctx, m.ID)
	if err != nil {
		return err
	}
	mined := 0
	for _, d := range deps {
		if d.Status == model.TxMined || d.Status == model.TxConfirmed {
			mined++
		}
	}
	if mined < 2 {
		return nil
	}

	m.State = model.MatchFunded
	m.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateMatch(ctx, m); err != nil {
		return err
	}
	s.publishMatch(ctx, m)
	if s.onFunded != nil {
		s.onFunded(ctx, m)
	}
	return nil
}

// OnSettlementMined advances a submitted settlement whose payout transaction
// appeared in a block, and moves its match to the matching terminal state.
func (s *Service) OnSettlementMined(ctx context.Context, txHash string, block uint64) error {
	st, err := s.store.GetSettlementByTxHash(ctx, txHash)
	if errors.Is(err, model.ErrNotFound) {
		s.logger.Warn("settlement tx with no matching row", zap.String("tx", txHash))
		return nil
	}
	if err != nil {
		return err
	}
	if !st.Status.CanAdvanceTo(model.TxMined) {
		return nil
	}
	if err := s.store.AdvanceSettlementStatus(ctx, st.MatchID, model.TxMined, txHash, block); err != nil {
		return err
	}

	m, err := s.store.GetMatch(ctx, st.MatchID)
	if err != nil {
		return err
	}
	if !m.State.Terminal() {
		if st.Type == model.SettleRefund {
			m.State = model.MatchRefunded
		} else {
			m.State = model.MatchSettled
		}
		m.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateMatch(ctx, m); err != nil {
			return err
		}
		s.publishMatch(ctx, m)
		if s.onSettled != nil {
			s.onSettled(ctx, m)
		}
	}
	return nil
}

// ConfirmDeep promotes mined deposits and settlements at or below safeBlock.
func (s *Service) ConfirmDeep(ctx context.Context, safeBlock uint64) error {
	deps, err := s.store.ListDepositsInStatus(ctx, model.TxMined)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if d.BlockNumber == 0 || d.BlockNumber > safeBlock {
			continue
		}
		if err := s.store.AdvanceDepositStatus(ctx, d.MatchID, d.Player, model.TxConfirmed, d.BlockNumber); err != nil {
			return err
		}
	}

	sts, err := s.store.ListSettlementsInStatus(ctx, model.TxMined)
	if err != nil {
		return err
	}
	for _, st := range sts {
		if st.BlockNumber == 0 || st.BlockNumber > safeBlock {
			continue
		}
		if err := s.store.AdvanceSettlementStatus(ctx, st.MatchID, model.TxConfirmed, st.TxHash, st.BlockNumber); err != nil {
			return err
		}
	}
	return nil
}

// OnNewHead refunds matches whose funding window expired before both
// deposits arrived.
func (s *Service) OnNewHead(ctx context.Context, head uint64) error {
	matches, err := s.store.ListMatchesPastTimeout(ctx, head)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if m.State == model.MatchFunded || m.State == model.MatchRacing || m.State == model.MatchScoresPending {
			// Fully funded matches settle through scores, not timeout.
			continue
		}
		if err := s.refund(ctx, m); err != nil {
			s.logger.Error("timeout refund failed", zap.String("match", m.ID), zap.Error(err))
		}
	}
	return nil
}
