package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kasracing/internal/metrics"
	"kasracing/internal/model"
	"kasracing/internal/realtime"
	"kasracing/internal/storage"
)

// Config holds betting admission limits.
type Config struct {
	MinStakeWei *big.Int
	MaxStakeWei *big.Int
	// ExposureCapWei caps one user's total pending stake per market.
	ExposureCapWei *big.Int
	// PoolCapWei caps a market's total pool.
	PoolCapWei *big.Int
	// LockBeforeEnd is the window before race end in which the market locks.
	LockBeforeEnd time.Duration
}

// Service is the market order and settlement engine. Every mutation of one
// market runs inside storage.WithMarketTx, which holds that market's row
// lock: concurrent placements cannot race between the cap checks and the
// pool update.
type Service struct {
	cfg     Config
	store   storage.MarketStore
	pub     realtime.Publisher
	logger  *zap.Logger
	odds    *oddsBook
	metrics *metrics.Set
}

func NewService(cfg Config, store storage.MarketStore, pub realtime.Publisher, logger *zap.Logger) *Service {
	return &Service{cfg: cfg, store: store, pub: pub, logger: logger, odds: newOddsBook()}
}

// SetMetrics installs the collector set; optional, call before serving.
func (s *Service) SetMetrics(m *metrics.Set) { s.metrics = m }

// OpenForMatch creates the betting market for a freshly funded match, sides
// keyed to the two players. Idempotent per match.
func (s *Service) OpenForMatch(ctx context.Context, m *model.Match) (*model.RaceMarket, error) {
	if existing, err := s.store.GetMarketByMatch(ctx, m.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	mk := &model.RaceMarket{
		ID:            uuid.NewString(),
		MatchID:       m.ID,
		State:         model.MarketOpen,
		SideAAddr:     m.Player1,
		SideBAddr:     m.Player2,
		TotalPoolWei:  new(big.Int),
		LockBeforeEnd: s.cfg.LockBeforeEnd,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateMarket(ctx, mk); err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}
	s.publishTick(ctx, model.OddsTick{
		MarketID: mk.ID,
		Seq:      0,
		OddsABps: model.OddsScale / 2,
		OddsBBps: model.OddsScale / 2,
	}, mk.TotalPoolWei)
	return mk, nil
}

// PlaceBet admits one stake against an open market. A replayed idempotency
// key returns the original order only when the request matches it
// parameter-for-parameter; reusing a key for a different bet is a conflict.
// Every rejection carries a distinct reason code. On success the current odds
// for the side are locked into the order, the pool grows by the stake, and a
// fresh odds tick is emitted.
func (s *Service) PlaceBet(ctx context.Context, marketID, userID string, side model.Side, stakeWei *big.Int, idemKey string) (*model.BetOrder, error) {
	if idemKey == "" {
		return nil, model.Reject(model.ReasonIdempotencyConflict, "missing idempotency key")
	}
	if !side.Valid() {
		return nil, model.Reject(model.ReasonInvalidSide, string(side))
	}
	if stakeWei == nil || stakeWei.Sign() <= 0 {
		return nil, model.Reject(model.ReasonInvalidAmount, "stake")
	}

	var (
		order *model.BetOrder
		tick  *model.OddsTick
		pool  *big.Int
	)
	err := s.store.WithMarketTx(ctx, marketID, func(tx storage.MarketTx) error {
		if prior, err := tx.OrderByIdemKey(idemKey); err == nil {
			if prior.MarketID != marketID || prior.UserID != userID ||
				prior.Side != side || prior.StakeWei.Cmp(stakeWei) != 0 {
				return model.Reject(model.ReasonIdempotencyConflict, "key already used by a different order")
			}
			order = prior
			return nil
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		mk := tx.Market()
		if mk.State != model.MarketOpen {
			return model.Reject(model.ReasonMarketNotOpen, string(mk.State))
		}
		if stakeWei.Cmp(s.cfg.MinStakeWei) < 0 {
			return model.Reject(model.ReasonStakeTooLow, stakeWei.String())
		}
		if stakeWei.Cmp(s.cfg.MaxStakeWei) > 0 {
			return model.Reject(model.ReasonStakeTooHigh, stakeWei.String())
		}
		exposure, err := tx.UserPendingExposure(userID)
		if err != nil {
			return err
		}
		if new(big.Int).Add(exposure, stakeWei).Cmp(s.cfg.ExposureCapWei) > 0 {
			return model.Reject(model.ReasonExposureCap, userID)
		}
		newPool := new(big.Int).Add(mk.TotalPoolWei, stakeWei)
		if newPool.Cmp(s.cfg.PoolCapWei) > 0 {
			return model.Reject(model.ReasonPoolCap, newPool.String())
		}

		st, err := s.odds.get(marketID, tx.ListPendingOrders)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		order = &model.BetOrder{
			ID:             uuid.NewString(),
			MarketID:       marketID,
			UserID:         userID,
			Side:           side,
			StakeWei:       new(big.Int).Set(stakeWei),
			OddsBps:        st.bps(side),
			Status:         model.OrderPending,
			IdempotencyKey: idemKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertOrder(order); err != nil {
			return err
		}

		mk.TotalPoolWei = newPool
		mk.UpdatedAt = now
		if err := tx.UpdateMarket(mk); err != nil {
			return err
		}
		st.add(side, stakeWei)

		seq, err := tx.NextTickSeq()
		if err != nil {
			return err
		}
		a, b := st.split()
		t := model.OddsTick{MarketID: marketID, Seq: seq, OddsABps: a, OddsBBps: b, CreatedAt: now}
		if err := tx.InsertTick(&t); err != nil {
			return err
		}
		tick = &t
		pool = new(big.Int).Set(newPool)
		return nil
	})
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Reject(model.ReasonMarketNotFound, marketID)
	}
	if err != nil {
		return nil, err
	}

	if tick != nil {
		if s.metrics != nil {
			s.metrics.BetsPlaced.WithLabelValues("accepted").Inc()
		}
		s.publishBet(ctx, model.EventBetAccepted, order)
		s.publishTick(ctx, *tick, pool)
	}
	return order, nil
}

// CancelBet voids a pending order before lock. Once a market leaves open,
// outstanding exposure is frozen for settlement and cancellation is
// permanently disallowed.
func (s *Service) CancelBet(ctx context.Context, orderID, userID string) (*model.BetOrder, error) {
	stub, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Reject(model.ReasonOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}

	var (
		order *model.BetOrder
		tick  *model.OddsTick
		pool  *big.Int
	)
	err = s.store.WithMarketTx(ctx, stub.MarketID, func(tx storage.MarketTx) error {
		o, err := tx.Order(orderID)
		if errors.Is(err, model.ErrNotFound) {
			return model.Reject(model.ReasonOrderNotFound, orderID)
		}
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return model.Reject(model.ReasonNotOrderOwner, userID)
		}
		mk := tx.Market()
		if mk.State != model.MarketOpen {
			return model.Reject(model.ReasonMarketLocked, string(mk.State))
		}
		if o.Status != model.OrderPending {
			return model.Reject(model.ReasonOrderNotPending, string(o.Status))
		}

		if err := tx.SetOrderOutcome(orderID, model.OrderCancelled, new(big.Int)); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.InsertCancellation(&model.BetCancellation{
			OrderID:     o.ID,
			MarketID:    o.MarketID,
			UserID:      o.UserID,
			RefundedWei: new(big.Int).Set(o.StakeWei),
			Reason:      "user_cancel",
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		mk.TotalPoolWei = new(big.Int).Sub(mk.TotalPoolWei, o.StakeWei)
		mk.UpdatedAt = now
		if err := tx.UpdateMarket(mk); err != nil {
			return err
		}

		st, err := s.odds.get(o.MarketID, tx.ListPendingOrders)
		if err != nil {
			return err
		}
		st.remove(o.Side, o.StakeWei)

		seq, err := tx.NextTickSeq()
		if err != nil {
			return err
		}
		a, b := st.split()
		t := model.OddsTick{MarketID: o.MarketID, Seq: seq, OddsABps: a, OddsBBps: b, CreatedAt: now}
		if err := tx.InsertTick(&t); err != nil {
			return err
		}

		o.Status = model.OrderCancelled
		o.UpdatedAt = now
		order = o
		tick = &t
		pool = new(big.Int).Set(mk.TotalPoolWei)
		return nil
	})
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Reject(model.ReasonMarketNotFound, stub.MarketID)
	}
	if err != nil {
		return nil, err
	}

	s.publishBet(ctx, model.EventBetCancelled, order)
	s.publishTick(ctx, *tick, pool)
	return order, nil
}

// LockMarket freezes an open market ahead of race end. Locking a market that
// already left open is a no-op.
func (s *Service) LockMarket(ctx context.Context, marketID string) error {
	var locked bool
	err := s.store.WithMarketTx(ctx, marketID, func(tx storage.MarketTx) error {
		mk := tx.Market()
		if mk.State != model.MarketOpen {
			return nil
		}
		mk.State = model.MarketLocked
		mk.UpdatedAt = time.Now().UTC()
		locked = true
		return tx.UpdateMarket(mk)
	})
	if errors.Is(err, model.ErrNotFound) {
		return model.Reject(model.ReasonMarketNotFound, marketID)
	}
	if err != nil {
		return err
	}
	if locked {
		s.publishLocked(ctx, marketID)
	}
	return nil
}

// SettleMarket resolves every pending bet against the race outcome. A draw
// refunds each stake verbatim; a winning bet pays stake * 10000 / oddsBps in
// truncating integer math, with the running payout capped so the total never
// exceeds the recorded pool. The remainder of the pool is the platform fee.
// A market still open passes through the lock step on the way: betting stops
// before the outcome is applied and subscribers see the marketLocked event.
func (s *Service) SettleMarket(ctx context.Context, marketID string, winner model.Side) error {
	var settlement *model.MarketSettlement
	var wasOpen bool
	err := s.store.WithMarketTx(ctx, marketID, func(tx storage.MarketTx) error {
		mk := tx.Market()
		switch mk.State {
		case model.MarketOpen:
			wasOpen = true
			mk.State = model.MarketLocked
		case model.MarketLocked:
		default:
			return model.Reject(model.ReasonMarketNotOpen, string(mk.State))
		}

		orders, err := tx.ListPendingOrders()
		if err != nil {
			return err
		}
		remaining := new(big.Int).Set(mk.TotalPoolWei)
		totalPayout := new(big.Int)
		for _, o := range orders {
			var payout *big.Int
			status := model.OrderLost
			switch {
			case winner == model.SideDraw:
				payout = new(big.Int).Set(o.StakeWei)
				status = model.OrderWon
			case o.Side == winner:
				payout = o.WinPayout()
				status = model.OrderWon
			default:
				payout = new(big.Int)
			}
			if payout.Cmp(remaining) > 0 {
				payout = new(big.Int).Set(remaining)
			}
			remaining.Sub(remaining, payout)
			totalPayout.Add(totalPayout, payout)
			if err := tx.SetOrderOutcome(o.ID, status, payout); err != nil {
				return err
			}
		}

		st := &model.MarketSettlement{
			MarketID:       marketID,
			WinnerSide:     winner,
			TotalPoolWei:   new(big.Int).Set(mk.TotalPoolWei),
			TotalPayoutWei: totalPayout,
			PlatformFeeWei: new(big.Int).Sub(mk.TotalPoolWei, totalPayout),
			CreatedAt:      time.Now().UTC(),
		}
		if err := tx.InsertMarketSettlement(st); err != nil {
			return err
		}

		mk.State = model.MarketSettled
		mk.UpdatedAt = st.CreatedAt
		if err := tx.UpdateMarket(mk); err != nil {
			return err
		}
		settlement = st
		return nil
	})
	if errors.Is(err, model.ErrNotFound) {
		return model.Reject(model.ReasonMarketNotFound, marketID)
	}
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.MarketsSettled.Inc()
	}
	s.odds.drop(marketID)
	if wasOpen {
		s.publishLocked(ctx, marketID)
	}
	s.publishSettled(ctx, settlement)
	return nil
}

// CancelMarket voids an open or locked market, cancelling every pending bet.
// A settled or already-cancelled market is an explicit error, not a silent
// no-op.
func (s *Service) CancelMarket(ctx context.Context, marketID string) error {
	err := s.store.WithMarketTx(ctx, marketID, func(tx storage.MarketTx) error {
		mk := tx.Market()
		switch mk.State {
		case model.MarketOpen, model.MarketLocked:
		default:
			return model.Reject(model.ReasonMarketNotCancelable, string(mk.State))
		}

		orders, err := tx.ListPendingOrders()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, o := range orders {
			if err := tx.SetOrderOutcome(o.ID, model.OrderCancelled, new(big.Int)); err != nil {
				return err
			}
			if err := tx.InsertCancellation(&model.BetCancellation{
				OrderID:     o.ID,
				MarketID:    o.MarketID,
				UserID:      o.UserID,
				RefundedWei: new(big.Int).Set(o.StakeWei),
				Reason:      "market_cancel",
				CreatedAt:   now,
			}); err != nil {
				return err
			}
		}

		mk.State = model.MarketCancelled
		mk.UpdatedAt = now
		return tx.UpdateMarket(mk)
	})
	if errors.Is(err, model.ErrNotFound) {
		return model.Reject(model.ReasonMarketNotFound, marketID)
	}
	if err != nil {
		return err
	}
	s.odds.drop(marketID)
	return nil
}

// LockForMatch freezes the market tied to a match whose race is ending. No
// market, or a market already past open, is a no-op.
func (s *Service) LockForMatch(ctx context.Context, m *model.Match) error {
	mk, err := s.store.GetMarketByMatch(ctx, m.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.LockMarket(ctx, mk.ID)
}

// SettleForMatch resolves the market tied to a settled match. A match refund
// cancels the market; a draw refunds all bets; otherwise the winner address
// maps to its market side.
func (s *Service) SettleForMatch(ctx context.Context, m *model.Match) error {
	mk, err := s.store.GetMarketByMatch(ctx, m.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if m.State == model.MatchRefunded {
		return s.CancelMarket(ctx, mk.ID)
	}
	winner := model.SideDraw
	switch m.Winner {
	case mk.SideAAddr:
		winner = model.SideA
	case mk.SideBAddr:
		winner = model.SideB
	}
	return s.SettleMarket(ctx, mk.ID, winner)
}

// Snapshot returns a market with its latest odds tick for the poll fallback.
func (s *Service) Snapshot(ctx context.Context, marketID string) (*model.RaceMarket, []model.OddsTick, error) {
	mk, err := s.store.GetMarket(ctx, marketID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil, model.Reject(model.ReasonMarketNotFound, marketID)
	}
	if err != nil {
		return nil, nil, err
	}
	ticks, err := s.store.ListTicks(ctx, marketID, 0)
	if err != nil {
		return nil, nil, err
	}
	return mk, ticks, nil
}

func (s *Service) publishBet(ctx context.Context, eventType string, o *model.BetOrder) {
	payload := model.BetPayload{
		MarketID: o.MarketID,
		OrderID:  o.ID,
		UserID:   o.UserID,
		Side:     o.Side,
		StakeWei: o.StakeWei.String(),
		OddsBps:  o.OddsBps,
		Status:   o.Status,
	}
	if err := s.pub.Publish(ctx, eventType, model.ChannelMarket(o.MarketID), payload); err != nil {
		s.logger.Warn("publish bet event", zap.String("market", o.MarketID), zap.Error(err))
	}
}

func (s *Service) publishTick(ctx context.Context, t model.OddsTick, pool *big.Int) {
	payload := model.MarketTickPayload{
		MarketID: t.MarketID,
		Seq:      t.Seq,
		OddsABps: t.OddsABps,
		OddsBBps: t.OddsBBps,
		PoolWei:  pool.String(),
	}
	if err := s.pub.Publish(ctx, model.EventMarketTick, model.ChannelMarket(t.MarketID), payload); err != nil {
		s.logger.Warn("publish odds tick", zap.String("market", t.MarketID), zap.Error(err))
	}
}

func (s *Service) publishLocked(ctx context.Context, marketID string) {
	if err := s.pub.Publish(ctx, model.EventMarketLocked, model.ChannelMarket(marketID), map[string]string{"marketId": marketID}); err != nil {
		s.logger.Warn("publish market locked", zap.String("market", marketID), zap.Error(err))
	}
}

func (s *Service) publishSettled(ctx context.Context, st *model.MarketSettlement) {
	payload := model.MarketSettledPayload{
		MarketID:       st.MarketID,
		WinnerSide:     st.WinnerSide,
		TotalPoolWei:   st.TotalPoolWei.String(),
		TotalPayoutWei: st.TotalPayoutWei.String(),
		PlatformFeeWei: st.PlatformFeeWei.String(),
	}
	if err := s.pub.Publish(ctx, model.EventMarketSettle, model.ChannelMarket(st.MarketID), payload); err != nil {
		s.logger.Warn("publish market settled", zap.String("market", st.MarketID), zap.Error(err))
	}
}
