package match

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"kasracing/internal/chain"
	"kasracing/internal/model"
	"kasracing/internal/realtime"
	"kasracing/internal/storage"
)

// Config holds match lifecycle tunables.
type Config struct {
	// MinDepositWei and MaxDepositWei bound the stake a lobby can be
	// created with.
	MinDepositWei *big.Int
	MaxDepositWei *big.Int
	// TimeoutBlocks is the funding window: a match not fully funded within
	// this many blocks of its on-chain creation is refunded.
	TimeoutBlocks uint64
}

// Service owns the match lifecycle: lobby create/join, deposit registration,
// score submission, and settlement. It implements indexer.MatchSink so that
// on-chain escrow events advance the same records the HTTP API creates.
type Service struct {
	cfg       Config
	store     storage.MatchStore
	submitter chain.Submitter
	pub       realtime.Publisher
	logger    *zap.Logger

	// onFunded fires when a match reaches the funded state. Used to open
	// the betting market; set once during wiring.
	onFunded func(ctx context.Context, m *model.Match)
	// onRaceEnding fires when the first score lands. Used to lock the
	// betting market before the outcome is knowable.
	onRaceEnding func(ctx context.Context, m *model.Match)
	// onSettled fires when a match reaches settled or refunded. Used to
	// resolve the betting market.
	onSettled func(ctx context.Context, m *model.Match)
}

func NewService(cfg Config, store storage.MatchStore, submitter chain.Submitter, pub realtime.Publisher, logger *zap.Logger) *Service {
	return &Service{cfg: cfg, store: store, submitter: submitter, pub: pub, logger: logger}
}

// SetFundedHook registers the callback invoked when a match becomes funded.
// Must be called before the indexer starts.
func (s *Service) SetFundedHook(fn func(ctx context.Context, m *model.Match)) {
	s.onFunded = fn
}

// SetRaceEndingHook registers the callback invoked when the first score of a
// match is recorded. Must be called before the API starts serving.
func (s *Service) SetRaceEndingHook(fn func(ctx context.Context, m *model.Match)) {
	s.onRaceEnding = fn
}

// SetSettledHook registers the callback invoked when a match reaches a
// terminal settled or refunded state. Must be called before the indexer
// starts.
func (s *Service) SetSettledHook(fn func(ctx context.Context, m *model.Match)) {
	s.onSettled = fn
}

// Create opens a new lobby for creator with the given per-player deposit.
func (s *Service) Create(ctx context.Context, creator string, depositWei *big.Int) (*model.Match, error) {
	if !common.IsHexAddress(creator) {
		return nil, model.Reject(model.ReasonInvalidAddress, creator)
	}
	if depositWei == nil || depositWei.Sign() <= 0 {
		return nil, model.Reject(model.ReasonInvalidAmount, "deposit")
	}
	if depositWei.Cmp(s.cfg.MinDepositWei) < 0 || depositWei.Cmp(s.cfg.MaxDepositWei) > 0 {
		return nil, model.Reject(model.ReasonAmountOutOfBounds, depositWei.String())
	}

	now := time.Now().UTC()
	m := &model.Match{
		ID:         uuid.NewString(),
		JoinCode:   newJoinCode(),
		Player1:    common.HexToAddress(creator).Hex(),
		DepositWei: new(big.Int).Set(depositWei),
		State:      model.MatchCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}
	return m, nil
}

// Join adds the second player via join code. Joining a match you are already
// in returns the match unchanged.
func (s *Service) Join(ctx context.Context, joinCode, player string) (*model.Match, error) {
	if !common.IsHexAddress(player) {
		return nil, model.Reject(model.ReasonInvalidAddress, player)
	}
	addr := common.HexToAddress(player).Hex()

	m, err := s.store.GetMatchByJoinCode(ctx, strings.ToUpper(joinCode))
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Reject(model.ReasonMatchNotFound, joinCode)
	}
	if err != nil {
		return nil, err
	}
	if m.HasPlayer(addr) {
		return m, nil
	}
	if m.State != model.MatchCreated {
		return nil, model.Reject(model.ReasonMatchNotActive, string(m.State))
	}
	if m.Player2 != "" {
		return nil, model.Reject(model.ReasonMatchFull, m.ID)
	}

	m.Player2 = addr
	m.State = model.MatchWaitingDeposits
	m.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("join match: %w", err)
	}
	s.publishMatch(ctx, m)
	return m, nil
}

// RegisterDeposit records a player's broadcast escrow deposit. The first call
// for (match, player) creates the row in submitted state; a replay with the
// same tx hash returns the stored row, a different tx hash for a consumed key
// is a conflict. onchainID, when non-nil, binds the lobby to its escrow id so
// later chain events can be correlated.
func (s *Service) RegisterDeposit(ctx context.Context, matchID, player string, amountWei *big.Int, txHash string, onchainID *uint64) (*model.Deposit, error) {
	if !common.IsHexAddress(player) {
		return nil, model.Reject(model.ReasonInvalidAddress, player)
	}
	addr := common.HexToAddress(player).Hex()

	m, err := s.store.GetMatch(ctx, matchID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Reject(model.ReasonMatchNotFound, matchID)
	}
	if err != nil {
		return nil, err
	}
	if !m.HasPlayer(addr) {
		return nil, model.Reject(model.ReasonNotMatchPlayer, addr)
	}
	if m.State.Terminal() {
		return nil, model.Reject(model.ReasonMatchNotActive, string(m.State))
	}
	if amountWei == nil || amountWei.Cmp(m.DepositWei) != 0 {
		return nil, model.Reject(model.ReasonInvalidAmount, "deposit must equal match stake")
	}

	if onchainID != nil && m.OnchainID == nil {
		m.OnchainID = onchainID
		m.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateMatch(ctx, m); err != nil {
			return nil, fmt.Errorf("bind onchain id: %w", err)
		}
	}

	now := time.Now().UTC()
	dep, created, err := s.store.UpsertDeposit(ctx, &model.Deposit{
		MatchID:   m.ID,
		Player:    addr,
		AmountWei: new(big.Int).Set(amountWei),
		TxHash:    txHash,
		Status:    model.TxSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert deposit: %w", err)
	}
	if !created && dep.TxHash != txHash {
		return nil, model.Reject(model.ReasonIdempotencyConflict, "deposit already registered with a different tx")
	}
	return dep, nil
}

// SubmitScore records one player's race result. When both scores are in, the
// winner is computed (higher score wins, equal is a draw) and settlement is
// triggered asynchronously; a settlement failure never rolls the score back.
func (s *Service) SubmitScore(ctx context.Context, matchID, player string, score int64) (*model.Match, error) {
	if !common.IsHexAddress(player) {
		return nil, model.Reject(model.ReasonInvalidAddress, player)
	}
	addr := common.HexToAddress(player).Hex()

	// Both players submit around the same time, so the slot write must hold
	// the match row lock: a read-modify-write through UpdateMatch would let
	// one submission rewrite the other's score back to empty.
	var m *model.Match
	err := s.store.UpdateMatchLocked(ctx, matchID, func(cur *model.Match) error {
		if !cur.HasPlayer(addr) {
			return model.Reject(model.ReasonNotMatchPlayer, addr)
		}
		switch cur.State {
		case model.MatchFunded, model.MatchRacing, model.MatchScoresPending:
		default:
			return model.Reject(model.ReasonMatchNotActive, string(cur.State))
		}

		slot := &cur.Score1
		if addr == cur.Player2 {
			slot = &cur.Score2
		}
		if *slot != nil {
			return model.Reject(model.ReasonScoreAlreadySet, addr)
		}
		sc := score
		*slot = &sc

		if cur.ScoresComplete() {
			cur.State = model.MatchScoresPending
			switch {
			case *cur.Score1 > *cur.Score2:
				cur.Winner = cur.Player1
			case *cur.Score2 > *cur.Score1:
				cur.Winner = cur.Player2
			}
		} else {
			cur.State = model.MatchRacing
		}
		cur.UpdatedAt = time.Now().UTC()
		m = cur
		return nil
	})
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Reject(model.ReasonMatchNotFound, matchID)
	}
	if err != nil {
		return nil, err
	}
	s.publishMatch(ctx, m)

	if m.State == model.MatchRacing && s.onRaceEnding != nil {
		s.onRaceEnding(ctx, m)
	}
	if m.ScoresComplete() {
		// The score is independently true regardless of payout outcome, so
		// settlement runs detached from the request.
		go func() {
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Settle(sctx, m.ID); err != nil {
				s.logger.Error("settlement failed", zap.String("match", m.ID), zap.Error(err))
			}
		}()
	}
	return m, nil
}

// Settle creates and submits the settlement for a match with complete scores.
// Idempotent: a second call finds the existing settlement and stops.
func (s *Service) Settle(ctx context.Context, matchID string) error {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.ScoresComplete() {
		return model.Reject(model.ReasonMatchNotActive, "scores incomplete")
	}

	stype := model.SettleDraw
	payout := new(big.Int).Mul(m.DepositWei, big.NewInt(2))
	if m.Winner != "" {
		stype = model.SettleWinner
	}
	return s.submitSettlement(ctx, m, stype, m.Winner, payout)
}

// refund settles a timed-out, under-funded match by returning mined deposits.
func (s *Service) refund(ctx context.Context, m *model.Match) error {
	deps, err := s.store.ListDeposits(ctx, m.ID)
	if err != nil {
		return err
	}
	total := new(big.Int)
	for _, d := range deps {
		if d.Status == model.TxMined || d.Status == model.TxConfirmed {
			total.Add(total, d.AmountWei)
		}
	}
	return s.submitSettlement(ctx, m, model.SettleRefund, "", total)
}

func (s *Service) submitSettlement(ctx context.Context, m *model.Match, stype model.SettlementType, winner string, payout *big.Int) error {
	now := time.Now().UTC()
	st, created, err := s.store.CreateSettlement(ctx, &model.Settlement{
		ID:        uuid.NewString(),
		MatchID:   m.ID,
		Type:      stype,
		Winner:    winner,
		PayoutWei: payout,
		Status:    model.TxPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("create settlement: %w", err)
	}
	if !created {
		return nil
	}

	if m.OnchainID == nil {
		s.logger.Error("settlement without onchain match id", zap.String("match", m.ID))
		return s.store.AdvanceSettlementStatus(ctx, m.ID, model.TxFailed, "", 0)
	}
	txHash, err := s.submitter.SubmitMatchSettlement(ctx, *m.OnchainID, winner, settlementKind(stype))
	if err != nil {
		if aerr := s.store.AdvanceSettlementStatus(ctx, m.ID, model.TxFailed, "", 0); aerr != nil {
			s.logger.Error("mark settlement failed", zap.String("match", m.ID), zap.Error(aerr))
		}
		return fmt.Errorf("submit settlement: %w", err)
	}
	if err := s.store.AdvanceSettlementStatus(ctx, m.ID, model.TxSubmitted, txHash, 0); err != nil {
		return fmt.Errorf("advance settlement: %w", err)
	}

	// Bind under the row lock: the indexer may be advancing this match's
	// state concurrently, and a full-row write from our stale copy would
	// undo it.
	if err := s.store.UpdateMatchLocked(ctx, m.ID, func(cur *model.Match) error {
		cur.SettlementID = st.ID
		cur.UpdatedAt = time.Now().UTC()
		*m = *cur
		return nil
	}); err != nil {
		return err
	}
	s.publishMatch(ctx, m)
	return nil
}

// Get returns the authoritative match state; the polling fallback hits this.
func (s *Service) Get(ctx context.Context, matchID string) (*model.Match, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Reject(model.ReasonMatchNotFound, matchID)
	}
	return m, err
}

func (s *Service) publishMatch(ctx context.Context, m *model.Match) {
	payload := model.MatchUpdatePayload{
		MatchID: m.ID,
		State:   m.State,
		Score1:  m.Score1,
		Score2:  m.Score2,
		Winner:  m.Winner,
	}
	if err := s.pub.Publish(ctx, model.EventMatchUpdate, model.ChannelMatch(m.ID), payload); err != nil {
		s.logger.Warn("publish match update", zap.String("match", m.ID), zap.Error(err))
	}
}

// Escrow settlement kinds, mirrored from the contract enum.
func settlementKind(t model.SettlementType) uint8 {
	switch t {
	case model.SettleWinner:
		return 0
	case model.SettleDraw:
		return 1
	default:
		return 2
	}
}

// newJoinCode returns a short uppercase code players share out of band.
func newJoinCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:8])
}
