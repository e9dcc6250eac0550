// Package memory provides an in-memory Store used by tests and local
// development. It mirrors the uniqueness semantics of the Postgres store but
// is not transactional: a callback error inside WithMarketTx does not roll
// back writes already made through the tx handle.
package memory

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"sync"

	"kasracing/internal/model"
	"kasracing/internal/storage"
)

// Store keeps everything in maps guarded by one mutex, plus a per-market
// mutex serializing market transactions.
type Store struct {
	mu sync.Mutex

	events map[string]model.ChainEvent // key = txHash:logIndex
	cursor *model.Cursor

	matches     map[string]*model.Match
	joinCodes   map[string]string // join code -> match id
	deposits    map[string]*model.Deposit // key = matchID/player
	settlements map[string]*model.Settlement // key = matchID

	sessions map[string]*model.GameSession
	rewards  map[string]*model.RewardEvent // key = sessionID/seq

	markets       map[string]*model.RaceMarket
	marketByMatch map[string]string
	orders        map[string]*model.BetOrder
	orderByIdem   map[string]string // idempotency key -> order id
	ticks         map[string][]model.OddsTick
	cancellations []model.BetCancellation
	marketSettles map[string]*model.MarketSettlement

	marketLocks map[string]*sync.Mutex
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		events:        make(map[string]model.ChainEvent),
		matches:       make(map[string]*model.Match),
		joinCodes:     make(map[string]string),
		deposits:      make(map[string]*model.Deposit),
		settlements:   make(map[string]*model.Settlement),
		sessions:      make(map[string]*model.GameSession),
		rewards:       make(map[string]*model.RewardEvent),
		markets:       make(map[string]*model.RaceMarket),
		marketByMatch: make(map[string]string),
		orders:        make(map[string]*model.BetOrder),
		orderByIdem:   make(map[string]string),
		ticks:         make(map[string][]model.OddsTick),
		marketSettles: make(map[string]*model.MarketSettlement),
		marketLocks:   make(map[string]*sync.Mutex),
	}
}

var _ storage.Store = (*Store)(nil)

func depositKey(matchID, player string) string { return matchID + "/" + player }

func rewardKey(sessionID string, seq uint64) string {
	return sessionID + "/" + strconv.FormatUint(seq, 10)
}

// --- ChainEventStore ---

func (s *Store) InsertChainEvents(_ context.Context, events []model.ChainEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, ev := range events {
		key := ev.Key()
		if _, ok := s.events[key]; ok {
			continue
		}
		s.events[key] = ev
		inserted++
	}
	return inserted, nil
}

func (s *Store) DeleteChainEventsAbove(_ context.Context, safeBlock uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, ev := range s.events {
		if ev.BlockNumber > safeBlock {
			delete(s.events, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) StoredBlockHash(_ context.Context, block uint64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.BlockNumber == block {
			return ev.BlockHash, true, nil
		}
	}
	return "", false, nil
}

func (s *Store) LoadCursor(_ context.Context) (model.Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return model.Cursor{}, false, nil
	}
	return *s.cursor, true, nil
}

func (s *Store) SaveCursor(_ context.Context, c model.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = &c
	return nil
}

// Events returns all stored chain events, ordered by block then log index.
// Test helper; not part of storage.Store.
func (s *Store) Events() []model.ChainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ChainEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out
}

// --- MatchStore ---

func (s *Store) CreateMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.matches[m.ID] = &cp
	if m.JoinCode != "" {
		s.joinCodes[m.JoinCode] = m.ID
	}
	return nil
}

func (s *Store) GetMatch(_ context.Context, id string) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) GetMatchByJoinCode(_ context.Context, code string) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.joinCodes[code]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *s.matches[id]
	return &cp, nil
}

func (s *Store) GetMatchByOnchainID(_ context.Context, onchainID uint64) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.matches {
		if m.OnchainID != nil && *m.OnchainID == onchainID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) UpdateMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.ID]; !ok {
		return model.ErrNotFound
	}
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *Store) UpdateMatchLocked(_ context.Context, matchID string, fn func(m *model.Match) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.matches[matchID]
	if !ok {
		return model.ErrNotFound
	}
	cp := *cur
	if err := fn(&cp); err != nil {
		return err
	}
	s.matches[matchID] = &cp
	return nil
}

func (s *Store) ListMatchesPastTimeout(_ context.Context, block uint64) ([]*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Match
	for _, m := range s.matches {
		if !m.State.Terminal() && m.TimeoutBlock > 0 && m.TimeoutBlock <= block {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpsertDeposit(_ context.Context, d *model.Deposit) (*model.Deposit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := depositKey(d.MatchID, d.Player)
	if existing, ok := s.deposits[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *d
	s.deposits[key] = &cp
	out := cp
	return &out, true, nil
}

func (s *Store) GetDeposit(_ context.Context, matchID, player string) (*model.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[depositKey(matchID, player)]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) GetDepositByTxHash(_ context.Context, txHash string) (*model.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deposits {
		if d.TxHash == txHash && txHash != "" {
			cp := *d
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) ListDepositsInStatus(_ context.Context, status model.TxStatus) ([]*model.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Deposit
	for _, d := range s.deposits {
		if d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ListDeposits(_ context.Context, matchID string) ([]*model.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Deposit
	for _, d := range s.deposits {
		if d.MatchID == matchID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Player < out[j].Player })
	return out, nil
}

func (s *Store) AdvanceDepositStatus(_ context.Context, matchID, player string, next model.TxStatus, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[depositKey(matchID, player)]
	if !ok {
		return model.ErrNotFound
	}
	if !d.Status.CanAdvanceTo(next) {
		return nil
	}
	d.Status = next
	if blockNumber > 0 {
		d.BlockNumber = blockNumber
	}
	return nil
}

func (s *Store) CreateSettlement(_ context.Context, st *model.Settlement) (*model.Settlement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.settlements[st.MatchID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *st
	s.settlements[st.MatchID] = &cp
	out := cp
	return &out, true, nil
}

func (s *Store) GetSettlementByMatch(_ context.Context, matchID string) (*model.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settlements[matchID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) GetSettlementByTxHash(_ context.Context, txHash string) (*model.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.settlements {
		if st.TxHash == txHash && txHash != "" {
			cp := *st
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) ListSettlementsInStatus(_ context.Context, status model.TxStatus) ([]*model.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Settlement
	for _, st := range s.settlements {
		if st.Status == status {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) AdvanceSettlementStatus(_ context.Context, matchID string, next model.TxStatus, txHash string, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settlements[matchID]
	if !ok {
		return model.ErrNotFound
	}
	if !st.Status.CanAdvanceTo(next) {
		return nil
	}
	st.Status = next
	if txHash != "" {
		st.TxHash = txHash
	}
	if blockNumber > 0 {
		st.BlockNumber = blockNumber
	}
	return nil
}

// --- RewardStore ---

func (s *Store) PutSession(_ context.Context, sess *model.GameSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*model.GameSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) InsertRewardEvent(_ context.Context, r *model.RewardEvent) (*model.RewardEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rewardKey(r.SessionID, r.Seq)
	if existing, ok := s.rewards[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *r
	s.rewards[key] = &cp
	out := cp
	return &out, true, nil
}

func (s *Store) GetRewardEvent(_ context.Context, sessionID string, seq uint64) (*model.RewardEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rewards[rewardKey(sessionID, seq)]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) GetRewardByTxHash(_ context.Context, txHash string) (*model.RewardEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rewards {
		if r.TxHash == txHash && txHash != "" {
			cp := *r
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) ListRewardsInStatus(_ context.Context, status model.TxStatus) ([]*model.RewardEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.RewardEvent
	for _, r := range s.rewards {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) AdvanceRewardStatus(_ context.Context, sessionID string, seq uint64, next model.TxStatus, txHash string, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rewards[rewardKey(sessionID, seq)]
	if !ok {
		return model.ErrNotFound
	}
	if !r.Status.CanAdvanceTo(next) {
		return nil
	}
	r.Status = next
	if txHash != "" {
		r.TxHash = txHash
	}
	if blockNumber > 0 {
		r.BlockNumber = blockNumber
	}
	return nil
}

// --- MarketStore ---

func (s *Store) CreateMarket(_ context.Context, m *model.RaceMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.TotalPoolWei = cloneBig(m.TotalPoolWei)
	s.markets[m.ID] = &cp
	s.marketByMatch[m.MatchID] = m.ID
	return nil
}

func (s *Store) GetMarket(_ context.Context, id string) (*model.RaceMarket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marketCopy(id)
}

func (s *Store) GetMarketByMatch(_ context.Context, matchID string) (*model.RaceMarket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.marketByMatch[matchID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return s.marketCopy(id)
}

func (s *Store) marketCopy(id string) (*model.RaceMarket, error) {
	m, ok := s.markets[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *m
	cp.TotalPoolWei = cloneBig(m.TotalPoolWei)
	return &cp, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*model.BetOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := orderCopy(o)
	return &cp, nil
}

func (s *Store) GetMarketSettlement(_ context.Context, marketID string) (*model.MarketSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.marketSettles[marketID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) ListTicks(_ context.Context, marketID string, fromSeq uint64) ([]model.OddsTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OddsTick
	for _, t := range s.ticks[marketID] {
		if t.Seq >= fromSeq {
			out = append(out, t)
		}
	}
	return out, nil
}

// Cancellations returns all cancellation audit rows. Test helper.
func (s *Store) Cancellations() []model.BetCancellation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BetCancellation, len(s.cancellations))
	copy(out, s.cancellations)
	return out
}

func (s *Store) WithMarketTx(_ context.Context, marketID string, fn func(tx storage.MarketTx) error) error {
	s.mu.Lock()
	if _, ok := s.markets[marketID]; !ok {
		s.mu.Unlock()
		return model.ErrNotFound
	}
	lock, ok := s.marketLocks[marketID]
	if !ok {
		lock = &sync.Mutex{}
		s.marketLocks[marketID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(&marketTx{store: s, marketID: marketID})
}

type marketTx struct {
	store    *Store
	marketID string
}

func (tx *marketTx) Market() *model.RaceMarket {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	m, _ := tx.store.marketCopy(tx.marketID)
	return m
}

func (tx *marketTx) UpdateMarket(m *model.RaceMarket) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if _, ok := tx.store.markets[m.ID]; !ok {
		return model.ErrNotFound
	}
	cp := *m
	cp.TotalPoolWei = cloneBig(m.TotalPoolWei)
	tx.store.markets[m.ID] = &cp
	return nil
}

func (tx *marketTx) OrderByIdemKey(key string) (*model.BetOrder, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	id, ok := tx.store.orderByIdem[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := orderCopy(tx.store.orders[id])
	return &cp, nil
}

func (tx *marketTx) Order(orderID string) (*model.BetOrder, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	o, ok := tx.store.orders[orderID]
	if !ok || o.MarketID != tx.marketID {
		return nil, model.ErrNotFound
	}
	cp := orderCopy(o)
	return &cp, nil
}

func (tx *marketTx) InsertOrder(o *model.BetOrder) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if _, ok := tx.store.orderByIdem[o.IdempotencyKey]; ok {
		return model.ErrIdempotencyConflict
	}
	cp := orderCopy(o)
	tx.store.orders[o.ID] = &cp
	tx.store.orderByIdem[o.IdempotencyKey] = o.ID
	return nil
}

func (tx *marketTx) SetOrderOutcome(orderID string, status model.OrderStatus, payout *big.Int) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	o, ok := tx.store.orders[orderID]
	if !ok {
		return model.ErrNotFound
	}
	if o.Status != model.OrderPending {
		return model.Reject(model.ReasonOrderNotPending, string(o.Status))
	}
	o.Status = status
	o.PayoutWei = cloneBig(payout)
	return nil
}

func (tx *marketTx) ListPendingOrders() ([]*model.BetOrder, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	var out []*model.BetOrder
	for _, o := range tx.store.orders {
		if o.MarketID == tx.marketID && o.Status == model.OrderPending {
			cp := orderCopy(o)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *marketTx) UserPendingExposure(userID string) (*big.Int, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	total := new(big.Int)
	for _, o := range tx.store.orders {
		if o.MarketID == tx.marketID && o.UserID == userID && o.Status == model.OrderPending {
			total.Add(total, o.StakeWei)
		}
	}
	return total, nil
}

func (tx *marketTx) InsertCancellation(c *model.BetCancellation) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	cp := *c
	cp.RefundedWei = cloneBig(c.RefundedWei)
	tx.store.cancellations = append(tx.store.cancellations, cp)
	return nil
}

func (tx *marketTx) NextTickSeq() (uint64, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	ticks := tx.store.ticks[tx.marketID]
	if len(ticks) == 0 {
		return 1, nil
	}
	return ticks[len(ticks)-1].Seq + 1, nil
}

func (tx *marketTx) InsertTick(t *model.OddsTick) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.store.ticks[tx.marketID] = append(tx.store.ticks[tx.marketID], *t)
	return nil
}

func (tx *marketTx) InsertMarketSettlement(st *model.MarketSettlement) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if _, ok := tx.store.marketSettles[st.MarketID]; ok {
		return model.ErrIdempotencyConflict
	}
	cp := *st
	cp.TotalPoolWei = cloneBig(st.TotalPoolWei)
	cp.TotalPayoutWei = cloneBig(st.TotalPayoutWei)
	cp.PlatformFeeWei = cloneBig(st.PlatformFeeWei)
	tx.store.marketSettles[st.MarketID] = &cp
	return nil
}

func orderCopy(o *model.BetOrder) model.BetOrder {
	cp := *o
	cp.StakeWei = cloneBig(o.StakeWei)
	cp.PayoutWei = cloneBig(o.PayoutWei)
	return cp
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
