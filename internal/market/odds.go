package market

import (
	"math/big"
	"sync"

	"kasracing/internal/model"
)

// Odds clamp bounds. A side never quotes below minOddsBps even with all the
// stake on the other side, so WinPayout's divisor stays positive and the
// implied multiplier stays finite.
const (
	minOddsBps = 100
	maxOddsBps = model.OddsScale - minOddsBps
)

// oddsState is the live odds for one market, derived from the pending stake
// on each side. It exists only while its market is open or locked and is
// discarded at settlement or cancellation.
type oddsState struct {
	stakeA *big.Int
	stakeB *big.Int
}

func newOddsState() *oddsState {
	return &oddsState{stakeA: new(big.Int), stakeB: new(big.Int)}
}

func (o *oddsState) add(side model.Side, stake *big.Int) {
	if side == model.SideA {
		o.stakeA.Add(o.stakeA, stake)
	} else {
		o.stakeB.Add(o.stakeB, stake)
	}
}

func (o *oddsState) remove(side model.Side, stake *big.Int) {
	if side == model.SideA {
		o.stakeA.Sub(o.stakeA, stake)
	} else {
		o.stakeB.Sub(o.stakeB, stake)
	}
}

// split returns the current probability split in basis points. An empty
// market quotes even; otherwise each side's share of the pending stake,
// clamped so neither side reaches zero.
func (o *oddsState) split() (aBps, bBps int64) {
	total := new(big.Int).Add(o.stakeA, o.stakeB)
	if total.Sign() == 0 {
		return model.OddsScale / 2, model.OddsScale / 2
	}
	a := new(big.Int).Mul(o.stakeA, big.NewInt(model.OddsScale))
	a.Quo(a, total)
	aBps = a.Int64()
	if aBps < minOddsBps {
		aBps = minOddsBps
	}
	if aBps > maxOddsBps {
		aBps = maxOddsBps
	}
	return aBps, model.OddsScale - aBps
}

// bps returns the quoted odds for one side.
func (o *oddsState) bps(side model.Side) int64 {
	a, b := o.split()
	if side == model.SideA {
		return a
	}
	return b
}

// oddsBook owns the per-market odds states. Access is guarded by its own
// mutex; the market row lock serializes the writes that matter.
type oddsBook struct {
	mu     sync.Mutex
	states map[string]*oddsState
}

func newOddsBook() *oddsBook {
	return &oddsBook{states: make(map[string]*oddsState)}
}

// get returns the state for a market, building it from the pending orders
// when absent (first touch after a restart).
func (b *oddsBook) get(marketID string, pending func() ([]*model.BetOrder, error)) (*oddsState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[marketID]; ok {
		return st, nil
	}
	st := newOddsState()
	orders, err := pending()
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		st.add(o.Side, o.StakeWei)
	}
	b.states[marketID] = st
	return st, nil
}

func (b *oddsBook) drop(marketID string) {
	b.mu.Lock()
	delete(b.states, marketID)
	b.mu.Unlock()
}
