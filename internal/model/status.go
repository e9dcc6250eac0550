package model

// TxStatus is the on-chain transaction lifecycle shared by deposits,
// settlements, and reward events.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSubmitted TxStatus = "submitted"
	TxMined     TxStatus = "mined"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// CanAdvanceTo reports whether the transition s -> next is legal.
// Forward-only: pending -> submitted -> mined -> confirmed, with failed
// reachable from any non-terminal state.
func (s TxStatus) CanAdvanceTo(next TxStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == TxFailed {
		return true
	}
	switch s {
	case TxPending:
		return next == TxSubmitted
	case TxSubmitted:
		return next == TxMined
	case TxMined:
		return next == TxConfirmed
	}
	return false
}

// MatchState is the lifecycle of a head-to-head race wager.
type MatchState string

const (
	MatchCreated         MatchState = "created"
	MatchWaitingDeposits MatchState = "waiting_deposits"
	MatchFunded          MatchState = "funded"
	MatchRacing          MatchState = "racing"
	MatchScoresPending   MatchState = "scores_pending"
	MatchSettled         MatchState = "settled"
	MatchRefunded        MatchState = "refunded"
	MatchCancelled       MatchState = "cancelled"
)

// Terminal reports whether the match can no longer change state.
func (s MatchState) Terminal() bool {
	return s == MatchSettled || s == MatchRefunded || s == MatchCancelled
}

// MarketState is the lifecycle of a betting market.
type MarketState string

const (
	MarketOpen      MarketState = "open"
	MarketLocked    MarketState = "locked"
	MarketSettled   MarketState = "settled"
	MarketCancelled MarketState = "cancelled"
)

// OrderStatus is the lifecycle of a bet order. Transitions out of pending
// are one-way; there is no path back.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderWon       OrderStatus = "won"
	OrderLost      OrderStatus = "lost"
	OrderCancelled OrderStatus = "cancelled"
)

// Side identifies one of the two bettable sides of a race market.
type Side string

const (
	SideA    Side = "A"
	SideB    Side = "B"
	SideDraw Side = "draw"
)

// Valid reports whether the side is bettable (draw is a settlement outcome,
// not a bettable side).
func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

// SettlementType classifies a match payout.
type SettlementType string

const (
	SettleWinner SettlementType = "winner"
	SettleDraw   SettlementType = "draw"
	SettleRefund SettlementType = "refund"
)
