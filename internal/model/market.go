package model

import (
	"math/big"
	"time"
)

// OddsScale is the fixed-point base for odds math: 10000 bps = 100%.
const OddsScale = 10000

// RaceMarket is a betting market tied to one match. Created when the match
// becomes funded; open -> locked -> settled, or open/locked -> cancelled.
type RaceMarket struct {
	ID            string      `json:"id"`
	MatchID       string      `json:"match_id"`
	State         MarketState `json:"state"`
	SideAAddr     string      `json:"side_a"`
	SideBAddr     string      `json:"side_b"`
	TotalPoolWei  *big.Int    `json:"total_pool_wei"`
	LockBeforeEnd time.Duration `json:"lock_before_end"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// OddsTick is an immutable snapshot of the probability split at a monotonic
// sequence number per market. OddsABps + OddsBBps == OddsScale.
type OddsTick struct {
	MarketID  string    `json:"market_id"`
	Seq       uint64    `json:"seq"`
	OddsABps  int64     `json:"odds_a_bps"`
	OddsBBps  int64     `json:"odds_b_bps"`
	CreatedAt time.Time `json:"created_at"`
}

// BetOrder is a user's stake on one side of a market. Odds are locked at
// insert time and never retroactively adjusted.
type BetOrder struct {
	ID             string      `json:"id"`
	MarketID       string      `json:"market_id"`
	UserID         string      `json:"user_id"`
	Side           Side        `json:"side"`
	StakeWei       *big.Int    `json:"stake_wei"`
	OddsBps        int64       `json:"odds_at_placement_bps"`
	Status         OrderStatus `json:"status"`
	PayoutWei      *big.Int    `json:"payout_wei,omitempty"`
	IdempotencyKey string      `json:"idempotency_key"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// WinPayout computes the fixed-point payout of a winning bet:
// stake * OddsScale / oddsBps, truncating. No floating point.
func (o *BetOrder) WinPayout() *big.Int {
	if o.OddsBps <= 0 {
		return new(big.Int)
	}
	p := new(big.Int).Mul(o.StakeWei, big.NewInt(OddsScale))
	return p.Quo(p, big.NewInt(o.OddsBps))
}

// BetCancellation is the audit row written when a pending bet is cancelled.
type BetCancellation struct {
	OrderID     string    `json:"order_id"`
	MarketID    string    `json:"market_id"`
	UserID      string    `json:"user_id"`
	RefundedWei *big.Int  `json:"refunded_wei"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// MarketSettlement is the aggregate settlement record of a market.
// PlatformFeeWei = TotalPoolWei - TotalPayoutWei.
type MarketSettlement struct {
	MarketID       string    `json:"market_id"`
	WinnerSide     Side      `json:"winner_side"`
	TotalPoolWei   *big.Int  `json:"total_pool_wei"`
	TotalPayoutWei *big.Int  `json:"total_payout_wei"`
	PlatformFeeWei *big.Int  `json:"platform_fee_wei"`
	TxRef          string    `json:"tx_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
