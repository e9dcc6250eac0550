package model

import (
	"math/big"
	"time"
)

// Match is a head-to-head race wager between two players.
// Player2 stays empty until someone joins with the join code.
type Match struct {
	ID             string     `json:"id"`
	OnchainID      *uint64    `json:"onchain_id,omitempty"`
	JoinCode       string     `json:"join_code"`
	Player1        string     `json:"player1"`
	Player2        string     `json:"player2,omitempty"`
	DepositWei     *big.Int   `json:"deposit_wei"`
	TimeoutBlock   uint64     `json:"timeout_block"`
	State          MatchState `json:"state"`
	Score1         *int64     `json:"score1,omitempty"`
	Score2         *int64     `json:"score2,omitempty"`
	Winner         string     `json:"winner,omitempty"`
	SettlementID   string     `json:"settlement_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasPlayer reports whether addr is one of the two match players.
func (m *Match) HasPlayer(addr string) bool {
	return addr != "" && (m.Player1 == addr || m.Player2 == addr)
}

// ScoresComplete reports whether both players have submitted a score.
func (m *Match) ScoresComplete() bool {
	return m.Score1 != nil && m.Score2 != nil
}

// Deposit is one player's funding transaction for a match.
// Unique per (MatchID, Player).
type Deposit struct {
	MatchID     string    `json:"match_id"`
	Player      string    `json:"player"`
	AmountWei   *big.Int  `json:"amount_wei"`
	TxHash      string    `json:"tx_hash"`
	Status      TxStatus  `json:"status"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Settlement is the payout record of a match. Unique per match; immutable
// once confirmed.
type Settlement struct {
	ID          string         `json:"id"`
	MatchID     string         `json:"match_id"`
	Type        SettlementType `json:"type"`
	Winner      string         `json:"winner,omitempty"`
	PayoutWei   *big.Int       `json:"payout_wei"`
	TxHash      string         `json:"tx_hash,omitempty"`
	Status      TxStatus       `json:"status"`
	BlockNumber uint64         `json:"block_number,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
