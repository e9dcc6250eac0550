package model

import (
	"math/big"
	"time"
)

// RewardEvent is one per-session per-sequence reward payout.
// Unique key = (SessionID, Seq): no sequence number for a session is ever
// paid twice, regardless of retries.
type RewardEvent struct {
	SessionID   string    `json:"session_id"`
	Seq         uint64    `json:"seq"`
	Recipient   string    `json:"recipient"`
	AmountWei   *big.Int  `json:"amount_wei"`
	ProofHash   string    `json:"proof_hash"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Status      TxStatus  `json:"status"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GameSession is a validated gameplay session eligible for rewards.
type GameSession struct {
	ID        string    `json:"id"`
	Player    string    `json:"player"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionEvent is an inbound gameplay event that may earn a reward.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}
