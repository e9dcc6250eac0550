package model

import (
	"encoding/json"
	"time"
)

// ChainEvent is one decoded contract log mirrored from the chain.
// Unique key = (TxHash, LogIndex). Rows are never mutated; a reorg deletes
// every row above the new safe block.
type ChainEvent struct {
	BlockNumber uint64          `json:"block_number"`
	BlockHash   string          `json:"block_hash"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    uint64          `json:"log_index"`
	Address     string          `json:"address"`
	EventName   string          `json:"event_name"`
	Args        json.RawMessage `json:"args"`
	IndexedAt   time.Time       `json:"indexed_at"`
}

// Key returns the natural dedup key of the event.
func (e ChainEvent) Key() string {
	return e.TxHash + ":" + itoa(e.LogIndex)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Cursor is the indexer's bookmark: the last safely processed block and its
// hash, used for reorg detection. A single mutable row with one writer.
type Cursor struct {
	LastBlock uint64    `json:"last_block"`
	BlockHash string    `json:"block_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}
