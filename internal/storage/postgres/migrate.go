package postgres

import (
	"context"
	"fmt"
)

// Migrate creates or upgrades the schema. Statements are idempotent so the
// command can run on every deploy.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chain_events (
		block_number BIGINT NOT NULL,
		block_hash   TEXT NOT NULL,
		tx_hash      TEXT NOT NULL,
		log_index    BIGINT NOT NULL,
		address      TEXT NOT NULL,
		event_name   TEXT NOT NULL,
		args         JSONB NOT NULL DEFAULT '{}',
		indexed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tx_hash, log_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chain_events_block ON chain_events (block_number)`,

	`CREATE TABLE IF NOT EXISTS indexer_cursor (
		id         SMALLINT PRIMARY KEY,
		last_block BIGINT NOT NULL,
		block_hash TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS matches (
		id            UUID PRIMARY KEY,
		onchain_id    BIGINT,
		join_code     TEXT NOT NULL UNIQUE,
		player1       TEXT NOT NULL,
		player2       TEXT,
		deposit_wei   NUMERIC(78,0) NOT NULL,
		timeout_block BIGINT NOT NULL DEFAULT 0,
		state         TEXT NOT NULL,
		score1        BIGINT,
		score2        BIGINT,
		winner        TEXT,
		settlement_id TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_matches_timeout ON matches (timeout_block) WHERE state NOT IN ('settled','refunded','cancelled')`,

	`CREATE TABLE IF NOT EXISTS deposits (
		match_id     UUID NOT NULL REFERENCES matches (id),
		player       TEXT NOT NULL,
		amount_wei   NUMERIC(78,0) NOT NULL,
		tx_hash      TEXT,
		status       TEXT NOT NULL,
		block_number BIGINT,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (match_id, player)
	)`,

	`CREATE TABLE IF NOT EXISTS settlements (
		id         UUID NOT NULL,
		match_id   UUID NOT NULL UNIQUE REFERENCES matches (id),
		type       TEXT NOT NULL,
		winner     TEXT,
		payout_wei   NUMERIC(78,0) NOT NULL,
		tx_hash      TEXT,
		status       TEXT NOT NULL,
		block_number BIGINT,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_tx ON settlements (tx_hash)`,

	`CREATE TABLE IF NOT EXISTS game_sessions (
		id         TEXT PRIMARY KEY,
		player     TEXT NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS reward_events (
		session_id   TEXT NOT NULL,
		seq          BIGINT NOT NULL,
		recipient    TEXT NOT NULL,
		amount_wei   NUMERIC(78,0) NOT NULL,
		proof_hash   TEXT,
		tx_hash      TEXT,
		status       TEXT NOT NULL,
		block_number BIGINT,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reward_events_tx ON reward_events (tx_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_deposits_tx ON deposits (tx_hash)`,

	`CREATE TABLE IF NOT EXISTS race_markets (
		id                 UUID PRIMARY KEY,
		match_id           UUID NOT NULL UNIQUE REFERENCES matches (id),
		state              TEXT NOT NULL,
		side_a             TEXT NOT NULL,
		side_b             TEXT NOT NULL,
		total_pool_wei     NUMERIC(78,0) NOT NULL DEFAULT 0,
		lock_before_end_ms BIGINT NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS odds_ticks (
		market_id  UUID NOT NULL REFERENCES race_markets (id),
		seq        BIGINT NOT NULL,
		odds_a_bps BIGINT NOT NULL,
		odds_b_bps BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (market_id, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS bet_orders (
		id              UUID PRIMARY KEY,
		market_id       UUID NOT NULL REFERENCES race_markets (id),
		user_id         TEXT NOT NULL,
		side            TEXT NOT NULL,
		stake_wei       NUMERIC(78,0) NOT NULL,
		odds_bps        BIGINT NOT NULL,
		status          TEXT NOT NULL,
		payout_wei      NUMERIC(78,0) NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bet_orders_market ON bet_orders (market_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_bet_orders_user ON bet_orders (market_id, user_id, status)`,

	`CREATE TABLE IF NOT EXISTS bet_cancellations (
		order_id     UUID NOT NULL,
		market_id    UUID NOT NULL,
		user_id      TEXT NOT NULL,
		refunded_wei NUMERIC(78,0) NOT NULL,
		reason       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS market_settlements (
		market_id        UUID PRIMARY KEY REFERENCES race_markets (id),
		winner_side      TEXT NOT NULL,
		total_pool_wei   NUMERIC(78,0) NOT NULL,
		total_payout_wei NUMERIC(78,0) NOT NULL,
		platform_fee_wei NUMERIC(78,0) NOT NULL,
		tx_ref           TEXT,
		created_at       TIMESTAMPTZ NOT NULL
	)`,
}
