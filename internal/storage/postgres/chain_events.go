package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"kasracing/internal/model"
)

// InsertChainEvents inserts events keyed by (tx_hash, log_index); redelivered
// events are skipped via ON CONFLICT DO NOTHING.
func (s *Store) InsertChainEvents(ctx context.Context, events []model.ChainEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO chain_events (
				block_number, block_hash, tx_hash, log_index, address, event_name, args, indexed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tx_hash, log_index) DO NOTHING
		`,
			int64(ev.BlockNumber),
			ev.BlockHash,
			ev.TxHash,
			int64(ev.LogIndex),
			ev.Address,
			ev.EventName,
			[]byte(ev.Args),
			ev.IndexedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range events {
		tag, err := br.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *Store) DeleteChainEventsAbove(ctx context.Context, safeBlock uint64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chain_events WHERE block_number > $1`, int64(safeBlock))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) StoredBlockHash(ctx context.Context, block uint64) (string, bool, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT block_hash FROM chain_events WHERE block_number = $1 LIMIT 1`,
		int64(block),
	).Scan(&hash)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

func (s *Store) LoadCursor(ctx context.Context) (model.Cursor, bool, error) {
	var c model.Cursor
	var lastBlock int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_block, block_hash, updated_at FROM indexer_cursor WHERE id = 1`,
	).Scan(&lastBlock, &c.BlockHash, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return model.Cursor{}, false, nil
	}
	if err != nil {
		return model.Cursor{}, false, err
	}
	c.LastBlock = uint64(lastBlock)
	return c, true, nil
}

func (s *Store) SaveCursor(ctx context.Context, c model.Cursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_cursor (id, last_block, block_hash, updated_at)
		VALUES (1, $1, $2, now())
		ON CONFLICT (id)
		DO UPDATE SET last_block = EXCLUDED.last_block, block_hash = EXCLUDED.block_hash, updated_at = now()
	`, int64(c.LastBlock), c.BlockHash)
	return err
}
