package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"kasracing/internal/model"
)

func (s *Store) PutSession(ctx context.Context, sess *model.GameSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_sessions (id, player, active, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET player = EXCLUDED.player, active = EXCLUDED.active
	`, sess.ID, sess.Player, sess.Active)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.GameSession, error) {
	var sess model.GameSession
	err := s.pool.QueryRow(ctx,
		`SELECT id, player, active, created_at FROM game_sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.Player, &sess.Active, &sess.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

const rewardColumns = `
	session_id, seq, recipient, amount_wei::text, COALESCE(proof_hash, ''),
	COALESCE(tx_hash, ''), status, COALESCE(block_number, 0), created_at, updated_at
`

func scanReward(row pgx.Row) (*model.RewardEvent, error) {
	var r model.RewardEvent
	var seq, blockNumber int64
	var amountStr string
	err := row.Scan(
		&r.SessionID, &seq, &r.Recipient, &amountStr, &r.ProofHash,
		&r.TxHash, &r.Status, &blockNumber, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	r.Seq = uint64(seq)
	r.BlockNumber = uint64(blockNumber)
	if r.AmountWei, err = scanWei(amountStr); err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertRewardEvent consumes the (session, seq) key and writes the row in one
// atomic statement. A key hit returns the stored row with created=false: the
// caller replays the original result instead of paying twice.
func (s *Store) InsertRewardEvent(ctx context.Context, r *model.RewardEvent) (*model.RewardEvent, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO reward_events (session_id, seq, recipient, amount_wei, proof_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, NULLIF($5, ''), $6, now(), now())
		ON CONFLICT (session_id, seq) DO NOTHING
		RETURNING `+rewardColumns,
		r.SessionID, int64(r.Seq), r.Recipient, weiArg(r.AmountWei), r.ProofHash, string(r.Status),
	)
	inserted, err := scanReward(row)
	if err == nil {
		return inserted, true, nil
	}
	if err != model.ErrNotFound {
		return nil, false, err
	}
	existing, err := s.GetRewardEvent(ctx, r.SessionID, r.Seq)
	if err != nil {
		return nil, false, fmt.Errorf("fetch reward after conflict: %w", err)
	}
	return existing, false, nil
}

func (s *Store) GetRewardEvent(ctx context.Context, sessionID string, seq uint64) (*model.RewardEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+rewardColumns+` FROM reward_events WHERE session_id = $1 AND seq = $2`,
		sessionID, int64(seq),
	)
	return scanReward(row)
}

func (s *Store) GetRewardByTxHash(ctx context.Context, txHash string) (*model.RewardEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+rewardColumns+` FROM reward_events WHERE tx_hash = $1`,
		txHash,
	)
	return scanReward(row)
}

func (s *Store) ListRewardsInStatus(ctx context.Context, status model.TxStatus) ([]*model.RewardEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+rewardColumns+` FROM reward_events WHERE status = $1`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RewardEvent
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AdvanceRewardStatus(ctx context.Context, sessionID string, seq uint64, next model.TxStatus, txHash string, blockNumber uint64) error {
	prev := prevStates(next)
	if prev == nil {
		return fmt.Errorf("invalid target status %q", next)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE reward_events SET
			status = $3,
			tx_hash = COALESCE(NULLIF($4, ''), tx_hash),
			block_number = CASE WHEN $6 > 0 THEN $6 ELSE block_number END,
			updated_at = now()
		WHERE session_id = $1 AND seq = $2 AND status = ANY($5)
	`, sessionID, int64(seq), string(next), txHash, prev, int64(blockNumber))
	return err
}
