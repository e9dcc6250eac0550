package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"kasracing/internal/model"
)

const matchColumns = `
	id, onchain_id, join_code, player1, COALESCE(player2, ''), deposit_wei::text,
	timeout_block, state, score1, score2, COALESCE(winner, ''),
	COALESCE(settlement_id, ''), created_at, updated_at
`

func scanMatch(row pgx.Row) (*model.Match, error) {
	var m model.Match
	var onchainID sql.NullInt64
	var timeoutBlock int64
	var depositStr string
	var score1, score2 sql.NullInt64
	err := row.Scan(
		&m.ID, &onchainID, &m.JoinCode, &m.Player1, &m.Player2, &depositStr,
		&timeoutBlock, &m.State, &score1, &score2, &m.Winner,
		&m.SettlementID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if onchainID.Valid {
		v := uint64(onchainID.Int64)
		m.OnchainID = &v
	}
	m.TimeoutBlock = uint64(timeoutBlock)
	if m.DepositWei, err = scanWei(depositStr); err != nil {
		return nil, err
	}
	if score1.Valid {
		m.Score1 = &score1.Int64
	}
	if score2.Valid {
		m.Score2 = &score2.Int64
	}
	return &m, nil
}

func (s *Store) CreateMatch(ctx context.Context, m *model.Match) error {
	var onchainID *int64
	if m.OnchainID != nil {
		v := int64(*m.OnchainID)
		onchainID = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO matches (
			id, onchain_id, join_code, player1, player2, deposit_wei,
			timeout_block, state, created_at, updated_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6::numeric, $7, $8, now(), now())
	`,
		m.ID, onchainID, m.JoinCode, m.Player1, m.Player2,
		weiArg(m.DepositWei), int64(m.TimeoutBlock), string(m.State),
	)
	return err
}

func (s *Store) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	return scanMatch(row)
}

func (s *Store) GetMatchByJoinCode(ctx context.Context, code string) (*model.Match, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE join_code = $1`, code)
	return scanMatch(row)
}

func (s *Store) GetMatchByOnchainID(ctx context.Context, onchainID uint64) (*model.Match, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE onchain_id = $1`, int64(onchainID))
	return scanMatch(row)
}

func (s *Store) UpdateMatch(ctx context.Context, m *model.Match) error {
	var onchainID *int64
	if m.OnchainID != nil {
		v := int64(*m.OnchainID)
		onchainID = &v
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE matches SET
			onchain_id = $2,
			player2 = NULLIF($3, ''),
			state = $4,
			score1 = $5,
			score2 = $6,
			winner = NULLIF($7, ''),
			settlement_id = NULLIF($8, ''),
			timeout_block = $9,
			updated_at = now()
		WHERE id = $1
	`,
		m.ID, onchainID, m.Player2, string(m.State),
		m.Score1, m.Score2, m.Winner, m.SettlementID, int64(m.TimeoutBlock),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// UpdateMatchLocked rewrites the match inside one transaction holding its row
// lock, so concurrent score submissions serialize instead of clobbering each
// other's column.
func (s *Store) UpdateMatchLocked(ctx context.Context, matchID string, fn func(m *model.Match) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1 FOR UPDATE`, matchID)
	m, err := scanMatch(row)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}

	var onchainID *int64
	if m.OnchainID != nil {
		v := int64(*m.OnchainID)
		onchainID = &v
	}
	if _, err := tx.Exec(ctx, `
		UPDATE matches SET
			onchain_id = $2,
			player2 = NULLIF($3, ''),
			state = $4,
			score1 = $5,
			score2 = $6,
			winner = NULLIF($7, ''),
			settlement_id = NULLIF($8, ''),
			timeout_block = $9,
			updated_at = now()
		WHERE id = $1
	`,
		m.ID, onchainID, m.Player2, string(m.State),
		m.Score1, m.Score2, m.Winner, m.SettlementID, int64(m.TimeoutBlock),
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListMatchesPastTimeout(ctx context.Context, block uint64) ([]*model.Match, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE timeout_block > 0 AND timeout_block <= $1
		  AND state NOT IN ('settled', 'refunded', 'cancelled')
	`, int64(block))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const depositColumns = `
	match_id, player, amount_wei::text, COALESCE(tx_hash, ''), status,
	COALESCE(block_number, 0), created_at, updated_at
`

func scanDeposit(row pgx.Row) (*model.Deposit, error) {
	var d model.Deposit
	var amountStr string
	var blockNumber int64
	err := row.Scan(
		&d.MatchID, &d.Player, &amountStr, &d.TxHash, &d.Status,
		&blockNumber, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	d.BlockNumber = uint64(blockNumber)
	if d.AmountWei, err = scanWei(amountStr); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertDeposit inserts the deposit unless a row for (match, player) already
// exists; the existing row wins and is returned unchanged. The insert and the
// uniqueness check are one statement, so concurrent duplicates cannot both
// create a row.
func (s *Store) UpsertDeposit(ctx context.Context, d *model.Deposit) (*model.Deposit, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO deposits (match_id, player, amount_wei, tx_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, NULLIF($4, ''), $5, now(), now())
		ON CONFLICT (match_id, player) DO NOTHING
		RETURNING `+depositColumns,
		d.MatchID, d.Player, weiArg(d.AmountWei), d.TxHash, string(d.Status),
	)
	inserted, err := scanDeposit(row)
	if err == nil {
		return inserted, true, nil
	}
	if err != model.ErrNotFound {
		return nil, false, err
	}
	existing, err := s.GetDeposit(ctx, d.MatchID, d.Player)
	if err != nil {
		return nil, false, fmt.Errorf("fetch deposit after conflict: %w", err)
	}
	return existing, false, nil
}

func (s *Store) GetDeposit(ctx context.Context, matchID, player string) (*model.Deposit, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE match_id = $1 AND player = $2`,
		matchID, player,
	)
	return scanDeposit(row)
}

func (s *Store) GetDepositByTxHash(ctx context.Context, txHash string) (*model.Deposit, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE tx_hash = $1`,
		txHash,
	)
	return scanDeposit(row)
}

func (s *Store) ListDeposits(ctx context.Context, matchID string) ([]*model.Deposit, error) {
	return s.queryDeposits(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE match_id = $1 ORDER BY player`,
		matchID,
	)
}

func (s *Store) ListDepositsInStatus(ctx context.Context, status model.TxStatus) ([]*model.Deposit, error) {
	return s.queryDeposits(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE status = $1`,
		string(status),
	)
}

func (s *Store) queryDeposits(ctx context.Context, query string, args ...any) ([]*model.Deposit, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AdvanceDepositStatus is a conditional UPDATE: the row only moves if its
// current status legally precedes next, so redelivered chain events are
// no-ops.
func (s *Store) AdvanceDepositStatus(ctx context.Context, matchID, player string, next model.TxStatus, blockNumber uint64) error {
	prev := prevStates(next)
	if prev == nil {
		return fmt.Errorf("invalid target status %q", next)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE deposits SET
			status = $3,
			block_number = CASE WHEN $4 > 0 THEN $4 ELSE block_number END,
			updated_at = now()
		WHERE match_id = $1 AND player = $2 AND status = ANY($5)
	`, matchID, player, string(next), int64(blockNumber), prev)
	return err
}

const settlementColumns = `
	id, match_id, type, COALESCE(winner, ''), payout_wei::text,
	COALESCE(tx_hash, ''), status, COALESCE(block_number, 0), created_at, updated_at
`

func scanSettlement(row pgx.Row) (*model.Settlement, error) {
	var st model.Settlement
	var payoutStr string
	var blockNumber int64
	err := row.Scan(
		&st.ID, &st.MatchID, &st.Type, &st.Winner, &payoutStr,
		&st.TxHash, &st.Status, &blockNumber, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	st.BlockNumber = uint64(blockNumber)
	if st.PayoutWei, err = scanWei(payoutStr); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) CreateSettlement(ctx context.Context, st *model.Settlement) (*model.Settlement, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO settlements (id, match_id, type, winner, payout_wei, tx_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5::numeric, NULLIF($6, ''), $7, now(), now())
		ON CONFLICT (match_id) DO NOTHING
		RETURNING `+settlementColumns,
		st.ID, st.MatchID, string(st.Type), st.Winner, weiArg(st.PayoutWei), st.TxHash, string(st.Status),
	)
	inserted, err := scanSettlement(row)
	if err == nil {
		return inserted, true, nil
	}
	if err != model.ErrNotFound {
		return nil, false, err
	}
	existing, err := s.GetSettlementByMatch(ctx, st.MatchID)
	if err != nil {
		return nil, false, fmt.Errorf("fetch settlement after conflict: %w", err)
	}
	return existing, false, nil
}

func (s *Store) GetSettlementByMatch(ctx context.Context, matchID string) (*model.Settlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE match_id = $1`,
		matchID,
	)
	return scanSettlement(row)
}

func (s *Store) GetSettlementByTxHash(ctx context.Context, txHash string) (*model.Settlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE tx_hash = $1`,
		txHash,
	)
	return scanSettlement(row)
}

func (s *Store) ListSettlementsInStatus(ctx context.Context, status model.TxStatus) ([]*model.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE status = $1`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) AdvanceSettlementStatus(ctx context.Context, matchID string, next model.TxStatus, txHash string, blockNumber uint64) error {
	prev := prevStates(next)
	if prev == nil {
		return fmt.Errorf("invalid target status %q", next)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE settlements SET
			status = $2,
			tx_hash = COALESCE(NULLIF($3, ''), tx_hash),
			block_number = CASE WHEN $4 > 0 THEN $4 ELSE block_number END,
			updated_at = now()
		WHERE match_id = $1 AND status = ANY($5)
	`, matchID, string(next), txHash, int64(blockNumber), prev)
	return err
}
