package postgres

import (
	"context"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"kasracing/internal/model"
	"kasracing/internal/storage"
)

const marketColumns = `
	id, match_id, state, side_a, side_b, total_pool_wei::text,
	lock_before_end_ms, created_at, updated_at
`

func scanMarket(row pgx.Row) (*model.RaceMarket, error) {
	var m model.RaceMarket
	var poolStr string
	var lockMs int64
	err := row.Scan(
		&m.ID, &m.MatchID, &m.State, &m.SideAAddr, &m.SideBAddr, &poolStr,
		&lockMs, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	m.LockBeforeEnd = time.Duration(lockMs) * time.Millisecond
	if m.TotalPoolWei, err = scanWei(poolStr); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) CreateMarket(ctx context.Context, m *model.RaceMarket) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO race_markets (id, match_id, state, side_a, side_b, total_pool_wei, lock_before_end_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, now(), now())
	`,
		m.ID, m.MatchID, string(m.State), m.SideAAddr, m.SideBAddr,
		weiArg(m.TotalPoolWei), m.LockBeforeEnd.Milliseconds(),
	)
	return err
}

func (s *Store) GetMarket(ctx context.Context, id string) (*model.RaceMarket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM race_markets WHERE id = $1`, id)
	return scanMarket(row)
}

func (s *Store) GetMarketByMatch(ctx context.Context, matchID string) (*model.RaceMarket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM race_markets WHERE match_id = $1`, matchID)
	return scanMarket(row)
}

const orderColumns = `
	id, market_id, user_id, side, stake_wei::text, odds_bps, status,
	payout_wei::text, idempotency_key, created_at, updated_at
`

func scanOrder(row pgx.Row) (*model.BetOrder, error) {
	var o model.BetOrder
	var stakeStr, payoutStr string
	err := row.Scan(
		&o.ID, &o.MarketID, &o.UserID, &o.Side, &stakeStr, &o.OddsBps, &o.Status,
		&payoutStr, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if o.StakeWei, err = scanWei(stakeStr); err != nil {
		return nil, err
	}
	if o.PayoutWei, err = scanWei(payoutStr); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.BetOrder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM bet_orders WHERE id = $1`, orderID)
	return scanOrder(row)
}

func (s *Store) GetMarketSettlement(ctx context.Context, marketID string) (*model.MarketSettlement, error) {
	var st model.MarketSettlement
	var poolStr, payoutStr, feeStr string
	err := s.pool.QueryRow(ctx, `
		SELECT market_id, winner_side, total_pool_wei::text, total_payout_wei::text,
		       platform_fee_wei::text, COALESCE(tx_ref, ''), created_at
		FROM market_settlements WHERE market_id = $1
	`, marketID).Scan(&st.MarketID, &st.WinnerSide, &poolStr, &payoutStr, &feeStr, &st.TxRef, &st.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if st.TotalPoolWei, err = scanWei(poolStr); err != nil {
		return nil, err
	}
	if st.TotalPayoutWei, err = scanWei(payoutStr); err != nil {
		return nil, err
	}
	if st.PlatformFeeWei, err = scanWei(feeStr); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) ListTicks(ctx context.Context, marketID string, fromSeq uint64) ([]model.OddsTick, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT market_id, seq, odds_a_bps, odds_b_bps, created_at
		FROM odds_ticks WHERE market_id = $1 AND seq >= $2 ORDER BY seq
	`, marketID, int64(fromSeq))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OddsTick
	for rows.Next() {
		var t model.OddsTick
		var seq int64
		if err := rows.Scan(&t.MarketID, &seq, &t.OddsABps, &t.OddsBBps, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Seq = uint64(seq)
		out = append(out, t)
	}
	return out, rows.Err()
}

// WithMarketTx opens a transaction and locks the market row with
// SELECT ... FOR UPDATE before running fn. Concurrent placements,
// cancellations, and settlement of the same market serialize on this lock,
// closing the window between the cap checks and the pool update.
func (s *Store) WithMarketTx(ctx context.Context, marketID string, fn func(tx storage.MarketTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+marketColumns+` FROM race_markets WHERE id = $1 FOR UPDATE`, marketID)
	market, err := scanMarket(row)
	if err != nil {
		return err
	}

	if err := fn(&marketTx{ctx: ctx, tx: tx, market: market}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type marketTx struct {
	ctx    context.Context
	tx     pgx.Tx
	market *model.RaceMarket
}

func (m *marketTx) Market() *model.RaceMarket { return m.market }

func (m *marketTx) UpdateMarket(mk *model.RaceMarket) error {
	tag, err := m.tx.Exec(m.ctx, `
		UPDATE race_markets SET state = $2, total_pool_wei = $3::numeric, updated_at = now()
		WHERE id = $1
	`, mk.ID, string(mk.State), weiArg(mk.TotalPoolWei))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	m.market = mk
	return nil
}

func (m *marketTx) OrderByIdemKey(key string) (*model.BetOrder, error) {
	row := m.tx.QueryRow(m.ctx, `SELECT `+orderColumns+` FROM bet_orders WHERE idempotency_key = $1`, key)
	return scanOrder(row)
}

func (m *marketTx) Order(orderID string) (*model.BetOrder, error) {
	row := m.tx.QueryRow(m.ctx,
		`SELECT `+orderColumns+` FROM bet_orders WHERE id = $1 AND market_id = $2`,
		orderID, m.market.ID,
	)
	return scanOrder(row)
}

func (m *marketTx) InsertOrder(o *model.BetOrder) error {
	_, err := m.tx.Exec(m.ctx, `
		INSERT INTO bet_orders (id, market_id, user_id, side, stake_wei, odds_bps, status, payout_wei, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, 0, $8, now(), now())
	`,
		o.ID, o.MarketID, o.UserID, string(o.Side), weiArg(o.StakeWei),
		o.OddsBps, string(o.Status), o.IdempotencyKey,
	)
	if isUniqueViolation(err) {
		return model.ErrIdempotencyConflict
	}
	return err
}

func (m *marketTx) SetOrderOutcome(orderID string, status model.OrderStatus, payout *big.Int) error {
	tag, err := m.tx.Exec(m.ctx, `
		UPDATE bet_orders SET status = $2, payout_wei = $3::numeric, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, orderID, string(status), weiArg(payout))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.Reject(model.ReasonOrderNotPending, orderID)
	}
	return nil
}

func (m *marketTx) ListPendingOrders() ([]*model.BetOrder, error) {
	rows, err := m.tx.Query(m.ctx, `
		SELECT `+orderColumns+` FROM bet_orders
		WHERE market_id = $1 AND status = 'pending' ORDER BY created_at
	`, m.market.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.BetOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (m *marketTx) UserPendingExposure(userID string) (*big.Int, error) {
	var sumStr string
	err := m.tx.QueryRow(m.ctx, `
		SELECT COALESCE(SUM(stake_wei), 0)::text FROM bet_orders
		WHERE market_id = $1 AND user_id = $2 AND status = 'pending'
	`, m.market.ID, userID).Scan(&sumStr)
	if err != nil {
		return nil, err
	}
	return scanWei(sumStr)
}

func (m *marketTx) InsertCancellation(c *model.BetCancellation) error {
	_, err := m.tx.Exec(m.ctx, `
		INSERT INTO bet_cancellations (order_id, market_id, user_id, refunded_wei, reason, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, now())
	`, c.OrderID, c.MarketID, c.UserID, weiArg(c.RefundedWei), c.Reason)
	return err
}

func (m *marketTx) NextTickSeq() (uint64, error) {
	var seq int64
	err := m.tx.QueryRow(m.ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM odds_ticks WHERE market_id = $1`,
		m.market.ID,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (m *marketTx) InsertTick(t *model.OddsTick) error {
	_, err := m.tx.Exec(m.ctx, `
		INSERT INTO odds_ticks (market_id, seq, odds_a_bps, odds_b_bps, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, t.MarketID, int64(t.Seq), t.OddsABps, t.OddsBBps)
	return err
}

func (m *marketTx) InsertMarketSettlement(st *model.MarketSettlement) error {
	_, err := m.tx.Exec(m.ctx, `
		INSERT INTO market_settlements (market_id, winner_side, total_pool_wei, total_payout_wei, platform_fee_wei, tx_ref, created_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, NULLIF($6, ''), now())
	`,
		st.MarketID, string(st.WinnerSide), weiArg(st.TotalPoolWei),
		weiArg(st.TotalPayoutWei), weiArg(st.PlatformFeeWei), st.TxRef,
	)
	if isUniqueViolation(err) {
		return model.ErrIdempotencyConflict
	}
	return err
}
