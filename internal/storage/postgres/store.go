// Package postgres is the production Store backed by pgx. Uniqueness
// constraints in the schema carry the idempotency guarantees; market writes
// serialize on a row lock taken in WithMarketTx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"kasracing/internal/model"
	"kasracing/internal/storage"
)

// Store provides Postgres persistence for the settlement core.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

// weiArg converts a big.Int to its NUMERIC text form; nil becomes "0".
func weiArg(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// scanWei parses a NUMERIC text value back into a big.Int.
func scanWei(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

// prevStates lists the statuses from which next is reachable. Used to make
// status advancement a single conditional UPDATE.
func prevStates(next model.TxStatus) []string {
	switch next {
	case model.TxSubmitted:
		return []string{string(model.TxPending)}
	case model.TxMined:
		return []string{string(model.TxSubmitted)}
	case model.TxConfirmed:
		return []string{string(model.TxMined)}
	case model.TxFailed:
		return []string{string(model.TxPending), string(model.TxSubmitted), string(model.TxMined)}
	}
	return nil
}
