package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TxBeginner is satisfied by *pgxpool.Pool and by pgxmock pools.
type TxBeginner interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type txKey struct{}

// TxManager runs units of work inside a single database transaction. The
// open transaction travels in the context so repositories pick it up via
// Conn without being passed a handle explicitly.
type TxManager struct {
	db TxBeginner
}

func NewTxManager(db TxBeginner) *TxManager {
	return &TxManager{db: db}
}

// WithinTx commits when fn returns nil and rolls back otherwise. A call made
// while a transaction is already in the context joins it instead of nesting.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// TxFromContext returns the transaction opened by WithinTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// Conn returns the context transaction when present, otherwise fallback.
func Conn(ctx context.Context, fallback Querier) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return fallback
}
