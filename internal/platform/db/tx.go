package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTxKey holds the ambient transaction for repositories running inside RunInTx.
const DBTxKey contextKey = "db_tx"

// Querier is the statement surface shared by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxFromContext retrieves the ambient transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant connection stored in ctx and
// returns a context carrying it.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// Conn picks the most specific handle for ctx: the ambient transaction, then
// the tenant connection, then the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// RunInTx executes fn inside a single transaction. Calls nested inside an
// existing transaction join it instead of opening a new one.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var (
		tx  pgx.Tx
		err error
	)
	if ConnFromContext(ctx) != nil {
		ctx, tx, err = WithTx(ctx)
	} else {
		if pool == nil {
			return errors.New("no database connection in context")
		}
		tx, err = pool.Begin(ctx)
		if err == nil {
			ctx = context.WithValue(ctx, DBTxKey, tx)
		}
	}
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Isolate runs fn on its own tenant connection, outside any connection or
// transaction pinned on ctx. A pgx connection serves one statement at a
// time, so concurrent workers each need their own.
func Isolate(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	ctx = context.WithValue(ctx, DBTxKey, nil)
	tenant := TenantFromContext(ctx)
	if tenant == "" {
		return fn(context.WithValue(ctx, DBConnKey, nil))
	}
	return WithTenant(ctx, pool, tenant, fn)
}
