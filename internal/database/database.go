// Package database provides the shared transactional boundary used by
// all stores.
//
// Status transitions must update the external transaction record and
// apply the resulting ledger/escrow mutations atomically. InTx runs a
// function inside one transaction and threads it through the context;
// store methods pick the transaction up via Q, so every store touched
// inside the closure joins the same atomic unit. Nested InTx calls
// join the enclosing transaction.
package database

import (
	"context"
	"database/sql"
	"fmt"
)

// DB is the transactional boundary shared by services.
type DB interface {
	// InTx runs fn inside a transaction. Any error from fn rolls the
	// whole transaction back and is returned unchanged.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Querier is the subset of *sql.DB and *sql.Tx used by Postgres stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKeyType struct{}

var txKey txKeyType

// Postgres implements DB over a *sql.DB with Serializable transactions.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// InTx begins a Serializable transaction, stores it in the context and
// runs fn. If a transaction is already in flight on the context, fn
// joins it instead of opening a nested one.
func (p *Postgres) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(txKey).(*sql.Tx); ok && tx != nil {
		return fn(ctx)
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// Q returns the in-flight transaction from the context if present, or
// the plain database handle otherwise. Postgres stores route every
// query through this so they transparently join InTx boundaries.
func Q(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := ctx.Value(txKey).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return db
}
