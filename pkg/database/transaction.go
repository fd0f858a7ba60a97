package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type txKey struct{}

// Tx is a transaction that can be carried on a context
type Tx interface {
	Querier
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transaction wraps sqlx.Tx and remembers whether it has finished
type Transaction struct {
	*sqlx.Tx
	logger ectologger.Logger
	closed bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) *Transaction {
	return &Transaction{Tx: tx, logger: logger}
}

// joinedTx is handed to callers that join a transaction they did not begin.
// Commit and rollback stay with the owner.
type joinedTx struct {
	*Transaction
}

func (joinedTx) Commit(context.Context) error   { return nil }
func (joinedTx) Rollback(context.Context) error { return nil }

// GetTx joins the open transaction carried by ctx or begins a new one and
// returns a context carrying it
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if tx, ok := ctx.Value(txKey{}).(*Transaction); ok && tx.IsOpen() {
		return ctx, joinedTx{tx}, nil
	}

	sqlTx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("Failed to begin transaction")
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}

	tx := NewTx(sqlTx, logger)
	return context.WithValue(ctx, txKey{}, tx), tx, nil
}

func (t *Transaction) IsOpen() bool {
	return !t.closed
}

// Rollback is a no-op once the transaction has finished
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true

	if err := t.Tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.logger.WithContext(ctx).WithError(err).Error("Failed to roll back transaction")
		return fmt.Errorf("roll back transaction: %w", err)
	}
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true

	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Error("Failed to commit transaction")
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// TxFromContext returns the open transaction carried by ctx, if any
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Transaction)
	if !ok || !tx.IsOpen() {
		return nil, false
	}
	return tx, true
}

// QuerierFromContext returns the transaction carried by ctx, falling back to db
func QuerierFromContext(ctx context.Context, db DB) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db
}

// WithinTx runs fn in a transaction. When ctx already carries an open
// transaction fn joins it and the outer caller owns commit and rollback.
func WithinTx(ctx context.Context, db DB, fn func(ctx context.Context) error) error {
	ctxTx, tx, err := db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctxTx) }()

	if err := fn(ctxTx); err != nil {
		return err
	}
	return tx.Commit(ctxTx)
}
