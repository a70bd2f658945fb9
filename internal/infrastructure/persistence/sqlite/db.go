// Package sqlite scopes repository calls to a single SQLite transaction.
// Repositories call ExecutorFrom with the context they were given, so a
// report row and its attachment rows are written or discarded together.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/expense-reports/internal/application/port"
)

type txKey struct{}

// Executor is the query surface shared by *sql.DB and *sql.Tx
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ExecutorFrom returns the transaction opened by TxManager for ctx, or db
// outside of one.
func ExecutorFrom(ctx context.Context, db *sql.DB) Executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// TxManager opens expense report transactions on a SQLite handle.
type TxManager struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ port.TransactionManager = (*TxManager)(nil)

// NewTxManager returns a TxManager for db
func NewTxManager(db *sql.DB, logger *zap.Logger) *TxManager {
	return &TxManager{db: db, logger: logger}
}

// WithTransaction calls fn with a context bound to a new transaction, then
// commits if fn returned nil and rolls back otherwise. When ctx is already
// bound, fn joins that transaction and the outermost call decides.
func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		m.logger.Error("Could not open expense report transaction", zap.Error(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	done := false
	defer func() {
		if done {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Error("Rollback failed", zap.Error(rbErr))
		}
		if p := recover(); p != nil {
			m.logger.Error("Rolled back after panic", zap.Any("panic", p))
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	done = true
	if err := tx.Commit(); err != nil {
		m.logger.Error("Commit failed", zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
