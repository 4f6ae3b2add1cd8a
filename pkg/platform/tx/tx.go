// Package tx provides the unit-of-work boundary for ledger mutations.
//
// Every state-mutating entry point runs inside Runner.RunInTx. A unit either
// commits every effect or none: SQL participants roll back with the sql.Tx,
// and non-SQL participants (in-memory stores, Redis) register undo closures
// with OnRollback which run in reverse order when the unit fails.
package tx

import (
	"context"
	"database/sql"
)

type ctxKey struct{}

var txKey = ctxKey{}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// Runner executes fn as a single serial unit of work. Read runs fn against
// committed state only; it never observes a unit that is still open.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	Read(ctx context.Context, fn func(ctx context.Context) error) error
}
