package tx

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dErrors "trustledger/pkg/domain-errors"
)

// LedgerLockKey is the advisory lock id that serialises ledger writers across processes.
const LedgerLockKey int64 = 0x74727573746c6564

// Postgres is the SQL Runner. Each unit is one sql.Tx holding a transaction-scoped
// advisory lock, so writers from every process are totally ordered.
type Postgres struct {
	db      *sql.DB
	lockKey int64
	timeout time.Duration
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, lockKey: LedgerLockKey, timeout: defaultUnitTimeout}
}

func (p *Postgres) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InUnit(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	ctx, j := withJournal(WithTx(ctx, sqlTx))
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
			j.rollback()
		}
	}()

	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, p.lockKey); err != nil {
		return fmt.Errorf("acquire ledger lock: %w", err)
	}

	if err := fn(ctx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Read runs fn outside any transaction. Each statement sees the last
// committed snapshot, so an open unit is never visible. Inside a unit fn
// reads through the unit's sql.Tx.
func (p *Postgres) Read(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
