package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	txcontext "trustledger/pkg/platform/tx"
)

// poolAccount is the balances row that holds the lending pool.
const poolAccount = "pool"

// PostgresVault keeps balances in the balances table. The pool is the row
// keyed poolAccount. Transfers must run inside a unit of work.
type PostgresVault struct {
	db *sql.DB
}

func NewPostgresVault(db *sql.DB) *PostgresVault {
	return &PostgresVault{db: db}
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (v *PostgresVault) q(ctx context.Context) dbtx {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return v.db
}

func (v *PostgresVault) Deposit(ctx context.Context, wallet id.WalletAddress, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return dErrors.New(dErrors.CodeValidation, "deposit must not be negative")
	}
	return v.add(ctx, wallet.Key(), amount)
}

// SeedPool sets the pool balance if it has never been set.
func (v *PostgresVault) SeedPool(ctx context.Context, amount decimal.Decimal) error {
	_, err := v.q(ctx).ExecContext(ctx, `
		INSERT INTO balances (account, amount) VALUES ($1, $2)
		ON CONFLICT (account) DO NOTHING
	`, poolAccount, amount)
	if err != nil {
		return fmt.Errorf("seed pool: %w", err)
	}
	return nil
}

func (v *PostgresVault) Balance(ctx context.Context, wallet id.WalletAddress) (decimal.Decimal, error) {
	return v.balance(ctx, wallet.Key())
}

func (v *PostgresVault) Collect(ctx context.Context, from id.WalletAddress, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := v.sub(ctx, from.Key(), amount, "wallet balance is below the required amount"); err != nil {
		return err
	}
	return v.add(ctx, poolAccount, amount)
}

func (v *PostgresVault) Pay(ctx context.Context, to id.WalletAddress, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := v.sub(ctx, poolAccount, amount, "lending pool cannot cover the transfer"); err != nil {
		return err
	}
	return v.add(ctx, to.Key(), amount)
}

func (v *PostgresVault) balance(ctx context.Context, account string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := v.q(ctx).QueryRowContext(ctx, `SELECT amount FROM balances WHERE account = $1`, account).Scan(&amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return amount, nil
}

func (v *PostgresVault) add(ctx context.Context, account string, amount decimal.Decimal) error {
	_, err := v.q(ctx).ExecContext(ctx, `
		INSERT INTO balances (account, amount) VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
	`, account, amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func (v *PostgresVault) sub(ctx context.Context, account string, amount decimal.Decimal, insufficient string) error {
	res, err := v.q(ctx).ExecContext(ctx, `
		UPDATE balances SET amount = amount - $2
		WHERE account = $1 AND amount >= $2
	`, account, amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if n == 0 {
		return dErrors.New(dErrors.CodeInsufficientFunds, insufficient)
	}
	return nil
}
