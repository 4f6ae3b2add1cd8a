// Package settlement moves token amounts between wallets and the lending
// pool. It never calls back into the ledger.
package settlement

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/tx"
)

// Vault is an in-memory balance book: one balance per wallet plus the pool.
// Writes join the caller's unit of work through the rollback journal.
type Vault struct {
	mu       sync.Mutex
	balances map[id.WalletAddress]decimal.Decimal
	pool     decimal.Decimal
}

func NewVault(pool decimal.Decimal) *Vault {
	return &Vault{
		balances: make(map[id.WalletAddress]decimal.Decimal),
		pool:     pool,
	}
}

// Deposit credits a wallet outside any loan flow.
func (v *Vault) Deposit(ctx context.Context, wallet id.WalletAddress, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return dErrors.New(dErrors.CodeValidation, "deposit must not be negative")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(ctx, wallet, amount)
	return nil
}

func (v *Vault) Balance(_ context.Context, wallet id.WalletAddress) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[wallet], nil
}

func (v *Vault) Pool(_ context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pool, nil
}

// Collect moves amount from wallet into the pool.
func (v *Vault) Collect(ctx context.Context, from id.WalletAddress, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.balances[from].LessThan(amount) {
		return dErrors.New(dErrors.CodeInsufficientFunds, "wallet balance is below the required amount")
	}
	v.credit(ctx, from, amount.Neg())
	v.movePool(ctx, amount)
	return nil
}

// Pay moves amount from the pool to wallet.
func (v *Vault) Pay(ctx context.Context, to id.WalletAddress, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pool.LessThan(amount) {
		return dErrors.New(dErrors.CodeInsufficientFunds, "lending pool cannot cover the transfer")
	}
	v.movePool(ctx, amount.Neg())
	v.credit(ctx, to, amount)
	return nil
}

func (v *Vault) credit(ctx context.Context, wallet id.WalletAddress, delta decimal.Decimal) {
	prev := v.balances[wallet]
	v.balances[wallet] = prev.Add(delta)
	tx.OnRollback(ctx, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.balances[wallet] = v.balances[wallet].Sub(delta)
	})
}

func (v *Vault) movePool(ctx context.Context, delta decimal.Decimal) {
	v.pool = v.pool.Add(delta)
	tx.OnRollback(ctx, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.pool = v.pool.Sub(delta)
	})
}
