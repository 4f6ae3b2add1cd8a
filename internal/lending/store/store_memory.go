// Package store persists loans and consumed offer nonces.
package store

import (
	"context"
	"slices"
	"sync"

	"trustledger/internal/lending/models"
	id "trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
	"trustledger/pkg/platform/tx"
)

type nonceKey struct {
	borrower id.WalletAddress
	nonce    uint64
}

// InMemoryStore keeps loans and nonces in memory. Loan ids come from a
// counter that is never rolled back.
type InMemoryStore struct {
	mu     sync.RWMutex
	loans  map[id.LoanID]*models.Loan
	nonces map[nonceKey]struct{}
	lastID uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		loans:  make(map[id.LoanID]*models.Loan),
		nonces: make(map[nonceKey]struct{}),
	}
}

func (s *InMemoryStore) NonceUsed(_ context.Context, borrower id.WalletAddress, nonce uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nonces[nonceKey{borrower, nonce}]
	return ok, nil
}

// UseNonce returns sentinel.ErrAlreadyUsed for a consumed pair.
func (s *InMemoryStore) UseNonce(ctx context.Context, borrower id.WalletAddress, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := nonceKey{borrower, nonce}
	if _, ok := s.nonces[k]; ok {
		return sentinel.ErrAlreadyUsed
	}
	s.nonces[k] = struct{}{}
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.nonces, k)
	})
	return nil
}

func (s *InMemoryStore) NextLoanID(_ context.Context) (id.LoanID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return id.LoanID(s.lastID), nil
}

func (s *InMemoryStore) Create(ctx context.Context, loan *models.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loans[loan.ID]; ok {
		return sentinel.ErrConflict
	}
	cp := *loan
	s.loans[loan.ID] = &cp
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.loans, cp.ID)
	})
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, loanID id.LoanID) (*models.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loan, ok := s.loans[loanID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *loan
	return &cp, nil
}

// MarkRepaid flips Repaid. A terminal loan yields sentinel.ErrInvalidState.
func (s *InMemoryStore) MarkRepaid(ctx context.Context, loanID id.LoanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[loanID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if loan.IsTerminal() {
		return sentinel.ErrInvalidState
	}
	loan.Repaid = true
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		loan.Repaid = false
	})
	return nil
}

// OpenByBorrower returns non-terminal loan ids for borrower, ascending.
func (s *InMemoryStore) OpenByBorrower(_ context.Context, borrower id.WalletAddress) ([]id.LoanID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []id.LoanID
	for loanID, loan := range s.loans {
		if loan.Borrower == borrower && !loan.IsTerminal() {
			ids = append(ids, loanID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
