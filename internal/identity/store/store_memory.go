// Package store persists soulbound identity records.
package store

import (
	"context"
	"sync"

	"trustledger/internal/identity/models"
	id "trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
	"trustledger/pkg/platform/tx"
)

// InMemoryStore keeps the wallet binding and record ownership in memory.
// Record ids come from a counter that is never rolled back, so an id handed
// out to a failed unit is skipped rather than reused.
type InMemoryStore struct {
	mu       sync.RWMutex
	byWallet map[id.WalletAddress]*models.Identity
	owners   map[id.RecordID]id.WalletAddress
	lastID   uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byWallet: make(map[id.WalletAddress]*models.Identity),
		owners:   make(map[id.RecordID]id.WalletAddress),
	}
}

func (s *InMemoryStore) NextRecordID(_ context.Context) (id.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return id.RecordID(s.lastID), nil
}

// FindByWallet returns sentinel.ErrNotFound when the wallet has no record.
func (s *InMemoryStore) FindByWallet(_ context.Context, wallet id.WalletAddress) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.byWallet[wallet]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (s *InMemoryStore) FindByRecordID(_ context.Context, recordID id.RecordID) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[recordID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *s.byWallet[owner]
	return &cp, nil
}

// Create binds a new record. A wallet that already holds a record or a
// record id already in use yields sentinel.ErrConflict.
func (s *InMemoryStore) Create(ctx context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byWallet[identity.Owner]; ok {
		return sentinel.ErrConflict
	}
	if _, ok := s.owners[identity.RecordID]; ok {
		return sentinel.ErrConflict
	}
	cp := *identity
	s.byWallet[identity.Owner] = &cp
	s.owners[identity.RecordID] = identity.Owner

	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.byWallet, cp.Owner)
		delete(s.owners, cp.RecordID)
	})
	return nil
}

// Update overwrites score fields. Owner and RecordID are immutable; a
// mismatch yields sentinel.ErrInvalidState.
func (s *InMemoryStore) Update(ctx context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byWallet[identity.Owner]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.RecordID != identity.RecordID {
		return sentinel.ErrInvalidState
	}
	prev := *current
	current.Score = identity.Score
	current.RiskClass = identity.RiskClass
	current.LastUpdated = identity.LastUpdated

	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		*s.byWallet[prev.Owner] = prev
	})
	return nil
}

// Remove clears the wallet binding and returns the removed record.
func (s *InMemoryStore) Remove(ctx context.Context, wallet id.WalletAddress) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byWallet[wallet]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	delete(s.byWallet, wallet)
	delete(s.owners, current.RecordID)

	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.byWallet[current.Owner] = current
		s.owners[current.RecordID] = current.Owner
	})
	cp := *current
	return &cp, nil
}
