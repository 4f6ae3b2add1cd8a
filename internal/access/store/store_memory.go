// Package store persists capability grants and the global pause switch.
package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"trustledger/internal/access/models"
	id "trustledger/pkg/domain"
	"trustledger/pkg/platform/tx"
)

type grantKey struct {
	capability models.Capability
	holder     id.WalletAddress
}

// InMemoryStore keeps grants in process memory.
type InMemoryStore struct {
	mu     sync.RWMutex
	grants map[grantKey]struct{}
	paused bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{grants: make(map[grantKey]struct{})}
}

func (s *InMemoryStore) Has(_ context.Context, capability models.Capability, holder id.WalletAddress) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[grantKey{capability, holder}]
	return ok, nil
}

func (s *InMemoryStore) Add(ctx context.Context, capability models.Capability, holder id.WalletAddress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := grantKey{capability, holder}
	if _, ok := s.grants[k]; ok {
		return false, nil
	}
	s.grants[k] = struct{}{}
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.grants, k)
	})
	return true, nil
}

func (s *InMemoryStore) Remove(ctx context.Context, capability models.Capability, holder id.WalletAddress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := grantKey{capability, holder}
	if _, ok := s.grants[k]; !ok {
		return false, nil
	}
	delete(s.grants, k)
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.grants[k] = struct{}{}
	})
	return true, nil
}

// Holders returns holders of capability sorted by address.
func (s *InMemoryStore) Holders(_ context.Context, capability models.Capability) ([]id.WalletAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var holders []id.WalletAddress
	for k := range s.grants {
		if k.capability == capability {
			holders = append(holders, k.holder)
		}
	}
	slices.SortFunc(holders, func(a, b id.WalletAddress) int {
		return cmp.Compare(a.Key(), b.Key())
	})
	return holders, nil
}

// CapabilitiesOf returns the capabilities held by holder, sorted by name.
func (s *InMemoryStore) CapabilitiesOf(_ context.Context, holder id.WalletAddress) ([]models.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var caps []models.Capability
	for k := range s.grants {
		if k.holder == holder {
			caps = append(caps, k.capability)
		}
	}
	slices.Sort(caps)
	return caps, nil
}

func (s *InMemoryStore) Paused(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused, nil
}

func (s *InMemoryStore) SetPaused(ctx context.Context, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.paused
	s.paused = paused
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.paused = prev
	})
	return nil
}
