package config

import (
	"context"
	"sync"

	"trustledger/internal/ratelimit/models"
	"trustledger/pkg/platform/sentinel"
	"trustledger/pkg/platform/tx"
)

// InMemoryStore holds circuit breaker configs in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	configs map[models.Surface]models.Config
}

// NewInMemoryStore seeds the store with defaults.
func NewInMemoryStore(defaults map[models.Surface]*models.Config) *InMemoryStore {
	s := &InMemoryStore{configs: make(map[models.Surface]models.Config, len(defaults))}
	for surface, cfg := range defaults {
		if cfg != nil {
			s.configs[surface] = *cfg
		}
	}
	return s
}

func (s *InMemoryStore) Get(_ context.Context, surface models.Surface) (*models.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[surface]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &cfg, nil
}

func (s *InMemoryStore) Put(ctx context.Context, surface models.Surface, cfg *models.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.configs[surface]
	s.configs[surface] = *cfg

	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existed {
			s.configs[surface] = prev
			return
		}
		delete(s.configs, surface)
	})
	return nil
}
