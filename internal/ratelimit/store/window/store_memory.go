package window

import (
	"context"
	"sync"

	"trustledger/internal/ratelimit/models"
	"trustledger/pkg/platform/tx"
)

// InMemoryStore keeps window counters in process memory.
type InMemoryStore struct {
	mu      sync.Mutex
	windows map[string]models.WindowState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		windows: make(map[string]models.WindowState),
	}
}

func (s *InMemoryStore) Execute(ctx context.Context, surface models.Surface, key string, fn func(state *models.WindowState) error) error {
	k := models.WindowKey(surface, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.windows[k]
	state := prev
	if err := fn(&state); err != nil {
		return err
	}
	s.windows[k] = state

	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existed {
			s.windows[k] = prev
			return
		}
		delete(s.windows, k)
	})
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, surface models.Surface, key string) (*models.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.windows[models.WindowKey(surface, key)]
	return &state, nil
}

func (s *InMemoryStore) Reset(_ context.Context, surface models.Surface, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.windows, models.WindowKey(surface, key))
	return nil
}
