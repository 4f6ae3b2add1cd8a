package memory

import (
	"context"
	"sync"

	audit "trustledger/pkg/platform/audit"
	"trustledger/pkg/platform/tx"
)

type entityKey struct {
	entityType audit.EntityType
	entityID   string
}

// InMemoryStore keeps events in append order, indexed by entity.
type InMemoryStore struct {
	mu       sync.RWMutex
	events   []audit.Event
	byEntity map[entityKey][]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byEntity: make(map[entityKey][]int)}
}

func (s *InMemoryStore) Append(ctx context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey{event.EntityType, event.EntityID}
	s.events = append(s.events, event)
	s.byEntity[key] = append(s.byEntity[key], len(s.events)-1)

	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = s.events[:len(s.events)-1]
		idx := s.byEntity[key]
		if len(idx) <= 1 {
			delete(s.byEntity, key)
			return
		}
		s.byEntity[key] = idx[:len(idx)-1]
	})
	return nil
}

func (s *InMemoryStore) ListByEntity(_ context.Context, entityType audit.EntityType, entityID string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.byEntity[entityKey{entityType, entityID}]
	out := make([]audit.Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.events[i])
	}
	return out, nil
}

// ListRecent returns the most recent N events, oldest first.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.events) - limit
	if start < 0 || limit <= 0 {
		start = 0
	}
	return append([]audit.Event{}, s.events[start:]...), nil
}
