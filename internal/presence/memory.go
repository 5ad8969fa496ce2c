package presence

import (
	"context"
	"sync"
)

// MemoryStore is the single-instance fallback when no Redis is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

func NewMemory() *MemoryStore {
	return &MemoryStore{online: make(map[string]struct{})}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SetOnline(ctx context.Context, userID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online {
		s.online[userID] = struct{}{}
	} else {
		delete(s.online, userID)
	}
	return nil
}

func (s *MemoryStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[userID]
	return ok, nil
}
