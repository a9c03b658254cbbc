package store

import (
	"context"
	"sync"

	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
)

// MemoryStore keeps logs in process. Nothing survives a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]contextlog.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]contextlog.Message)}
}

func (s *MemoryStore) AppendMessages(_ context.Context, avatarID string, msgs []contextlog.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[avatarID] = append(s.logs[avatarID], msgs...)
	return nil
}

func (s *MemoryStore) LoadMessages(_ context.Context, avatarID string, limit int) ([]contextlog.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.logs[avatarID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]contextlog.Message, len(all))
	copy(out, all)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
