package cache

import (
	"context"
	"sync"
	"time"

	"github.com/baymingyih/KR7/internal/oauth"
)

type memoryEntry struct {
	state   oauth.State
	expires time.Time
}

// MemoryStateStore is a process-local oauth.StateStore for development setups
// without Redis. Expired entries are dropped lazily on access.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ oauth.StateStore = (*MemoryStateStore)(nil)

// NewMemoryStateStore constructs an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// SaveState implements oauth.StateStore.
func (s *MemoryStateStore) SaveState(_ context.Context, key string, state oauth.State, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{state: state, expires: s.now().Add(ttl)}
	return nil
}

// ConsumeState implements oauth.StateStore.
func (s *MemoryStateStore) ConsumeState(_ context.Context, key string) (*oauth.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	delete(s.entries, key)
	if !s.now().Before(entry.expires) {
		return nil, nil
	}
	state := entry.state
	return &state, nil
}
