package stores

import (
	"context"
	"sync"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// MemoryStore keeps ledgers in process memory. Ledgers are copied on the
// way in and out so callers never share maps with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]engine.Ledger
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[string]engine.Ledger)}
}

// Load returns a copy of the ledger of envID. A missing environment yields an
// empty ledger.
func (s *MemoryStore) Load(_ context.Context, envID string) (engine.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.ledgers[envID]
	if !ok {
		return make(engine.Ledger), nil
	}
	return l.Clone(), nil
}

// Save replaces the ledger of envID with a copy of ledger.
func (s *MemoryStore) Save(_ context.Context, envID string, ledger engine.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[envID] = ledger.Clone()
	return nil
}

// Close is a no-op; the ledgers stay readable.
func (s *MemoryStore) Close() error {
	return nil
}
