package memory

import (
	"context"
	"sync"

	"reward-distributor/internal/storage"
)

// CounterStore is an in-memory implementation of storage.CounterStore.
type CounterStore struct {
	mu   sync.Mutex
	data map[string]uint64
}

// NewCounterStore creates a new in-memory counter store.
func NewCounterStore() *CounterStore {
	return &CounterStore{
		data: make(map[string]uint64),
	}
}

// Add increments the counter and returns the new value.
func (s *CounterStore) Add(_ context.Context, name string, delta uint64) (uint64, error) {
	if name == "" {
		return 0, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[name] += delta
	return s.data[name], nil
}

// Get returns the current value, or 0 if never written.
func (s *CounterStore) Get(_ context.Context, name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.data[name], nil
}

var _ storage.CounterStore = (*CounterStore)(nil)
