package postgres

import (
	"context"
	"fmt"

	"reward-distributor/internal/storage"
)

// CounterStore implements storage.CounterStore using PostgreSQL.
type CounterStore struct {
	pool *Pool
}

// NewCounterStore creates a new CounterStore.
func NewCounterStore(pool *Pool) *CounterStore {
	return &CounterStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CounterStore = (*CounterStore)(nil)

// Add increments the counter atomically and returns the new value.
func (s *CounterStore) Add(ctx context.Context, name string, delta uint64) (uint64, error) {
	if name == "" {
		return 0, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO counters (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = counters.value + EXCLUDED.value
		RETURNING value
	`

	var value int64
	if err := s.pool.QueryRow(ctx, query, name, delta).Scan(&value); err != nil {
		return 0, fmt.Errorf("add counter %s: %w", name, err)
	}
	return uint64(value), nil
}

// Get returns the current value, or 0 if the counter was never written.
func (s *CounterStore) Get(ctx context.Context, name string) (uint64, error) {
	var value int64
	err := s.pool.QueryRow(ctx, `SELECT value FROM counters WHERE name = $1`, name).Scan(&value)
	if err != nil {
		if isNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get counter %s: %w", name, err)
	}
	return uint64(value), nil
}
