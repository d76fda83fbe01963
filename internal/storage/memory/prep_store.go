package memory

import (
	"context"
	"sort"
	"sync"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// PrepStore is an in-memory implementation of storage.PrepStore.
type PrepStore struct {
	mu   sync.RWMutex
	data map[int64]*domain.Prep // keyed by cycle_id
}

// NewPrepStore creates a new in-memory prep store.
func NewPrepStore() *PrepStore {
	return &PrepStore{
		data: make(map[int64]*domain.Prep),
	}
}

// Create inserts a running row. Returns ErrDuplicateKey if cycle_id exists.
func (s *PrepStore) Create(_ context.Context, p *domain.Prep) error {
	if p == nil || p.CycleID <= 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.CycleID]; exists {
		return storage.ErrDuplicateKey
	}

	prepCopy := *p
	s.data[p.CycleID] = &prepCopy
	return nil
}

// Get retrieves a prep by cycle ID. Returns ErrNotFound if not exists.
func (s *PrepStore) Get(_ context.Context, cycleID int64) (*domain.Prep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.data[cycleID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	prepCopy := *p
	return &prepCopy, nil
}

// Takeover moves a stale running lease to newOwner.
func (s *PrepStore) Takeover(_ context.Context, cycleID int64, prevOwner string, prevStartedAt int64, newOwner string, startedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[cycleID]
	if !exists {
		return storage.ErrNotFound
	}
	if p.Status != domain.PrepRunning || p.LeaseOwner != prevOwner || p.StartedAt != prevStartedAt {
		return storage.ErrConflict
	}

	p.LeaseOwner = newOwner
	p.StartedAt = startedAt
	return nil
}

// Finalize writes a terminal row while the caller still holds the lease.
func (s *PrepStore) Finalize(_ context.Context, p *domain.Prep) error {
	if p == nil || !p.Status.Terminal() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.data[p.CycleID]
	if !exists {
		return storage.ErrNotFound
	}
	if cur.Status != domain.PrepRunning || cur.LeaseOwner != p.LeaseOwner {
		return storage.ErrConflict
	}

	prepCopy := *p
	prepCopy.StartedAt = cur.StartedAt
	s.data[p.CycleID] = &prepCopy
	return nil
}

// ListRecent returns the newest preps, ordered by cycle_id DESC.
func (s *PrepStore) ListRecent(_ context.Context, limit int) ([]*domain.Prep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Prep, 0, len(s.data))
	for _, p := range s.data {
		prepCopy := *p
		result = append(result, &prepCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CycleID > result[j].CycleID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ storage.PrepStore = (*PrepStore)(nil)
