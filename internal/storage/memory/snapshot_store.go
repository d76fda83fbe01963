package memory

import (
	"context"
	"sort"
	"sync"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// SnapshotStore is an in-memory implementation of storage.SnapshotStore.
type SnapshotStore struct {
	mu   sync.RWMutex
	data map[int64]*domain.Snapshot // keyed by cycle_id
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		data: make(map[int64]*domain.Snapshot),
	}
}

// Create inserts a snapshot. Returns ErrDuplicateKey if cycle_id exists.
func (s *SnapshotStore) Create(_ context.Context, snap *domain.Snapshot) error {
	if snap == nil || snap.CycleID <= 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[snap.CycleID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[snap.CycleID] = copySnapshot(snap, true)
	return nil
}

// Get retrieves a snapshot by cycle ID. Returns ErrNotFound if not exists.
func (s *SnapshotStore) Get(_ context.Context, cycleID int64) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, exists := s.data[cycleID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copySnapshot(snap, true), nil
}

// MarkEntitlementsWritten records that all entitlement rows are durable.
func (s *SnapshotStore) MarkEntitlementsWritten(_ context.Context, cycleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, exists := s.data[cycleID]
	if !exists {
		return storage.ErrNotFound
	}
	snap.EntitlementsWritten = true
	return nil
}

// ListRecent returns the newest snapshots without holder lists.
func (s *SnapshotStore) ListRecent(_ context.Context, limit int) ([]*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Snapshot, 0, len(s.data))
	for _, snap := range s.data {
		result = append(result, copySnapshot(snap, false))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CycleID > result[j].CycleID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copySnapshot(snap *domain.Snapshot, withHolders bool) *domain.Snapshot {
	snapCopy := *snap
	snapCopy.Holders = nil
	if withHolders && snap.Holders != nil {
		snapCopy.Holders = append([]domain.Holder(nil), snap.Holders...)
	}
	return &snapCopy
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)
