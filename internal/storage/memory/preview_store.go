package memory

import (
	"context"
	"sync"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// PreviewStore is an in-memory implementation of storage.PreviewStore.
type PreviewStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Preview // keyed by preview_id
}

// NewPreviewStore creates a new in-memory preview store.
func NewPreviewStore() *PreviewStore {
	return &PreviewStore{
		data: make(map[string]*domain.Preview),
	}
}

// Insert adds a preview. Returns ErrDuplicateKey if preview_id exists.
func (s *PreviewStore) Insert(_ context.Context, p *domain.Preview) error {
	if p == nil || p.PreviewID == "" || p.Wallet == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.PreviewID]; exists {
		return storage.ErrDuplicateKey
	}

	previewCopy := *p
	previewCopy.SnapshotIDs = append([]int64(nil), p.SnapshotIDs...)
	s.data[p.PreviewID] = &previewCopy
	return nil
}

// Get retrieves a preview by ID. Returns ErrNotFound if not exists.
func (s *PreviewStore) Get(_ context.Context, previewID string) (*domain.Preview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.data[previewID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	previewCopy := *p
	previewCopy.SnapshotIDs = append([]int64(nil), p.SnapshotIDs...)
	return &previewCopy, nil
}

// Consume flips consumed=true once.
func (s *PreviewStore) Consume(_ context.Context, previewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[previewID]
	if !exists {
		return storage.ErrNotFound
	}
	if p.Consumed {
		return storage.ErrAlreadyConsumed
	}
	p.Consumed = true
	return nil
}

// DeleteCreatedBefore removes previews created before cutoff.
func (s *PreviewStore) DeleteCreatedBefore(_ context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.data {
		if p.CreatedAt < cutoff {
			delete(s.data, id)
			removed++
		}
	}
	return removed, nil
}

var _ storage.PreviewStore = (*PreviewStore)(nil)
