package memory

import (
	"context"
	"sort"
	"sync"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// ClaimStore is an in-memory implementation of storage.ClaimStore.
type ClaimStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ClaimRecord // keyed by signature
}

// NewClaimStore creates a new in-memory claim store.
func NewClaimStore() *ClaimStore {
	return &ClaimStore{
		data: make(map[string]*domain.ClaimRecord),
	}
}

// Insert adds a claim record. Returns ErrDuplicateKey if signature exists.
func (s *ClaimStore) Insert(_ context.Context, r *domain.ClaimRecord) error {
	if r == nil || r.Signature == "" || r.Wallet == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.Signature]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[r.Signature] = copyClaim(r)
	return nil
}

// Get retrieves a record by signature. Returns ErrNotFound if not exists.
func (s *ClaimStore) Get(_ context.Context, signature string) (*domain.ClaimRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[signature]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyClaim(r), nil
}

// ListRecent returns the newest records, ordered by timestamp DESC.
func (s *ClaimStore) ListRecent(_ context.Context, limit int) ([]*domain.ClaimRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ClaimRecord, 0, len(s.data))
	for _, r := range s.data {
		result = append(result, copyClaim(r))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp > result[j].Timestamp
		}
		return result[i].Signature < result[j].Signature
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyClaim(r *domain.ClaimRecord) *domain.ClaimRecord {
	claimCopy := *r
	claimCopy.SnapshotIDs = append([]int64(nil), r.SnapshotIDs...)
	return &claimCopy
}

var _ storage.ClaimStore = (*ClaimStore)(nil)
