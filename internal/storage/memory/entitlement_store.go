package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// EntitlementStore is an in-memory implementation of storage.EntitlementStore.
type EntitlementStore struct {
	mu       sync.RWMutex
	data     map[string]*domain.Entitlement // keyed by snapshot_id|wallet
	byWallet map[string][]string            // wallet -> keys
}

// NewEntitlementStore creates a new in-memory entitlement store.
func NewEntitlementStore() *EntitlementStore {
	return &EntitlementStore{
		data:     make(map[string]*domain.Entitlement),
		byWallet: make(map[string][]string),
	}
}

func entitlementKey(snapshotID int64, wallet string) string {
	return fmt.Sprintf("%d|%s", snapshotID, wallet)
}

// InsertBatch inserts rows, skipping existing (snapshot_id, wallet) pairs.
func (s *EntitlementStore) InsertBatch(_ context.Context, rows []*domain.Entitlement) (int, error) {
	for _, e := range rows {
		if e == nil || e.SnapshotID <= 0 || e.Wallet == "" {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, e := range rows {
		key := entitlementKey(e.SnapshotID, e.Wallet)
		if _, exists := s.data[key]; exists {
			continue
		}
		entCopy := *e
		s.data[key] = &entCopy
		s.byWallet[e.Wallet] = append(s.byWallet[e.Wallet], key)
		inserted++
	}
	return inserted, nil
}

// ListByWallet retrieves all rows for a wallet, ordered by snapshot_id ASC.
func (s *EntitlementStore) ListByWallet(_ context.Context, wallet string) ([]*domain.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(wallet, func(*domain.Entitlement) bool { return true }), nil
}

// ListUnclaimed retrieves unclaimed rows for a wallet, ordered by snapshot_id ASC.
func (s *EntitlementStore) ListUnclaimed(_ context.Context, wallet string, snapshotIDs []int64) ([]*domain.Entitlement, error) {
	match := snapshotFilter(snapshotIDs)

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(wallet, func(e *domain.Entitlement) bool {
		return !e.Claimed && match(e.SnapshotID)
	}), nil
}

// MarkClaimed pays amount into matching unclaimed rows, oldest first.
func (s *EntitlementStore) MarkClaimed(_ context.Context, wallet string, snapshotIDs []int64, amount domain.Amount, signature string, claimedAt int64) (int, error) {
	if signature == "" || len(snapshotIDs) == 0 || amount == 0 {
		return 0, storage.ErrInvalidInput
	}
	match := snapshotFilter(snapshotIDs)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*domain.Entitlement, 0, len(s.byWallet[wallet]))
	for _, key := range s.byWallet[wallet] {
		e := s.data[key]
		if e.ClaimSignature == signature {
			return 0, nil
		}
		if !e.Claimed && match(e.SnapshotID) {
			rows = append(rows, e)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].SnapshotID < rows[j].SnapshotID
	})

	return len(domain.PayInOrder(rows, amount, signature, claimedAt)), nil
}

// CountBySnapshot returns the number of rows for a snapshot.
func (s *EntitlementStore) CountBySnapshot(_ context.Context, snapshotID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.data {
		if e.SnapshotID == snapshotID {
			count++
		}
	}
	return count, nil
}

func (s *EntitlementStore) collect(wallet string, keep func(*domain.Entitlement) bool) []*domain.Entitlement {
	var result []*domain.Entitlement
	for _, key := range s.byWallet[wallet] {
		e := s.data[key]
		if keep(e) {
			entCopy := *e
			result = append(result, &entCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].SnapshotID < result[j].SnapshotID
	})
	return result
}

func snapshotFilter(ids []int64) func(int64) bool {
	if ids == nil {
		return func(int64) bool { return true }
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id int64) bool {
		_, ok := set[id]
		return ok
	}
}

var _ storage.EntitlementStore = (*EntitlementStore)(nil)
