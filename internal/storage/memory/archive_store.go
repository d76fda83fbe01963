package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// ArchiveStore is an in-memory implementation of storage.ArchiveStore.
// Used when ClickHouse is not configured.
type ArchiveStore struct {
	mu        sync.RWMutex
	snapshots map[int64][]domain.Share
	claims    map[string]*domain.ClaimRecord
	now       func() time.Time
}

// NewArchiveStore creates a new in-memory archive.
func NewArchiveStore() *ArchiveStore {
	return &ArchiveStore{
		snapshots: make(map[int64][]domain.Share),
		claims:    make(map[string]*domain.ClaimRecord),
		now:       time.Now,
	}
}

// ArchiveSnapshot stores the shares of a snapshot. Re-archiving is a no-op.
func (s *ArchiveStore) ArchiveSnapshot(_ context.Context, snap *domain.Snapshot, shares []domain.Share) error {
	if snap == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.snapshots[snap.CycleID]; exists {
		return nil
	}
	s.snapshots[snap.CycleID] = append([]domain.Share(nil), shares...)
	return nil
}

// Shares returns the archived shares of a snapshot.
func (s *ArchiveStore) Shares(cycleID int64) ([]domain.Share, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shares, ok := s.snapshots[cycleID]
	return append([]domain.Share(nil), shares...), ok
}

// ArchiveClaim stores a settled claim. Re-archiving is a no-op.
func (s *ArchiveStore) ArchiveClaim(_ context.Context, r *domain.ClaimRecord) error {
	if r == nil || r.Signature == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.claims[r.Signature]; exists {
		return nil
	}
	s.claims[r.Signature] = copyClaim(r)
	return nil
}

// DailyClaimTotals returns per-day claim totals for the last days days.
func (s *ArchiveStore) DailyClaimTotals(_ context.Context, days int) ([]domain.ClaimDay, error) {
	if days <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -(days - 1))
	byDay := make(map[string]*domain.ClaimDay)
	for _, r := range s.claims {
		ts := time.UnixMilli(r.Timestamp).UTC()
		if ts.Before(cutoff) {
			continue
		}
		day := ts.Format(time.DateOnly)
		d, ok := byDay[day]
		if !ok {
			d = &domain.ClaimDay{Day: day}
			byDay[day] = d
		}
		d.Claims++
		d.Amount = domain.Sum(d.Amount, r.Amount)
	}

	result := make([]domain.ClaimDay, 0, len(byDay))
	for _, d := range byDay {
		result = append(result, *d)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Day < result[j].Day
	})
	return result, nil
}

var _ storage.ArchiveStore = (*ArchiveStore)(nil)
