package memory

import "reward-distributor/internal/storage"

// NewStores returns a full in-memory store set.
func NewStores() *storage.Stores {
	return &storage.Stores{
		Preps:        NewPrepStore(),
		Snapshots:    NewSnapshotStore(),
		Entitlements: NewEntitlementStore(),
		Claims:       NewClaimStore(),
		Previews:     NewPreviewStore(),
		Counters:     NewCounterStore(),
		Archive:      NewArchiveStore(),
	}
}
