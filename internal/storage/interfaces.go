package storage

import (
	"context"

	"reward-distributor/internal/domain"
)

// PrepStore provides access to preps storage. One row per cycle.
type PrepStore interface {
	// Create inserts a running row holding the prepare lease.
	// Returns ErrDuplicateKey if a row for cycle_id exists.
	Create(ctx context.Context, p *domain.Prep) error

	// Get retrieves a prep by cycle ID. Returns ErrNotFound if not exists.
	Get(ctx context.Context, cycleID int64) (*domain.Prep, error)

	// Takeover moves a stale running lease to newOwner. It only succeeds if
	// the row is still running under prevOwner with prevStartedAt.
	// Returns ErrConflict otherwise.
	Takeover(ctx context.Context, cycleID int64, prevOwner string, prevStartedAt int64, newOwner string, startedAt int64) error

	// Finalize writes a terminal row. It only succeeds while the row is
	// running under p.LeaseOwner; terminal rows are never overwritten.
	// Returns ErrConflict otherwise.
	Finalize(ctx context.Context, p *domain.Prep) error

	// ListRecent returns the newest preps, ordered by cycle_id DESC.
	ListRecent(ctx context.Context, limit int) ([]*domain.Prep, error)
}

// SnapshotStore provides access to snapshots storage. Write-once per cycle.
type SnapshotStore interface {
	// Create inserts a snapshot. Returns ErrDuplicateKey if cycle_id exists.
	Create(ctx context.Context, s *domain.Snapshot) error

	// Get retrieves a snapshot by cycle ID. Returns ErrNotFound if not exists.
	Get(ctx context.Context, cycleID int64) (*domain.Snapshot, error)

	// MarkEntitlementsWritten records that all entitlement rows are durable.
	// Idempotent. Returns ErrNotFound if the snapshot does not exist.
	MarkEntitlementsWritten(ctx context.Context, cycleID int64) error

	// ListRecent returns the newest snapshots without holder lists,
	// ordered by cycle_id DESC.
	ListRecent(ctx context.Context, limit int) ([]*domain.Snapshot, error)
}

// EntitlementStore provides access to entitlements storage.
type EntitlementStore interface {
	// InsertBatch inserts rows, skipping any (snapshot_id, wallet) that
	// already exists. Existing amounts are never changed. Returns the
	// number of newly inserted rows.
	InsertBatch(ctx context.Context, rows []*domain.Entitlement) (int, error)

	// ListByWallet retrieves all rows for a wallet, ordered by snapshot_id ASC.
	ListByWallet(ctx context.Context, wallet string) ([]*domain.Entitlement, error)

	// ListUnclaimed retrieves unclaimed rows for a wallet, ordered by
	// snapshot_id ASC. A nil snapshotIDs matches every snapshot.
	ListUnclaimed(ctx context.Context, wallet string, snapshotIDs []int64) ([]*domain.Entitlement, error)

	// MarkClaimed pays amount into the wallet's unclaimed rows in
	// snapshotIDs, oldest snapshot first (see domain.PayInOrder). A row is
	// claimed once fully paid; the rest stays unclaimed. Applying a
	// signature that already paid into the wallet's rows is a no-op.
	// Returns the number of rows that changed.
	MarkClaimed(ctx context.Context, wallet string, snapshotIDs []int64, amount domain.Amount, signature string, claimedAt int64) (int, error)

	// CountBySnapshot returns the number of rows for a snapshot.
	CountBySnapshot(ctx context.Context, snapshotID int64) (int, error)
}

// ClaimStore provides access to claim_records storage (append-only).
type ClaimStore interface {
	// Insert adds a claim record. Returns ErrDuplicateKey if signature exists.
	Insert(ctx context.Context, r *domain.ClaimRecord) error

	// Get retrieves a record by signature. Returns ErrNotFound if not exists.
	Get(ctx context.Context, signature string) (*domain.ClaimRecord, error)

	// ListRecent returns the newest records, ordered by timestamp DESC.
	ListRecent(ctx context.Context, limit int) ([]*domain.ClaimRecord, error)
}

// PreviewStore provides access to previews storage.
type PreviewStore interface {
	// Insert adds a preview. Returns ErrDuplicateKey if preview_id exists.
	Insert(ctx context.Context, p *domain.Preview) error

	// Get retrieves a preview by ID. Returns ErrNotFound if not exists.
	Get(ctx context.Context, previewID string) (*domain.Preview, error)

	// Consume flips consumed=true once. Returns ErrAlreadyConsumed if it was
	// already consumed, ErrNotFound if it does not exist.
	Consume(ctx context.Context, previewID string) error

	// DeleteCreatedBefore removes previews created before the cutoff (ms).
	// Returns the number of rows removed.
	DeleteCreatedBefore(ctx context.Context, cutoff int64) (int, error)
}

// CounterStore provides monotonically increasing named counters.
type CounterStore interface {
	// Add increments the counter and returns the new value.
	Add(ctx context.Context, name string, delta uint64) (uint64, error)

	// Get returns the current value, or 0 if the counter was never written.
	Get(ctx context.Context, name string) (uint64, error)
}

// ArchiveStore is the analytics sink for snapshot holder sets and claims.
// Writes are append-only and idempotent per natural key.
type ArchiveStore interface {
	// ArchiveSnapshot stores the captured holders and their shares.
	ArchiveSnapshot(ctx context.Context, s *domain.Snapshot, shares []domain.Share) error

	// ArchiveClaim stores a settled claim.
	ArchiveClaim(ctx context.Context, r *domain.ClaimRecord) error

	// DailyClaimTotals returns per-day claim counts and amounts for the
	// last days days, ordered by day ASC.
	DailyClaimTotals(ctx context.Context, days int) ([]domain.ClaimDay, error)
}
