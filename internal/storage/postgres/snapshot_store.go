package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// SnapshotStore implements storage.SnapshotStore using PostgreSQL.
// The captured holder set is kept as JSONB so an interrupted entitlement
// write can be resumed from exactly the same inputs.
type SnapshotStore struct {
	pool *Pool
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(pool *Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// Create inserts a snapshot. Returns ErrDuplicateKey if cycle_id exists.
func (s *SnapshotStore) Create(ctx context.Context, snap *domain.Snapshot) error {
	if snap == nil || snap.CycleID <= 0 {
		return storage.ErrInvalidInput
	}

	holders, err := json.Marshal(nonNilHolders(snap.Holders))
	if err != nil {
		return fmt.Errorf("marshal holders: %w", err)
	}

	query := `
		INSERT INTO snapshots (
			cycle_id, snapshot_id, timestamp_ms, acquired_reward, allocated_reward,
			eligible_holder_count, total_eligible_balance, holders_hash, holders,
			entitlements_written, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = s.pool.Exec(ctx, query,
		snap.CycleID,
		snap.SnapshotID,
		snap.Timestamp,
		uint64(snap.AcquiredReward),
		uint64(snap.AllocatedReward),
		snap.EligibleHolderCount,
		snap.TotalEligibleBalance,
		snap.HoldersHash,
		holders,
		snap.EntitlementsWritten,
		snap.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Get retrieves a snapshot by cycle ID, including its holder set.
func (s *SnapshotStore) Get(ctx context.Context, cycleID int64) (*domain.Snapshot, error) {
	query := `
		SELECT cycle_id, snapshot_id, timestamp_ms, acquired_reward, allocated_reward,
			eligible_holder_count, total_eligible_balance, holders_hash,
			entitlements_written, created_at, holders
		FROM snapshots
		WHERE cycle_id = $1
	`

	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, cycleID), true)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// MarkEntitlementsWritten records that all entitlement rows are durable.
func (s *SnapshotStore) MarkEntitlementsWritten(ctx context.Context, cycleID int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE snapshots SET entitlements_written = TRUE WHERE cycle_id = $1`, cycleID)
	if err != nil {
		return fmt.Errorf("mark entitlements written: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListRecent returns the newest snapshots without holder lists.
func (s *SnapshotStore) ListRecent(ctx context.Context, limit int) ([]*domain.Snapshot, error) {
	query := `
		SELECT cycle_id, snapshot_id, timestamp_ms, acquired_reward, allocated_reward,
			eligible_holder_count, total_eligible_balance, holders_hash,
			entitlements_written, created_at
		FROM snapshots
		ORDER BY cycle_id DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	defer rows.Close()

	var result []*domain.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return result, nil
}

func scanSnapshot(row pgx.Row, withHolders bool) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	var acquired, allocated, total int64
	var holders []byte

	dest := []any{
		&snap.CycleID,
		&snap.SnapshotID,
		&snap.Timestamp,
		&acquired,
		&allocated,
		&snap.EligibleHolderCount,
		&total,
		&snap.HoldersHash,
		&snap.EntitlementsWritten,
		&snap.CreatedAt,
	}
	if withHolders {
		dest = append(dest, &holders)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	snap.AcquiredReward = domain.Amount(acquired)
	snap.AllocatedReward = domain.Amount(allocated)
	snap.TotalEligibleBalance = uint64(total)

	if withHolders && len(holders) > 0 {
		if err := json.Unmarshal(holders, &snap.Holders); err != nil {
			return nil, fmt.Errorf("unmarshal holders: %w", err)
		}
	}
	return &snap, nil
}

func nonNilHolders(h []domain.Holder) []domain.Holder {
	if h == nil {
		return []domain.Holder{}
	}
	return h
}
