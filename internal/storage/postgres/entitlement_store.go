package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// EntitlementStore implements storage.EntitlementStore using PostgreSQL.
type EntitlementStore struct {
	pool *Pool
}

// NewEntitlementStore creates a new EntitlementStore.
func NewEntitlementStore(pool *Pool) *EntitlementStore {
	return &EntitlementStore{pool: pool}
}

// Compile-time interface check.
var _ storage.EntitlementStore = (*EntitlementStore)(nil)

// InsertBatch inserts rows in one transaction, skipping existing
// (snapshot_id, wallet) pairs. Returns the number of newly inserted rows.
func (s *EntitlementStore) InsertBatch(ctx context.Context, rows []*domain.Entitlement) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	for _, e := range rows {
		if e == nil || e.SnapshotID <= 0 || e.Wallet == "" {
			return 0, storage.ErrInvalidInput
		}
	}

	query := `
		INSERT INTO entitlements (snapshot_id, wallet, amount, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (snapshot_id, wallet) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, e := range rows {
		batch.Queue(query, e.SnapshotID, e.Wallet, uint64(e.Amount), e.CreatedAt)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin entitlement batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("insert entitlement: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("close entitlement batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit entitlement batch: %w", err)
	}
	return inserted, nil
}

// ListByWallet retrieves all rows for a wallet, ordered by snapshot_id ASC.
func (s *EntitlementStore) ListByWallet(ctx context.Context, wallet string) ([]*domain.Entitlement, error) {
	query := `
		SELECT snapshot_id, wallet, amount, paid, claimed, claim_signature, claimed_at, created_at
		FROM entitlements
		WHERE wallet = $1
		ORDER BY snapshot_id ASC
	`

	rows, err := s.pool.Query(ctx, query, wallet)
	if err != nil {
		return nil, fmt.Errorf("list entitlements by wallet: %w", err)
	}
	defer rows.Close()

	return scanEntitlements(rows)
}

// ListUnclaimed retrieves unclaimed rows for a wallet, ordered by snapshot_id ASC.
// A nil snapshotIDs matches every snapshot.
func (s *EntitlementStore) ListUnclaimed(ctx context.Context, wallet string, snapshotIDs []int64) ([]*domain.Entitlement, error) {
	query := `
		SELECT snapshot_id, wallet, amount, paid, claimed, claim_signature, claimed_at, created_at
		FROM entitlements
		WHERE wallet = $1 AND claimed = FALSE AND ($2::BIGINT[] IS NULL OR snapshot_id = ANY($2))
		ORDER BY snapshot_id ASC
	`

	rows, err := s.pool.Query(ctx, query, wallet, snapshotIDs)
	if err != nil {
		return nil, fmt.Errorf("list unclaimed entitlements: %w", err)
	}
	defer rows.Close()

	return scanEntitlements(rows)
}

// MarkClaimed pays amount into the wallet's unclaimed rows in snapshotIDs,
// oldest first. The wallet's rows are locked for the whole transaction, so
// concurrent settlements serialize and a signature that already paid into
// any row is seen and skipped.
func (s *EntitlementStore) MarkClaimed(ctx context.Context, wallet string, snapshotIDs []int64, amount domain.Amount, signature string, claimedAt int64) (int, error) {
	if signature == "" || len(snapshotIDs) == 0 || amount == 0 {
		return 0, storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin mark claimed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT snapshot_id, wallet, amount, paid, claimed, claim_signature, claimed_at, created_at
		FROM entitlements
		WHERE wallet = $1
		ORDER BY snapshot_id ASC
		FOR UPDATE
	`, wallet)
	if err != nil {
		return 0, fmt.Errorf("lock entitlements: %w", err)
	}
	locked, err := scanEntitlements(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	wanted := make(map[int64]struct{}, len(snapshotIDs))
	for _, id := range snapshotIDs {
		wanted[id] = struct{}{}
	}
	open := make([]*domain.Entitlement, 0, len(locked))
	for _, e := range locked {
		if e.ClaimSignature == signature {
			return 0, nil
		}
		if _, ok := wanted[e.SnapshotID]; ok && !e.Claimed {
			open = append(open, e)
		}
	}

	touched := domain.PayInOrder(open, amount, signature, claimedAt)
	if len(touched) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, e := range touched {
		batch.Queue(`
			UPDATE entitlements
			SET paid = $3, claimed = $4, claim_signature = $5, claimed_at = $6
			WHERE wallet = $1 AND snapshot_id = $2
		`, wallet, e.SnapshotID, uint64(e.Paid), e.Claimed, signature, claimedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("mark entitlements claimed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit mark claimed: %w", err)
	}
	return len(touched), nil
}

// CountBySnapshot returns the number of rows for a snapshot.
func (s *EntitlementStore) CountBySnapshot(ctx context.Context, snapshotID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM entitlements WHERE snapshot_id = $1`, snapshotID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entitlements: %w", err)
	}
	return count, nil
}

func scanEntitlements(rows pgx.Rows) ([]*domain.Entitlement, error) {
	var result []*domain.Entitlement
	for rows.Next() {
		var e domain.Entitlement
		var amount, paid int64
		err := rows.Scan(
			&e.SnapshotID,
			&e.Wallet,
			&amount,
			&paid,
			&e.Claimed,
			&e.ClaimSignature,
			&e.ClaimedAt,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		e.Amount = domain.Amount(amount)
		e.Paid = domain.Amount(paid)
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entitlements: %w", err)
	}
	return result, nil
}
