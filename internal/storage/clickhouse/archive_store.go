package clickhouse

import (
	"context"
	"fmt"
	"time"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// ArchiveStore implements storage.ArchiveStore using ClickHouse.
// Both tables are ReplacingMergeTree, so a repeated archive collapses on
// merge; explicit existence checks keep reads exact before that happens.
type ArchiveStore struct {
	conn *Conn
	now  func() time.Time
}

// NewArchiveStore creates a new ArchiveStore.
func NewArchiveStore(conn *Conn) *ArchiveStore {
	return &ArchiveStore{conn: conn, now: time.Now}
}

// Compile-time interface check.
var _ storage.ArchiveStore = (*ArchiveStore)(nil)

// ArchiveSnapshot stores the holder set of a snapshot with each wallet's share.
// Holders that received no share are archived with share 0.
func (s *ArchiveStore) ArchiveSnapshot(ctx context.Context, snap *domain.Snapshot, shares []domain.Share) error {
	if snap == nil {
		return storage.ErrInvalidInput
	}
	if len(snap.Holders) == 0 {
		return nil
	}

	exists, err := s.exists(ctx, `SELECT count() FROM snapshot_holders WHERE snapshot_id = ?`, snap.SnapshotID)
	if err != nil {
		return fmt.Errorf("check snapshot archived: %w", err)
	}
	if exists {
		return nil
	}

	byWallet := make(map[string]domain.Amount, len(shares))
	for _, sh := range shares {
		byWallet[sh.Wallet] = sh.Amount
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO snapshot_holders (
			snapshot_id, wallet, balance, share, holders_hash, captured_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	capturedAt := time.UnixMilli(snap.Timestamp).UTC()
	for _, h := range snap.Holders {
		err := batch.Append(
			snap.SnapshotID,
			h.Wallet,
			h.Balance,
			uint64(byWallet[h.Wallet]),
			snap.HoldersHash,
			capturedAt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ArchiveClaim stores a settled claim. Re-archiving is a no-op.
func (s *ArchiveStore) ArchiveClaim(ctx context.Context, r *domain.ClaimRecord) error {
	if r == nil || r.Signature == "" {
		return storage.ErrInvalidInput
	}

	exists, err := s.exists(ctx, `SELECT count() FROM claim_events WHERE signature = ?`, r.Signature)
	if err != nil {
		return fmt.Errorf("check claim archived: %w", err)
	}
	if exists {
		return nil
	}

	ids := r.SnapshotIDs
	if ids == nil {
		ids = []int64{}
	}

	err = s.conn.Exec(ctx, `
		INSERT INTO claim_events (signature, wallet, amount, entitled, snapshot_ids, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		r.Signature,
		r.Wallet,
		uint64(r.Amount),
		uint64(r.Entitled),
		ids,
		time.UnixMilli(r.Timestamp).UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert claim event: %w", err)
	}
	return nil
}

// DailyClaimTotals returns per-day claim counts and amounts for the last
// days days (UTC), ordered by day ASC.
func (s *ArchiveStore) DailyClaimTotals(ctx context.Context, days int) ([]domain.ClaimDay, error) {
	if days <= 0 {
		return nil, storage.ErrInvalidInput
	}

	cutoff := s.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -(days - 1))

	rows, err := s.conn.Query(ctx, `
		SELECT
			toString(toDate(claimed_at)) AS day,
			count() AS claims,
			sum(amount) AS total
		FROM claim_events FINAL
		WHERE claimed_at >= ?
		GROUP BY day
		ORDER BY day ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query daily claim totals: %w", err)
	}
	defer rows.Close()

	var result []domain.ClaimDay
	for rows.Next() {
		var day string
		var claims, total uint64
		if err := rows.Scan(&day, &claims, &total); err != nil {
			return nil, fmt.Errorf("scan daily claim totals: %w", err)
		}
		result = append(result, domain.ClaimDay{
			Day:    day,
			Claims: int(claims),
			Amount: domain.Amount(total),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily claim totals: %w", err)
	}
	return result, nil
}

func (s *ArchiveStore) exists(ctx context.Context, query string, arg any) (bool, error) {
	var count uint64
	if err := s.conn.QueryRow(ctx, query, arg).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
