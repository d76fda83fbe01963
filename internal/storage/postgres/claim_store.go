package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// ClaimStore implements storage.ClaimStore using PostgreSQL.
type ClaimStore struct {
	pool *Pool
}

// NewClaimStore creates a new ClaimStore.
func NewClaimStore(pool *Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ClaimStore = (*ClaimStore)(nil)

// Insert adds a claim record. Returns ErrDuplicateKey if signature exists.
func (s *ClaimStore) Insert(ctx context.Context, r *domain.ClaimRecord) error {
	if r == nil || r.Signature == "" || r.Wallet == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO claim_records (signature, wallet, amount, entitled, snapshot_ids, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		r.Signature,
		r.Wallet,
		uint64(r.Amount),
		uint64(r.Entitled),
		nonNilIDs(r.SnapshotIDs),
		r.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert claim record: %w", err)
	}
	return nil
}

// Get retrieves a record by signature. Returns ErrNotFound if not exists.
func (s *ClaimStore) Get(ctx context.Context, signature string) (*domain.ClaimRecord, error) {
	query := `
		SELECT signature, wallet, amount, entitled, snapshot_ids, timestamp_ms
		FROM claim_records
		WHERE signature = $1
	`

	r, err := scanClaim(s.pool.QueryRow(ctx, query, signature))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get claim record: %w", err)
	}
	return r, nil
}

// ListRecent returns the newest records, ordered by timestamp DESC.
func (s *ClaimStore) ListRecent(ctx context.Context, limit int) ([]*domain.ClaimRecord, error) {
	query := `
		SELECT signature, wallet, amount, entitled, snapshot_ids, timestamp_ms
		FROM claim_records
		ORDER BY timestamp_ms DESC, signature ASC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list recent claims: %w", err)
	}
	defer rows.Close()

	var result []*domain.ClaimRecord
	for rows.Next() {
		r, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim record: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim records: %w", err)
	}
	return result, nil
}

func scanClaim(row pgx.Row) (*domain.ClaimRecord, error) {
	var r domain.ClaimRecord
	var amount, entitled int64

	err := row.Scan(&r.Signature, &r.Wallet, &amount, &entitled, &r.SnapshotIDs, &r.Timestamp)
	if err != nil {
		return nil, err
	}
	r.Amount = domain.Amount(amount)
	r.Entitled = domain.Amount(entitled)
	return &r, nil
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
