package postgres

import (
	"context"
	"fmt"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// PreviewStore implements storage.PreviewStore using PostgreSQL.
type PreviewStore struct {
	pool *Pool
}

// NewPreviewStore creates a new PreviewStore.
func NewPreviewStore(pool *Pool) *PreviewStore {
	return &PreviewStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PreviewStore = (*PreviewStore)(nil)

// Insert adds a preview. Returns ErrDuplicateKey if preview_id exists.
func (s *PreviewStore) Insert(ctx context.Context, p *domain.Preview) error {
	if p == nil || p.PreviewID == "" || p.Wallet == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO previews (preview_id, wallet, message_hash, snapshot_ids, amount, created_at, consumed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.pool.Exec(ctx, query,
		p.PreviewID,
		p.Wallet,
		p.MessageHash,
		nonNilIDs(p.SnapshotIDs),
		uint64(p.Amount),
		p.CreatedAt,
		p.Consumed,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert preview: %w", err)
	}
	return nil
}

// Get retrieves a preview by ID. Returns ErrNotFound if not exists.
func (s *PreviewStore) Get(ctx context.Context, previewID string) (*domain.Preview, error) {
	query := `
		SELECT preview_id, wallet, message_hash, snapshot_ids, amount, created_at, consumed
		FROM previews
		WHERE preview_id = $1
	`

	var p domain.Preview
	var amount int64
	err := s.pool.QueryRow(ctx, query, previewID).Scan(
		&p.PreviewID,
		&p.Wallet,
		&p.MessageHash,
		&p.SnapshotIDs,
		&amount,
		&p.CreatedAt,
		&p.Consumed,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get preview: %w", err)
	}
	p.Amount = domain.Amount(amount)
	return &p, nil
}

// Consume flips consumed=true once.
func (s *PreviewStore) Consume(ctx context.Context, previewID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE previews SET consumed = TRUE WHERE preview_id = $1 AND consumed = FALSE`, previewID)
	if err != nil {
		return fmt.Errorf("consume preview: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM previews WHERE preview_id = $1)`, previewID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check preview exists: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrAlreadyConsumed
}

// DeleteCreatedBefore removes previews created before cutoff.
func (s *PreviewStore) DeleteCreatedBefore(ctx context.Context, cutoff int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM previews WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired previews: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
