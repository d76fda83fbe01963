package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

// PrepStore implements storage.PrepStore using PostgreSQL.
type PrepStore struct {
	pool *Pool
}

// NewPrepStore creates a new PrepStore.
func NewPrepStore(pool *Pool) *PrepStore {
	return &PrepStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PrepStore = (*PrepStore)(nil)

const prepColumns = `
	cycle_id, status, acquired_reward, collected_lamports, treasury_lamports,
	swap_in_lamports, slippage_bps, collect_signature, transfer_signature,
	swap_signature, note, lease_owner, started_at, finished_at
`

// Create inserts a running row holding the prepare lease.
// Returns ErrDuplicateKey if a row for cycle_id exists.
func (s *PrepStore) Create(ctx context.Context, p *domain.Prep) error {
	if p == nil || p.CycleID <= 0 {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO preps (cycle_id, status, lease_owner, started_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := s.pool.Exec(ctx, query, p.CycleID, string(p.Status), p.LeaseOwner, p.StartedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert prep: %w", err)
	}
	return nil
}

// Get retrieves a prep by cycle ID. Returns ErrNotFound if not exists.
func (s *PrepStore) Get(ctx context.Context, cycleID int64) (*domain.Prep, error) {
	query := `SELECT ` + prepColumns + ` FROM preps WHERE cycle_id = $1`

	p, err := scanPrep(s.pool.QueryRow(ctx, query, cycleID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get prep: %w", err)
	}
	return p, nil
}

// Takeover moves a stale running lease to newOwner.
func (s *PrepStore) Takeover(ctx context.Context, cycleID int64, prevOwner string, prevStartedAt int64, newOwner string, startedAt int64) error {
	query := `
		UPDATE preps
		SET lease_owner = $4, started_at = $5
		WHERE cycle_id = $1 AND status = 'running' AND lease_owner = $2 AND started_at = $3
	`

	tag, err := s.pool.Exec(ctx, query, cycleID, prevOwner, prevStartedAt, newOwner, startedAt)
	if err != nil {
		return fmt.Errorf("takeover prep: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, cycleID)
	}
	return nil
}

// Finalize writes a terminal row while the caller still holds the lease.
func (s *PrepStore) Finalize(ctx context.Context, p *domain.Prep) error {
	if p == nil || !p.Status.Terminal() {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE preps SET
			status = $2,
			acquired_reward = $3,
			collected_lamports = $4,
			treasury_lamports = $5,
			swap_in_lamports = $6,
			slippage_bps = $7,
			collect_signature = $8,
			transfer_signature = $9,
			swap_signature = $10,
			note = $11,
			finished_at = $12
		WHERE cycle_id = $1 AND status = 'running' AND lease_owner = $13
	`

	tag, err := s.pool.Exec(ctx, query,
		p.CycleID,
		string(p.Status),
		uint64(p.AcquiredReward),
		p.CollectedLamports,
		p.TreasuryLamports,
		p.SwapInLamports,
		int32(p.SlippageBps),
		p.CollectSignature,
		p.TransferSignature,
		p.SwapSignature,
		p.Note,
		p.FinishedAt,
		p.LeaseOwner,
	)
	if err != nil {
		return fmt.Errorf("finalize prep: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, p.CycleID)
	}
	return nil
}

// ListRecent returns the newest preps, ordered by cycle_id DESC.
func (s *PrepStore) ListRecent(ctx context.Context, limit int) ([]*domain.Prep, error) {
	query := `SELECT ` + prepColumns + ` FROM preps ORDER BY cycle_id DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list recent preps: %w", err)
	}
	defer rows.Close()

	var result []*domain.Prep
	for rows.Next() {
		p, err := scanPrep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prep: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preps: %w", err)
	}
	return result, nil
}

// missingOrConflict distinguishes a failed compare-and-set from a missing row.
func (s *PrepStore) missingOrConflict(ctx context.Context, cycleID int64) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM preps WHERE cycle_id = $1)`, cycleID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check prep exists: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

func scanPrep(row pgx.Row) (*domain.Prep, error) {
	var p domain.Prep
	var status string
	var acquired, collected, treasury, swapIn int64
	var slippage int32

	err := row.Scan(
		&p.CycleID,
		&status,
		&acquired,
		&collected,
		&treasury,
		&swapIn,
		&slippage,
		&p.CollectSignature,
		&p.TransferSignature,
		&p.SwapSignature,
		&p.Note,
		&p.LeaseOwner,
		&p.StartedAt,
		&p.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = domain.PrepStatus(status)
	p.AcquiredReward = domain.Amount(acquired)
	p.CollectedLamports = uint64(collected)
	p.TreasuryLamports = uint64(treasury)
	p.SwapInLamports = uint64(swapIn)
	p.SlippageBps = uint16(slippage)
	return &p, nil
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as ALL.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
