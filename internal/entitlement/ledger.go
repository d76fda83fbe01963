// Package entitlement is the ledger of per-wallet, per-snapshot reward
// amounts and the global distributed total.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

const (
	defaultBatchSize  = 500
	defaultMaxWorkers = 4
)

// Options configures a Ledger.
type Options struct {
	Entitlements storage.EntitlementStore
	Counters     storage.CounterStore

	// BatchSize is the number of rows per InsertBatch call.
	BatchSize int
	// MaxWorkers bounds concurrent batch writes.
	MaxWorkers int

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Ledger wraps the entitlement and counter stores with the ledger rules:
// amounts never change, claims flip once, the running total only grows.
type Ledger struct {
	entitlements storage.EntitlementStore
	counters     storage.CounterStore
	batchSize    int
	pool         pond.Pool
	clock        clockwork.Clock
	log          *slog.Logger
}

// New creates a ledger. Close releases its worker pool.
func New(opts Options) *Ledger {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = defaultMaxWorkers
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		entitlements: opts.Entitlements,
		counters:     opts.Counters,
		batchSize:    opts.BatchSize,
		pool:         pond.NewPool(opts.MaxWorkers, pond.WithQueueSize(opts.MaxWorkers*16)),
		clock:        opts.Clock,
		log:          opts.Logger,
	}
}

// Close waits for in-flight writes and stops the pool.
func (l *Ledger) Close() {
	l.pool.StopAndWait()
}

// Write upserts one row per non-zero share for snapshotID. Rows that
// already exist keep their amount and claim state, so a repeated Write
// for the same snapshot is a no-op. Returns the number of new rows.
func (l *Ledger) Write(ctx context.Context, snapshotID int64, shares []domain.Share) (int, error) {
	if snapshotID <= 0 {
		return 0, fmt.Errorf("entitlement: write: %w", storage.ErrInvalidInput)
	}

	now := l.clock.Now().UnixMilli()
	rows := make([]*domain.Entitlement, 0, len(shares))
	for _, s := range shares {
		if s.Amount == 0 {
			continue
		}
		rows = append(rows, &domain.Entitlement{
			SnapshotID: snapshotID,
			Wallet:     s.Wallet,
			Amount:     s.Amount,
			CreatedAt:  now,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var (
		inserted atomic.Int64
		errOnce  sync.Once
		firstErr error
	)

	group := l.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for start := 0; start < len(rows); start += l.batchSize {
		chunk := rows[start:min(start+l.batchSize, len(rows))]

		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			n, err := l.entitlements.InsertBatch(groupCtx, chunk)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			inserted.Add(int64(n))
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return int(inserted.Load()), fmt.Errorf("entitlement: write snapshot %d: %w", snapshotID, err)
	}
	if firstErr != nil {
		return int(inserted.Load()), fmt.Errorf("entitlement: write snapshot %d: %w", snapshotID, firstErr)
	}
	if err := ctx.Err(); err != nil {
		return int(inserted.Load()), err
	}

	l.log.Info("entitlement: written",
		"snapshot_id", snapshotID,
		"rows", len(rows),
		"inserted", inserted.Load(),
	)
	return int(inserted.Load()), nil
}

// ListUnclaimed returns the wallet's unclaimed rows. A nil snapshotIDs
// matches every snapshot.
func (l *Ledger) ListUnclaimed(ctx context.Context, wallet string, snapshotIDs []int64) ([]*domain.Entitlement, error) {
	rows, err := l.entitlements.ListUnclaimed(ctx, wallet, snapshotIDs)
	if err != nil {
		return nil, fmt.Errorf("entitlement: list unclaimed %s: %w", wallet, err)
	}
	return rows, nil
}

// UnclaimedTotal sums what is left unpaid on the wallet's unclaimed rows
// and returns the ids they belong to, ascending.
func (l *Ledger) UnclaimedTotal(ctx context.Context, wallet string, snapshotIDs []int64) (domain.Amount, []int64, error) {
	rows, err := l.ListUnclaimed(ctx, wallet, snapshotIDs)
	if err != nil {
		return 0, nil, err
	}
	var total domain.Amount
	ids := make([]int64, 0, len(rows))
	for _, e := range rows {
		total = domain.Sum(total, e.Remaining())
		ids = append(ids, e.SnapshotID)
	}
	return total, ids, nil
}

// MarkClaimed pays amount into the wallet's unclaimed rows in snapshotIDs
// under signature, oldest snapshot first. Rows the amount does not fully
// cover keep their remainder unclaimed.
func (l *Ledger) MarkClaimed(ctx context.Context, wallet string, snapshotIDs []int64, amount domain.Amount, signature string) (int, error) {
	n, err := l.entitlements.MarkClaimed(ctx, wallet, snapshotIDs, amount, signature, l.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("entitlement: mark claimed %s: %w", wallet, err)
	}
	return n, nil
}

// AddToRunningTotal adds amount to the distributed total.
func (l *Ledger) AddToRunningTotal(ctx context.Context, amount domain.Amount) (domain.Amount, error) {
	total, err := l.counters.Add(ctx, storage.CounterDistributedTotal, uint64(amount))
	if err != nil {
		return 0, fmt.Errorf("entitlement: running total: %w", err)
	}
	return domain.Amount(total), nil
}

// RunningTotal returns the distributed total.
func (l *Ledger) RunningTotal(ctx context.Context) (domain.Amount, error) {
	total, err := l.counters.Get(ctx, storage.CounterDistributedTotal)
	if err != nil {
		return 0, fmt.Errorf("entitlement: running total: %w", err)
	}
	return domain.Amount(total), nil
}

// Summary aggregates every row of wallet from one read, so Entitled is
// always Claimed + Unclaimed.
func (l *Ledger) Summary(ctx context.Context, wallet string) (domain.EntitlementSummary, error) {
	rows, err := l.entitlements.ListByWallet(ctx, wallet)
	if err != nil {
		return domain.EntitlementSummary{}, fmt.Errorf("entitlement: summary %s: %w", wallet, err)
	}

	sum := domain.EntitlementSummary{Wallet: wallet}
	for _, e := range rows {
		sum.Claimed = domain.Sum(sum.Claimed, e.Amount-e.Remaining())
		sum.Unclaimed = domain.Sum(sum.Unclaimed, e.Remaining())
	}
	sum.Entitled = domain.Sum(sum.Claimed, sum.Unclaimed)
	return sum, nil
}
