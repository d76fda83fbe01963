package postgres

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward-distributor/internal/domain"
)

func TestEntitlementStore_InsertBatchIdempotent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewEntitlementStore(pool)
	seedSnapshot(t, pool, 600_000)

	rows := []*domain.Entitlement{
		{SnapshotID: 600_000, Wallet: "walletA", Amount: 316_666, CreatedAt: 1},
		{SnapshotID: 600_000, Wallet: "walletB", Amount: 633_333, CreatedAt: 1},
	}
	n, err := store.InsertBatch(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A retry with a different amount must not change the stored row.
	retry := []*domain.Entitlement{
		{SnapshotID: 600_000, Wallet: "walletA", Amount: 1, CreatedAt: 2},
	}
	n, err = store.InsertBatch(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := store.ListByWallet(ctx, "walletA")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.Amount(316_666), got[0].Amount)

	count, err := store.CountBySnapshot(ctx, 600_000)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEntitlementStore_ListUnclaimedAndMarkClaimed(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewEntitlementStore(pool)
	for _, id := range []int64{600_000, 1_200_000, 1_800_000} {
		seedSnapshot(t, pool, id)
		_, err := store.InsertBatch(ctx, []*domain.Entitlement{{SnapshotID: id, Wallet: "walletA", Amount: 10, CreatedAt: id}})
		require.NoError(t, err)
	}

	all, err := store.ListUnclaimed(ctx, "walletA", nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(600_000), all[0].SnapshotID)

	subset, err := store.ListUnclaimed(ctx, "walletA", []int64{1_200_000})
	require.NoError(t, err)
	require.Len(t, subset, 1)

	changed, err := store.MarkClaimed(ctx, "walletA", []int64{600_000, 1_200_000}, 20, "sig1", 99)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	// Already-claimed rows are not flipped again.
	changed, err = store.MarkClaimed(ctx, "walletA", []int64{600_000, 1_200_000}, 20, "sig2", 100)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	rest, err := store.ListUnclaimed(ctx, "walletA", nil)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(1_800_000), rest[0].SnapshotID)

	rows, err := store.ListByWallet(ctx, "walletA")
	require.NoError(t, err)
	assert.Equal(t, "sig1", rows[0].ClaimSignature)
	assert.Equal(t, int64(99), rows[0].ClaimedAt)
}

func TestEntitlementStore_ConcurrentMarkClaimed(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewEntitlementStore(pool)
	seedSnapshot(t, pool, 600_000)
	_, err := store.InsertBatch(ctx, []*domain.Entitlement{{SnapshotID: 600_000, Wallet: "walletA", Amount: 10, CreatedAt: 1}})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := store.MarkClaimed(ctx, "walletA", []int64{600_000}, 10, "sig", int64(i))
			assert.NoError(t, err)
			results[i] = n
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range results {
		total += n
	}
	assert.Equal(t, 1, total, "exactly one settlement may flip the row")
}

func TestEntitlementStore_MarkClaimedPartially(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewEntitlementStore(pool)
	for _, id := range []int64{600_000, 1_200_000} {
		seedSnapshot(t, pool, id)
	}
	_, err := store.InsertBatch(ctx, []*domain.Entitlement{
		{SnapshotID: 600_000, Wallet: "walletA", Amount: 30, CreatedAt: 1},
		{SnapshotID: 1_200_000, Wallet: "walletA", Amount: 50, CreatedAt: 1},
	})
	require.NoError(t, err)

	changed, err := store.MarkClaimed(ctx, "walletA", []int64{600_000, 1_200_000}, 50, "sig1", 99)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	// A retried settlement of the same signature pays nothing more.
	changed, err = store.MarkClaimed(ctx, "walletA", []int64{600_000, 1_200_000}, 50, "sig1", 99)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	rest, err := store.ListUnclaimed(ctx, "walletA", nil)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(1_200_000), rest[0].SnapshotID)
	assert.Equal(t, domain.Amount(20), rest[0].Paid)
	assert.Equal(t, domain.Amount(30), rest[0].Remaining())
}
