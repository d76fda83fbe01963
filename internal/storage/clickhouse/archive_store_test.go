package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward-distributor/internal/domain"
)

func TestArchiveStore_Snapshot(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewArchiveStore(conn)

	snap := &domain.Snapshot{
		CycleID:     1_700_000_400_000,
		SnapshotID:  1_700_000_400_000,
		Timestamp:   1_700_000_340_000,
		HoldersHash: "abc",
		Holders: []domain.Holder{
			{Wallet: "walletA", Balance: 500},
			{Wallet: "walletB", Balance: 1},
		},
	}
	shares := []domain.Share{{Wallet: "walletA", Amount: 950}}

	require.NoError(t, store.ArchiveSnapshot(ctx, snap, shares))
	// Second archive is a no-op.
	require.NoError(t, store.ArchiveSnapshot(ctx, snap, shares))

	var count uint64
	require.NoError(t, conn.QueryRow(ctx, `SELECT count() FROM snapshot_holders WHERE snapshot_id = ?`, snap.SnapshotID).Scan(&count))
	assert.Equal(t, uint64(2), count)

	var share uint64
	require.NoError(t, conn.QueryRow(ctx, `SELECT share FROM snapshot_holders WHERE snapshot_id = ? AND wallet = ?`, snap.SnapshotID, "walletB").Scan(&share))
	assert.Equal(t, uint64(0), share)
}

func TestArchiveStore_DailyClaimTotals(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewArchiveStore(conn)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	claims := []*domain.ClaimRecord{
		{Signature: "sig1", Wallet: "w1", Amount: 100, Entitled: 100, SnapshotIDs: []int64{1}, Timestamp: now.Add(-time.Hour).UnixMilli()},
		{Signature: "sig2", Wallet: "w2", Amount: 50, Entitled: 60, SnapshotIDs: []int64{1, 2}, Timestamp: now.Add(-2 * time.Hour).UnixMilli()},
		{Signature: "sig3", Wallet: "w1", Amount: 7, Entitled: 7, SnapshotIDs: []int64{3}, Timestamp: now.AddDate(0, 0, -1).UnixMilli()},
		{Signature: "old", Wallet: "w1", Amount: 1000, Entitled: 1000, SnapshotIDs: []int64{0}, Timestamp: now.AddDate(0, 0, -30).UnixMilli()},
	}
	for _, c := range claims {
		require.NoError(t, store.ArchiveClaim(ctx, c))
	}
	require.NoError(t, store.ArchiveClaim(ctx, claims[0]))

	days, err := store.DailyClaimTotals(ctx, 7)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, domain.ClaimDay{Day: "2024-03-09", Claims: 1, Amount: 7}, days[0])
	assert.Equal(t, domain.ClaimDay{Day: "2024-03-10", Claims: 2, Amount: 150}, days[1])

	_, err = store.DailyClaimTotals(ctx, 0)
	assert.Error(t, err)
}
