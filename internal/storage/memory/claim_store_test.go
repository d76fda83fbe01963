package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

func TestClaimStore_UniqueBySignature(t *testing.T) {
	store := NewClaimStore()
	ctx := context.Background()

	rec := &domain.ClaimRecord{Signature: "sig", Wallet: "A", Amount: 10, SnapshotIDs: []int64{1}, Timestamp: 5}
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, rec); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	got, err := store.Get(ctx, "sig")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Amount != 10 {
		t.Errorf("Amount mismatch: got %d, want 10", got.Amount)
	}
}

func TestClaimStore_ListRecent(t *testing.T) {
	store := NewClaimStore()
	ctx := context.Background()

	for i, sig := range []string{"a", "b", "c"} {
		if err := store.Insert(ctx, &domain.ClaimRecord{Signature: sig, Wallet: "W", Timestamp: int64(i)}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	list, _ := store.ListRecent(ctx, 2)
	if len(list) != 2 || list[0].Signature != "c" || list[1].Signature != "b" {
		t.Errorf("unexpected order: %+v", list)
	}
}

func TestPreviewStore_ConsumeOnce(t *testing.T) {
	store := NewPreviewStore()
	ctx := context.Background()

	p := &domain.Preview{PreviewID: "p1", Wallet: "A", SnapshotIDs: []int64{1}, CreatedAt: 100}
	if err := store.Insert(ctx, p); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := store.Consume(ctx, "p1"); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if err := store.Consume(ctx, "p1"); !errors.Is(err, storage.ErrAlreadyConsumed) {
		t.Errorf("expected ErrAlreadyConsumed, got %v", err)
	}
	if err := store.Consume(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPreviewStore_DeleteCreatedBefore(t *testing.T) {
	store := NewPreviewStore()
	ctx := context.Background()

	_ = store.Insert(ctx, &domain.Preview{PreviewID: "old", Wallet: "A", CreatedAt: 100})
	_ = store.Insert(ctx, &domain.Preview{PreviewID: "new", Wallet: "A", CreatedAt: 300})

	n, err := store.DeleteCreatedBefore(ctx, 200)
	if err != nil {
		t.Fatalf("DeleteCreatedBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if _, err := store.Get(ctx, "new"); err != nil {
		t.Errorf("expected new preview to survive: %v", err)
	}
}

func TestCounterStore_Add(t *testing.T) {
	store := NewCounterStore()
	ctx := context.Background()

	if v, _ := store.Get(ctx, "total"); v != 0 {
		t.Errorf("initial value = %d, want 0", v)
	}
	store.Add(ctx, "total", 5)
	v, err := store.Add(ctx, "total", 7)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if v != 12 {
		t.Errorf("value = %d, want 12", v)
	}
}

func TestArchiveStore_DailyClaimTotals(t *testing.T) {
	store := NewArchiveStore()
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	day := func(d int) int64 { return time.Date(2026, 5, d, 12, 0, 0, 0, time.UTC).UnixMilli() }
	_ = store.ArchiveClaim(ctx, &domain.ClaimRecord{Signature: "a", Amount: 10, Timestamp: day(10)})
	_ = store.ArchiveClaim(ctx, &domain.ClaimRecord{Signature: "b", Amount: 5, Timestamp: day(10)})
	_ = store.ArchiveClaim(ctx, &domain.ClaimRecord{Signature: "b", Amount: 5, Timestamp: day(10)})
	_ = store.ArchiveClaim(ctx, &domain.ClaimRecord{Signature: "c", Amount: 1, Timestamp: day(9)})
	_ = store.ArchiveClaim(ctx, &domain.ClaimRecord{Signature: "d", Amount: 1, Timestamp: day(1)})

	totals, err := store.DailyClaimTotals(ctx, 2)
	if err != nil {
		t.Fatalf("DailyClaimTotals failed: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("expected 2 days, got %d", len(totals))
	}
	if totals[1].Day != "2026-05-10" || totals[1].Claims != 2 || totals[1].Amount != 15 {
		t.Errorf("unexpected today totals: %+v", totals[1])
	}
}
