package postgres

import (
	"context"
	"errors"
	"testing"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/storage"
)

func TestPrepStore_LeaseLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPrepStore(pool)

	running := &domain.Prep{
		CycleID:    1000,
		Status:     domain.PrepRunning,
		LeaseOwner: "node-a",
		StartedAt:  500,
	}
	if err := store.Create(ctx, running); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := store.Create(ctx, running)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Create duplicate: expected ErrDuplicateKey, got %v", err)
	}

	// Stale owner info loses the takeover race.
	err = store.Takeover(ctx, 1000, "node-x", 500, "node-b", 900)
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("Takeover with wrong owner: expected ErrConflict, got %v", err)
	}
	if err := store.Takeover(ctx, 1000, "node-a", 500, "node-b", 900); err != nil {
		t.Fatalf("Takeover failed: %v", err)
	}

	// The previous owner can no longer finalize.
	done := &domain.Prep{
		CycleID:           1000,
		Status:            domain.PrepOK,
		AcquiredReward:    123_456,
		CollectedLamports: 2_000_000,
		TreasuryLamports:  1_000_000,
		SwapInLamports:    990_000,
		SlippageBps:       100,
		CollectSignature:  "c1",
		TransferSignature: "t1",
		SwapSignature:     "s1",
		LeaseOwner:        "node-a",
		FinishedAt:        1200,
	}
	err = store.Finalize(ctx, done)
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("Finalize by old owner: expected ErrConflict, got %v", err)
	}

	done.LeaseOwner = "node-b"
	if err := store.Finalize(ctx, done); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	got, err := store.Get(ctx, 1000)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.PrepOK || got.AcquiredReward != 123_456 || got.SlippageBps != 100 {
		t.Errorf("unexpected prep: %+v", got)
	}
	if got.StartedAt != 900 || got.FinishedAt != 1200 {
		t.Errorf("timestamps: got started=%d finished=%d", got.StartedAt, got.FinishedAt)
	}

	// Terminal rows are never overwritten.
	done.Status = domain.PrepError
	err = store.Finalize(ctx, done)
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("Finalize terminal row: expected ErrConflict, got %v", err)
	}
}

func TestPrepStore_NotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPrepStore(pool)

	if _, err := store.Get(ctx, 42); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if err := store.Takeover(ctx, 42, "a", 1, "b", 2); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Takeover: expected ErrNotFound, got %v", err)
	}
	err := store.Finalize(ctx, &domain.Prep{CycleID: 42, Status: domain.PrepOK, LeaseOwner: "a"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Finalize: expected ErrNotFound, got %v", err)
	}
}

func TestPrepStore_ListRecent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPrepStore(pool)

	for _, id := range []int64{100, 300, 200} {
		err := store.Create(ctx, &domain.Prep{CycleID: id, Status: domain.PrepRunning, LeaseOwner: "n", StartedAt: id})
		if err != nil {
			t.Fatalf("Create %d failed: %v", id, err)
		}
	}

	got, err := store.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(got) != 2 || got[0].CycleID != 300 || got[1].CycleID != 200 {
		t.Errorf("unexpected order: %+v", got)
	}

	all, err := store.ListRecent(ctx, 0)
	if err != nil {
		t.Fatalf("ListRecent all failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 preps, got %d", len(all))
	}
}
