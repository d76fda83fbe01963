// Package snapshot captures each cycle's eligible holders once and turns the
// prepared reward into per-wallet entitlements.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/entitlement"
	"reward-distributor/internal/holders"
	"reward-distributor/internal/idhash"
	"reward-distributor/internal/observability"
	"reward-distributor/internal/singleflight"
	"reward-distributor/internal/storage"
	"reward-distributor/internal/window"
)

// Notes attached to results.
const (
	NoteRaceWonElsewhere    = "race_won_elsewhere"
	NotePrepNotReady        = "prep_not_ready"
	NoteHoldersUnavailable  = "holders_unavailable"
	NoteStoreUnavailable    = "store_unavailable"
	NoteEntitlementsPending = "entitlements_pending"
	NoteRecovered           = "recovered"
)

// Options configures an Engine.
type Options struct {
	Snapshots storage.SnapshotStore
	Preps     storage.PrepStore
	// Archive receives a copy of every taken snapshot. Optional.
	Archive storage.ArchiveStore
	Ledger  *entitlement.Ledger
	Holders holders.Directory

	Schedule window.Schedule
	// ReserveBps is the fraction of the acquired reward that is allocated.
	ReserveBps uint64
	// PrefetchLead is how long before the snapshot deadline the holder
	// cache starts warming.
	PrefetchLead time.Duration
	// RecoveryDelay is how old a snapshot without entitlements must be
	// before another caller completes it.
	RecoveryDelay time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Result is the outcome of RunSnapshot.
type Result struct {
	Status   domain.SnapshotStatus
	CycleID  int64
	EtaMs    int64 // pending only
	Snapshot *domain.Snapshot
	Note     string
	Inserted int // entitlement rows written by this call
}

// Engine takes snapshots.
type Engine struct {
	snapshots storage.SnapshotStore
	preps     storage.PrepStore
	archive   storage.ArchiveStore
	ledger    *entitlement.Ledger
	holders   holders.Directory

	schedule      window.Schedule
	reserveBps    uint64
	prefetchLead  time.Duration
	recoveryDelay time.Duration
	clock         clockwork.Clock
	log           *slog.Logger
	flight        *singleflight.Group[Result]
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if err := opts.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if opts.ReserveBps == 0 || opts.ReserveBps > 10_000 {
		return nil, fmt.Errorf("snapshot: reserve must be within (0, 10000] bps, got %d", opts.ReserveBps)
	}
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = 2 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		snapshots:     opts.Snapshots,
		preps:         opts.Preps,
		archive:       opts.Archive,
		ledger:        opts.Ledger,
		holders:       opts.Holders,
		schedule:      opts.Schedule,
		reserveBps:    opts.ReserveBps,
		prefetchLead:  opts.PrefetchLead,
		recoveryDelay: opts.RecoveryDelay,
		clock:         opts.Clock,
		log:           opts.Logger,
		flight:        singleflight.New[Result](0, opts.Clock),
	}, nil
}

// Get returns the snapshot for cycleID, or nil if none was taken.
func (e *Engine) Get(ctx context.Context, cycleID int64) (*domain.Snapshot, error) {
	s, err := e.snapshots.Get(ctx, cycleID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient(NoteStoreUnavailable, err)
	}
	return s, nil
}

// RunSnapshot takes the snapshot for cycleID if now is inside its window.
// Outcomes are reported in Result.Status; an error is only returned for an
// invalid cycle id. StatusError outcomes are retryable.
func (e *Engine) RunSnapshot(ctx context.Context, cycleID int64, now time.Time) (Result, error) {
	if cycleID <= 0 || !e.schedule.IsBoundary(cycleID) {
		return Result{}, domain.Validationf("invalid_cycle", "cycle id %d is not a window boundary", cycleID)
	}

	c := e.schedule.ForID(cycleID)
	nowMs := now.UnixMilli()

	if nowMs < c.SnapshotDeadline {
		eta := c.SnapshotDeadline - nowMs
		if eta <= e.prefetchLead.Milliseconds() {
			e.holders.Prefetch(ctx)
		}
		return e.outcome(Result{Status: domain.SnapshotPending, CycleID: cycleID, EtaMs: eta}), nil
	}

	existing, err := e.snapshots.Get(ctx, cycleID)
	if err == nil {
		return e.outcome(e.taken(ctx, existing)), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		e.log.Warn("snapshot: read failed", "cycle_id", cycleID, "error", err)
		return e.outcome(Result{Status: domain.SnapshotError, CycleID: cycleID, Note: NoteStoreUnavailable}), nil
	}

	if nowMs > c.GraceDeadline {
		return e.outcome(Result{Status: domain.SnapshotMissed, CycleID: cycleID}), nil
	}

	res, _, err := e.flight.Do(ctx, flightKey(cycleID), func(ctx context.Context) (Result, error) {
		return e.take(ctx, c, nowMs), nil
	})
	if err != nil {
		// Only the caller's context can fail a flight.
		return e.outcome(Result{Status: domain.SnapshotError, CycleID: cycleID, Note: err.Error()}), nil
	}
	return e.outcome(res), nil
}

func flightKey(cycleID int64) string {
	return strconv.FormatInt(cycleID, 10)
}

func (e *Engine) outcome(r Result) Result {
	observability.RecordSnapshot(string(r.Status))
	return r
}

// take runs inside the per-cycle flight.
func (e *Engine) take(ctx context.Context, c domain.Cycle, nowMs int64) Result {
	fail := func(note string, err error) Result {
		e.log.Warn("snapshot: not taken", "cycle_id", c.ID, "reason", note, "error", err)
		return Result{Status: domain.SnapshotError, CycleID: c.ID, Note: note}
	}

	existing, err := e.snapshots.Get(ctx, c.ID)
	if err == nil {
		return e.complete(ctx, existing, "")
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fail(NoteStoreUnavailable, err)
	}

	holderList, err := e.holders.ListEligibleHolders(ctx)
	if err != nil {
		return fail(NoteHoldersUnavailable, err)
	}

	p, err := e.preps.Get(ctx, c.ID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !p.Status.Terminal()) {
		return fail(NotePrepNotReady, err)
	}
	if err != nil {
		return fail(NoteStoreUnavailable, err)
	}

	allocated := p.AcquiredReward.BasisPoints(e.reserveBps)
	shares, total := Allocate(holderList, allocated)

	snap := &domain.Snapshot{
		CycleID:              c.ID,
		SnapshotID:           c.ID,
		Timestamp:            nowMs,
		AcquiredReward:       p.AcquiredReward,
		AllocatedReward:      allocated,
		EligibleHolderCount:  len(holderList),
		TotalEligibleBalance: total,
		HoldersHash:          idhash.ComputeHoldersHash(c.ID, holderList),
		Holders:              holderList,
		CreatedAt:            e.clock.Now().UnixMilli(),
	}

	if err := e.snapshots.Create(ctx, snap); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Another writer owns the entitlements for this cycle.
			winner, gerr := e.snapshots.Get(ctx, c.ID)
			if gerr != nil {
				return fail(NoteStoreUnavailable, gerr)
			}
			e.log.Info("snapshot: race won elsewhere", "cycle_id", c.ID)
			return Result{Status: domain.SnapshotTaken, CycleID: c.ID, Snapshot: winner, Note: NoteRaceWonElsewhere}
		}
		return fail(NoteStoreUnavailable, err)
	}

	res := e.writeEntitlements(ctx, snap, shares)
	if res.Note == "" {
		observability.RecordSnapshotTaken(snap.EligibleHolderCount, res.Inserted, e.clock.Now())
	}
	e.log.Info("snapshot: taken",
		"cycle_id", c.ID,
		"holders", snap.EligibleHolderCount,
		"acquired", uint64(snap.AcquiredReward),
		"allocated", uint64(snap.AllocatedReward),
		"shares", len(shares),
		"holders_hash", snap.HoldersHash,
	)
	return res
}

// taken reports an existing snapshot, completing it first if a crash left
// its entitlements unwritten.
func (e *Engine) taken(ctx context.Context, snap *domain.Snapshot) Result {
	if snap.EntitlementsWritten || !e.recoverable(snap) {
		return Result{Status: domain.SnapshotTaken, CycleID: snap.CycleID, Snapshot: snap}
	}
	res, _, err := e.flight.Do(ctx, flightKey(snap.CycleID), func(ctx context.Context) (Result, error) {
		cur, err := e.snapshots.Get(ctx, snap.CycleID)
		if err != nil {
			return Result{}, err
		}
		return e.complete(ctx, cur, NoteRecovered), nil
	})
	if err != nil {
		e.log.Warn("snapshot: recovery read failed", "cycle_id", snap.CycleID, "error", err)
		return Result{Status: domain.SnapshotTaken, CycleID: snap.CycleID, Snapshot: snap, Note: NoteEntitlementsPending}
	}
	return res
}

func (e *Engine) recoverable(snap *domain.Snapshot) bool {
	return e.clock.Now().UnixMilli()-snap.CreatedAt >= e.recoveryDelay.Milliseconds()
}

// complete writes the entitlements of a stored snapshot that has none yet.
// Shares are recomputed from the stored holder list, so the rows match what
// the original writer would have produced.
func (e *Engine) complete(ctx context.Context, snap *domain.Snapshot, note string) Result {
	if snap.EntitlementsWritten || !e.recoverable(snap) {
		return Result{Status: domain.SnapshotTaken, CycleID: snap.CycleID, Snapshot: snap}
	}

	shares, _ := Allocate(snap.Holders, snap.AllocatedReward)
	res := e.writeEntitlements(ctx, snap, shares)
	if res.Note == "" {
		res.Note = note
		observability.RecordSnapshotRecovered(res.Inserted)
		e.log.Warn("snapshot: recovered entitlements",
			"cycle_id", snap.CycleID,
			"inserted", res.Inserted,
		)
	}
	return res
}

// writeEntitlements upserts the rows, marks the snapshot complete and
// archives it. A failure leaves the snapshot for recovery.
func (e *Engine) writeEntitlements(ctx context.Context, snap *domain.Snapshot, shares []domain.Share) Result {
	res := Result{Status: domain.SnapshotTaken, CycleID: snap.CycleID, Snapshot: snap}

	inserted, err := e.ledger.Write(ctx, snap.SnapshotID, shares)
	res.Inserted = inserted
	if err != nil {
		e.log.Error("snapshot: entitlements not written", "cycle_id", snap.CycleID, "error", err)
		res.Note = NoteEntitlementsPending
		return res
	}
	if err := e.snapshots.MarkEntitlementsWritten(ctx, snap.CycleID); err != nil {
		e.log.Error("snapshot: mark written failed", "cycle_id", snap.CycleID, "error", err)
		res.Note = NoteEntitlementsPending
		return res
	}
	snap.EntitlementsWritten = true

	if e.archive != nil {
		if err := e.archive.ArchiveSnapshot(ctx, snap, shares); err != nil {
			e.log.Warn("snapshot: archive failed", "cycle_id", snap.CycleID, "error", err)
		}
	}
	return res
}

// RecoverPending completes recent snapshots whose entitlements were never
// marked written. It returns the number of snapshots completed.
func (e *Engine) RecoverPending(ctx context.Context, limit int) (int, error) {
	recent, err := e.snapshots.ListRecent(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("snapshot: list recent: %w", err)
	}

	recovered := 0
	for _, s := range recent {
		if s.EntitlementsWritten || !e.recoverable(s) {
			continue
		}
		res := e.taken(ctx, s)
		if res.Note == NoteRecovered {
			recovered++
		}
	}
	return recovered, nil
}
