// Package worker drives distribution cycles in the background and runs
// periodic housekeeping.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/observability"
	"reward-distributor/internal/prep"
	"reward-distributor/internal/retry"
	"reward-distributor/internal/snapshot"
	"reward-distributor/internal/window"
)

// Preparer runs the prepare step of a cycle.
type Preparer interface {
	RunPrepare(ctx context.Context, cycleID int64) (prep.Result, error)
}

// Snapshotter takes the snapshot of a cycle.
type Snapshotter interface {
	RunSnapshot(ctx context.Context, cycleID int64, now time.Time) (snapshot.Result, error)
}

// Options configures a Worker.
type Options struct {
	Prep     Preparer
	Snapshot Snapshotter
	Schedule window.Schedule
	// RetryInterval is the base delay between failed attempts.
	RetryInterval time.Duration
	// MaxRetryInterval caps the backoff.
	MaxRetryInterval time.Duration
	// PrepCutoff stops prepare retries this long before the snapshot
	// deadline.
	PrepCutoff time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Worker walks every cycle through prepare and snapshot. Engines are
// idempotent, so a second worker on another instance only costs RPC calls.
type Worker struct {
	prep     Preparer
	snapshot Snapshotter
	schedule window.Schedule
	backoff  retry.Config
	cutoff   time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

// New creates a Worker.
func New(opts Options) *Worker {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.MaxRetryInterval < opts.RetryInterval {
		opts.MaxRetryInterval = 60 * time.Second
	}
	if opts.PrepCutoff <= 0 {
		opts.PrepCutoff = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		prep:     opts.Prep,
		snapshot: opts.Snapshot,
		schedule: opts.Schedule,
		backoff: retry.Config{
			BaseBackoff: opts.RetryInterval,
			MaxBackoff:  opts.MaxRetryInterval,
		},
		cutoff: opts.PrepCutoff,
		clock:  opts.Clock,
		log:    opts.Logger,
	}
}

// Run catches up on a snapshot window open at boot, then runs cycles until
// ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker: started", "window", w.schedule.Window)
	w.CatchUp(ctx)

	c := w.schedule.For(w.clock.Now())
	for {
		w.RunCycle(ctx, c)
		if err := ctx.Err(); err != nil {
			w.log.Info("worker: stopped")
			return err
		}
		c = w.schedule.Next(c)
	}
}

// CatchUp makes one snapshot attempt for the current and previous cycle if
// now is inside their grace window. It covers a restart that landed
// between a snapshot deadline and its grace deadline.
func (w *Worker) CatchUp(ctx context.Context) {
	nowMs := w.clock.Now().UnixMilli()
	cur := w.schedule.ForMillis(nowMs)

	for _, c := range []domain.Cycle{w.schedule.Previous(cur), cur} {
		if !c.InGrace(nowMs) {
			continue
		}
		res, err := w.snapshot.RunSnapshot(ctx, c.ID, w.clock.Now())
		if err != nil {
			w.log.Warn("worker: catch-up snapshot failed", "cycle_id", c.ID, "error", err)
			continue
		}
		observability.RecordWorkerPhase("catchup", string(res.Status))
		w.log.Info("worker: catch-up snapshot", "cycle_id", c.ID, "status", res.Status, "note", res.Note)
	}
}

// RunCycle waits for and runs the prepare and snapshot phases of c. It
// returns once the snapshot is settled or the window has passed.
func (w *Worker) RunCycle(ctx context.Context, c domain.Cycle) {
	if w.clock.Now().UnixMilli() > c.GraceDeadline {
		return
	}

	if err := w.sleepUntil(ctx, c.PrepDeadline); err != nil {
		return
	}
	if w.clock.Now().UnixMilli() < c.SnapshotDeadline {
		w.runPrep(ctx, c)
	}

	if err := w.sleepUntil(ctx, c.SnapshotDeadline); err != nil {
		return
	}
	w.runSnapshot(ctx, c)

	_ = w.sleepUntil(ctx, c.End)
}

func (w *Worker) runPrep(ctx context.Context, c domain.Cycle) {
	giveUp := c.SnapshotDeadline - w.cutoff.Milliseconds()

	for attempt := 0; ; attempt++ {
		res, err := w.prep.RunPrepare(ctx, c.ID)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil && domain.KindOf(err) == domain.KindValidation:
			w.log.Error("worker: prepare rejected", "cycle_id", c.ID, "error", err)
			observability.RecordWorkerPhase("prep", "rejected")
			return
		case err != nil:
			w.log.Warn("worker: prepare failed", "cycle_id", c.ID, "attempt", attempt+1, "error", err)
		case res.Step != domain.StepInProgress:
			observability.RecordWorkerPhase("prep", string(res.Step))
			w.log.Info("worker: prepared", "cycle_id", c.ID, "step", res.Step)
			return
		}

		delay := retry.Backoff(w.backoff, attempt)
		if w.clock.Now().Add(delay).UnixMilli() >= giveUp {
			observability.RecordWorkerPhase("prep", "gave_up")
			w.log.Warn("worker: prepare not terminal before snapshot", "cycle_id", c.ID, "attempts", attempt+1)
			return
		}
		if err := w.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (w *Worker) runSnapshot(ctx context.Context, c domain.Cycle) {
	stop := c.GraceDeadline + w.backoff.MaxBackoff.Milliseconds()

	for attempt := 0; ; attempt++ {
		now := w.clock.Now()
		res, err := w.snapshot.RunSnapshot(ctx, c.ID, now)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.log.Error("worker: snapshot rejected", "cycle_id", c.ID, "error", err)
			return
		}

		var delay time.Duration
		switch res.Status {
		case domain.SnapshotTaken, domain.SnapshotMissed:
			observability.RecordWorkerPhase("snapshot", string(res.Status))
			w.log.Info("worker: snapshot settled",
				"cycle_id", c.ID,
				"status", res.Status,
				"inserted", res.Inserted,
				"note", res.Note,
			)
			return
		case domain.SnapshotPending:
			delay = time.Duration(res.EtaMs) * time.Millisecond
		default:
			w.log.Warn("worker: snapshot not taken", "cycle_id", c.ID, "attempt", attempt+1, "note", res.Note)
			delay = retry.Backoff(w.backoff, attempt)
		}

		if now.Add(delay).UnixMilli() > stop {
			observability.RecordWorkerPhase("snapshot", "gave_up")
			w.log.Error("worker: snapshot abandoned", "cycle_id", c.ID, "note", res.Note)
			return
		}
		if err := w.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (w *Worker) sleepUntil(ctx context.Context, ms int64) error {
	return w.sleep(ctx, time.Duration(ms-w.clock.Now().UnixMilli())*time.Millisecond)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := w.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}
