package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/observability"
	"reward-distributor/internal/ratelimit"
)

// PreviewPruner drops expired claim previews.
type PreviewPruner interface {
	PrunePreviews(ctx context.Context) (int, error)
	PruneCache() int
}

// SnapshotRecoverer completes snapshots left without entitlements.
type SnapshotRecoverer interface {
	RecoverPending(ctx context.Context, limit int) (int, error)
}

// TotalReader reads the distributed running total.
type TotalReader interface {
	RunningTotal(ctx context.Context) (domain.Amount, error)
}

// JanitorOptions configures a Janitor. Nil dependencies are skipped.
type JanitorOptions struct {
	// Spec is a robfig/cron schedule; the default runs every minute.
	Spec      string
	Previews  PreviewPruner
	Snapshots SnapshotRecoverer
	Totals    TotalReader
	// Limiters are pruned of idle keys, labelled by scope.
	Limiters map[string]*ratelimit.Limiter
	// RecoverLimit is how many recent snapshots are checked per run.
	RecoverLimit int
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Janitor runs housekeeping on a cron schedule.
type Janitor struct {
	cron *cron.Cron
	opts JanitorOptions
	log  *slog.Logger
}

// NewJanitor creates a Janitor and registers its job.
func NewJanitor(ctx context.Context, opts JanitorOptions) (*Janitor, error) {
	if opts.Spec == "" {
		opts.Spec = "@every 1m"
	}
	if opts.RecoverLimit <= 0 {
		opts.RecoverLimit = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	logger := cronLogger{log: opts.Logger}
	j := &Janitor{
		cron: cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		opts: opts,
		log:  opts.Logger,
	}

	_, err := j.cron.AddFunc(opts.Spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		j.RunOnce(runCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("janitor: schedule %q: %w", opts.Spec, err)
	}
	return j, nil
}

// Start starts the scheduler.
func (j *Janitor) Start() {
	j.cron.Start()
	j.log.Info("janitor: started", "spec", j.opts.Spec)
}

// Stop stops the scheduler and waits for a running job.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce performs one housekeeping pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	if p := j.opts.Previews; p != nil {
		n, err := p.PrunePreviews(ctx)
		if err != nil {
			j.log.Warn("janitor: prune previews failed", "error", err)
		} else if n > 0 {
			observability.RecordPreviewsPruned(n)
			j.log.Debug("janitor: pruned previews", "removed", n)
		}
		p.PruneCache()
	}

	for scope, l := range j.opts.Limiters {
		l.Prune()
		observability.UpdateLimiterKeys(scope, l.Len())
	}

	if s := j.opts.Snapshots; s != nil {
		n, err := s.RecoverPending(ctx, j.opts.RecoverLimit)
		if err != nil {
			j.log.Warn("janitor: snapshot recovery failed", "error", err)
		} else if n > 0 {
			j.log.Warn("janitor: recovered snapshots", "count", n)
		}
	}

	if t := j.opts.Totals; t != nil {
		total, err := t.RunningTotal(ctx)
		if err != nil {
			j.log.Warn("janitor: read running total failed", "error", err)
		} else {
			observability.UpdateDistributedTotal(uint64(total))
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("janitor: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("janitor: "+msg, append(keysAndValues, "error", err)...)
}
