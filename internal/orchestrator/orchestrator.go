// Package orchestrator assembles the distributor from a validated config
// and runs its long-lived parts: HTTP API, cycle worker and janitor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"reward-distributor/internal/api"
	"reward-distributor/internal/claim"
	"reward-distributor/internal/config"
	"reward-distributor/internal/entitlement"
	"reward-distributor/internal/feecollect"
	"reward-distributor/internal/holders"
	"reward-distributor/internal/lock"
	"reward-distributor/internal/observability"
	"reward-distributor/internal/prep"
	"reward-distributor/internal/ratelimit"
	"reward-distributor/internal/retry"
	"reward-distributor/internal/snapshot"
	"reward-distributor/internal/solana"
	"reward-distributor/internal/storage"
	chstore "reward-distributor/internal/storage/clickhouse"
	"reward-distributor/internal/storage/memory"
	"reward-distributor/internal/storage/migrations"
	pgstore "reward-distributor/internal/storage/postgres"
	"reward-distributor/internal/swap"
	"reward-distributor/internal/worker"
)

const (
	prepLeaseTTL     = 5 * time.Minute
	prefetchLead     = 30 * time.Second
	recoveryDelay    = 2 * time.Minute
	walletLockTTL    = 2 * time.Minute
	shutdownTimeout  = 15 * time.Second
	entitlementBatch = 500
	ledgerWorkers    = 4
)

// Options for creating an Orchestrator.
type Options struct {
	Config *config.Config
	Logger *slog.Logger

	// RPC replaces the client for Config.RPCEndpoint.
	RPC solana.RPCClient
	// Stores replaces the configured storage backends.
	Stores *storage.Stores
	// Collector replaces the fee collection API client.
	Collector feecollect.Collector
	Clock     clockwork.Clock
}

// Orchestrator owns every component of a running distributor.
type Orchestrator struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clockwork.Clock

	Stores    *storage.Stores
	Network   *solana.Network
	Holders   holders.Directory
	Ledger    *entitlement.Ledger
	Prep      *prep.Engine
	Snapshots *snapshot.Engine
	Claims    *claim.Service
	Locks     lock.Locker
	Limiters  map[string]*ratelimit.Limiter

	closers []func()
}

// New connects storage and upstreams and builds the engines. Close releases
// everything New opened, also when New fails halfway.
func New(ctx context.Context, opts Options) (o *Orchestrator, err error) {
	if opts.Config == nil {
		return nil, errors.New("orchestrator: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	cfg := opts.Config
	o = &Orchestrator{cfg: cfg, log: opts.Logger, clock: opts.Clock}
	defer func() {
		if err != nil {
			o.Close()
			o = nil
		}
	}()

	o.Stores = opts.Stores
	if o.Stores == nil {
		if o.Stores, err = o.openStores(ctx); err != nil {
			return nil, err
		}
	}

	primary := opts.RPC
	if primary == nil {
		primary = solana.NewHTTPClient(cfg.RPCEndpoint)
	}
	o.Network = o.newNetwork(ctx, primary)

	o.Holders = holders.NewRPCDirectory(primary, holders.Config{
		Mint:       cfg.HolderMintKey,
		MinBalance: cfg.MinHolderRaw,
		Exclude: append(append([]string(nil), cfg.Exclude...),
			cfg.Operator.PublicKey().String(), cfg.Treasury.PublicKey().String()),
		CacheTTL: cfg.HolderCacheTTL,
		Clock:    o.clock,
		Logger:   o.log,
	})

	o.Ledger = entitlement.New(entitlement.Options{
		Entitlements: o.Stores.Entitlements,
		Counters:     o.Stores.Counters,
		BatchSize:    entitlementBatch,
		MaxWorkers:   ledgerWorkers,
		Clock:        o.clock,
		Logger:       o.log,
	})
	o.closers = append(o.closers, o.Ledger.Close)

	collector := opts.Collector
	if collector == nil {
		collector = o.newCollector()
	}

	o.Prep, err = prep.New(prep.Options{
		Preps:     o.Stores.Preps,
		Network:   o.Network,
		Collector: collector,
		Swap: swap.NewJupiterClient(swap.JupiterConfig{
			BaseURL:    cfg.SwapAPI,
			OutputMint: cfg.RewardMintKey,
			Timeout:    20 * time.Second,
			Retry:      retry.DefaultConfig(),
			Logger:     o.log,
		}, o.Network),
		Operator:   cfg.Operator,
		Treasury:   cfg.Treasury,
		RewardMint: cfg.RewardMintKey,
		Split: prep.Split{
			OperatorBps: cfg.OperatorBps,
			TreasuryBps: cfg.TreasuryBps,
			BufferBps:   cfg.BufferBps,
		},
		MinBufferLamports:  cfg.MinBufferLamports,
		FeeReserveLamports: cfg.FeeReserveLamports,
		MinSwapLamports:    cfg.MinSwapLamports,
		SlippageLadder:     prep.DefaultSlippageLadder,
		LeaseTTL:           prepLeaseTTL,
		Poll:               retry.Config{MaxAttempts: 10, BaseBackoff: time.Second, MaxBackoff: 5 * time.Second},
		Owner:              leaseOwner(),
		Clock:              o.clock,
		Logger:             o.log,
	})
	if err != nil {
		return nil, err
	}

	o.Snapshots, err = snapshot.New(snapshot.Options{
		Snapshots:     o.Stores.Snapshots,
		Preps:         o.Stores.Preps,
		Archive:       o.Stores.Archive,
		Ledger:        o.Ledger,
		Holders:       o.Holders,
		Schedule:      cfg.ScheduleSettings,
		ReserveBps:    cfg.ReserveBps,
		PrefetchLead:  prefetchLead,
		RecoveryDelay: recoveryDelay,
		Clock:         o.clock,
		Logger:        o.log,
	})
	if err != nil {
		return nil, err
	}

	if o.Locks, err = o.newLocker(ctx); err != nil {
		return nil, err
	}

	o.Claims, err = claim.New(claim.Options{
		Ledger:      o.Ledger,
		Claims:      o.Stores.Claims,
		Previews:    o.Stores.Previews,
		Archive:     o.Stores.Archive,
		Network:     o.Network,
		Locks:       o.Locks,
		Treasury:    cfg.Treasury,
		Operator:    cfg.Operator.PublicKey(),
		RewardMint:  cfg.RewardMintKey,
		Decimals:    cfg.RewardDecimals,
		FeeLamports: cfg.ClaimFeeLamports,
		CacheTTL:    cfg.ClaimCacheTTL,
		PreviewTTL:  cfg.PreviewTTL,
		Settle:      retry.DefaultConfig(),
		Clock:       o.clock,
		Logger:      o.log,
	})
	if err != nil {
		return nil, err
	}

	o.Limiters = map[string]*ratelimit.Limiter{
		"ip":      o.newLimiter("ip", cfg.IPRatePerMin),
		"preview": o.newLimiter("preview", cfg.PreviewRatePerMin),
		"submit":  o.newLimiter("submit", cfg.SubmitRatePerMin),
	}
	return o, nil
}

func (o *Orchestrator) openStores(ctx context.Context) (*storage.Stores, error) {
	cfg := o.cfg
	if cfg.UseMemory {
		o.log.Warn("orchestrator: using in-memory storage, state is lost on restart")
		return memory.NewStores(), nil
	}

	if err := migrations.RunPostgresMigrations(ctx, o.log, cfg.PostgresDSN); err != nil {
		return nil, err
	}
	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	o.closers = append(o.closers, pool.Close)
	stores := pgstore.NewStores(pool)

	if cfg.ClickHouseDSN == "" {
		stores.Archive = memory.NewArchiveStore()
		return stores, nil
	}
	conn, err := migrations.RunClickhouseMigrations(ctx, o.log, cfg.ClickHouseDSN)
	if err != nil {
		return nil, err
	}
	o.closers = append(o.closers, func() { _ = conn.Close() })
	stores.Archive = chstore.NewArchiveStore(conn)
	return stores, nil
}

func (o *Orchestrator) newNetwork(ctx context.Context, primary solana.RPCClient) *solana.Network {
	opts := []solana.NetworkOption{
		solana.WithRetry(retry.DefaultConfig()),
		solana.WithBroadcastHook(observability.RecordBroadcast),
		solana.WithLogger(o.log),
	}
	if o.cfg.RPCSecondaryEndpoint != "" {
		opts = append(opts, solana.WithSecondary(solana.NewHTTPClient(o.cfg.RPCSecondaryEndpoint)))
	}
	if o.cfg.WSEndpoint != "" {
		wsCfg := solana.DefaultWSConfig()
		wsCfg.Logger = o.log
		ws, err := solana.NewWSClient(ctx, o.cfg.WSEndpoint, &wsCfg)
		if err != nil {
			// Confirmation falls back to status polling.
			o.log.Warn("orchestrator: websocket unavailable", "endpoint", o.cfg.WSEndpoint, "error", err)
		} else {
			o.closers = append(o.closers, func() { _ = ws.Close() })
			opts = append(opts, solana.WithSubscriber(ws))
		}
	}
	return solana.NewNetwork(primary, opts...)
}

func (o *Orchestrator) newCollector() feecollect.Collector {
	if o.cfg.FeeCollectAPI == "" {
		o.log.Warn("orchestrator: no fee collection API configured, prepare only distributes balance deltas")
		return feecollect.Func(func(context.Context) (feecollect.Result, error) {
			return feecollect.Result{}, nil
		})
	}
	return feecollect.NewAPICollector(feecollect.Config{
		URL:     o.cfg.FeeCollectAPI,
		Marker:  o.cfg.FeeCollectMarker,
		Timeout: 30 * time.Second,
		Retry:   retry.DefaultConfig(),
		Verify:  retry.Config{MaxAttempts: 10, BaseBackoff: time.Second, MaxBackoff: 5 * time.Second},
		Logger:  o.log,
	}, o.cfg.Operator, o.Network)
}

func (o *Orchestrator) newLocker(ctx context.Context) (lock.Locker, error) {
	if o.cfg.RedisURL == "" {
		if !o.cfg.UseMemory {
			// Instances sharing the store would not see each other's locks.
			o.log.Warn("orchestrator: wallet locks are process-local; run one instance or set --redis-url")
		}
		return lock.NewMemory(), nil
	}
	r, err := lock.NewRedis(ctx, o.cfg.RedisURL, walletLockTTL, o.log)
	if err != nil {
		return nil, err
	}
	o.closers = append(o.closers, func() { _ = r.Close() })
	return r, nil
}

func (o *Orchestrator) newLimiter(scope string, perMinute int) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		Rate:  ratelimit.PerMinute(perMinute),
		Burst: max(1, perMinute),
		Scope: scope,
		Clock: o.clock,
	})
}

// leaseOwner identifies this process in prep leases.
func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Server builds the HTTP API on the orchestrator's components.
func (o *Orchestrator) Server() (*api.Server, error) {
	return api.New(api.Config{
		Addr:           o.cfg.ListenAddr,
		Schedule:       o.cfg.ScheduleSettings,
		Unit:           o.cfg.Unit,
		Decimals:       o.cfg.RewardDecimals,
		Prep:           o.Prep,
		Snapshots:      o.Snapshots,
		Claims:         o.Claims,
		Ledger:         o.Ledger,
		History:        o.Stores.Claims,
		Archive:        o.Stores.Archive,
		JWTSecret:      []byte(o.cfg.JWTSecret),
		CORSOrigins:    o.cfg.CORSOrigins,
		IPLimiter:      o.Limiters["ip"],
		PreviewLimiter: o.Limiters["preview"],
		SubmitLimiter:  o.Limiters["submit"],
		Clock:          o.clock,
		Logger:         o.log,
	})
}

// Worker builds the cycle worker.
func (o *Orchestrator) Worker() *worker.Worker {
	return worker.New(worker.Options{
		Prep:     o.Prep,
		Snapshot: o.Snapshots,
		Schedule: o.cfg.ScheduleSettings,
		Clock:    o.clock,
		Logger:   o.log,
	})
}

// Janitor builds the housekeeping cron.
func (o *Orchestrator) Janitor(ctx context.Context) (*worker.Janitor, error) {
	return worker.NewJanitor(ctx, worker.JanitorOptions{
		Spec:      o.cfg.JanitorSpec,
		Previews:  o.Claims,
		Snapshots: o.Snapshots,
		Totals:    o.Ledger,
		Limiters:  o.Limiters,
		Logger:    o.log,
	})
}

// Run serves the API and runs the worker and janitor until ctx is done,
// then shuts the server down gracefully.
func (o *Orchestrator) Run(ctx context.Context) error {
	srv, err := o.Server()
	if err != nil {
		return err
	}
	janitor, err := o.Janitor(ctx)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := o.Worker().Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// Close releases connections in reverse order of opening.
func (o *Orchestrator) Close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
	o.closers = nil
}
