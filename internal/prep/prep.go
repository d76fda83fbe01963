// Package prep turns a cycle's accrued fees into the reward token.
//
// A run collects creator fees into the operating account, moves the
// treasury share of the observed increase to the treasury, swaps it into
// the reward token over a slippage ladder and records the acquired amount.
// Each cycle gets at most one terminal row; a running row is a lease that
// keeps two processes from collecting for the same cycle concurrently.
package prep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/feecollect"
	"reward-distributor/internal/observability"
	"reward-distributor/internal/retry"
	"reward-distributor/internal/singleflight"
	"reward-distributor/internal/solana"
	"reward-distributor/internal/storage"
	"reward-distributor/internal/swap"
)

// Split divides collected lamports in basis points. Only the treasury share
// leaves the operating account; the operator and buffer shares stay.
type Split struct {
	OperatorBps uint64
	TreasuryBps uint64
	BufferBps   uint64
}

// Validate checks that the shares cover exactly 100%.
func (s Split) Validate() error {
	if s.OperatorBps+s.TreasuryBps+s.BufferBps != 10_000 {
		return fmt.Errorf("split must sum to 10000 bps, got %d", s.OperatorBps+s.TreasuryBps+s.BufferBps)
	}
	return nil
}

// DefaultSlippageLadder is tried in order until a swap lands.
var DefaultSlippageLadder = []uint16{50, 100, 300}

// Options configures an Engine.
type Options struct {
	Preps     storage.PrepStore
	Network   *solana.Network
	Collector feecollect.Collector
	Swap      swap.Service

	Operator   solanago.PrivateKey // operating account, receives fees
	Treasury   solanago.PrivateKey // holds reward tokens, signs swaps
	RewardMint solanago.PublicKey

	Split Split
	// MinBufferLamports is always left on the operating account.
	MinBufferLamports uint64
	// FeeReserveLamports of each treasury transfer is not swapped.
	FeeReserveLamports uint64
	// MinSwapLamports is the dust threshold for the swap input.
	MinSwapLamports uint64
	SlippageLadder  []uint16

	// LeaseTTL is how long a running row is trusted before takeover.
	LeaseTTL time.Duration
	// Poll bounds the wait for balance changes to become visible.
	Poll retry.Config

	Owner  string
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Result is the outcome of RunPrepare.
type Result struct {
	Step domain.PrepStep
	Prep *domain.Prep
}

// Engine runs the prepare step.
type Engine struct {
	preps     storage.PrepStore
	net       *solana.Network
	collector feecollect.Collector
	swapper   swap.Service

	operator   solanago.PrivateKey
	treasury   solanago.PrivateKey
	rewardMint solanago.PublicKey

	split      Split
	minBuffer  uint64
	feeReserve uint64
	minSwap    uint64
	ladder     []uint16
	leaseTTL   time.Duration
	poll       retry.Config
	owner      string
	clock      clockwork.Clock
	log        *slog.Logger
	flight     *singleflight.Group[Result]
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if err := opts.Split.Validate(); err != nil {
		return nil, fmt.Errorf("prep: %w", err)
	}
	if len(opts.SlippageLadder) == 0 {
		opts.SlippageLadder = DefaultSlippageLadder
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.Poll.MaxAttempts <= 0 {
		opts.Poll = retry.Config{MaxAttempts: 10, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second}
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Engine{
		preps:      opts.Preps,
		net:        opts.Network,
		collector:  opts.Collector,
		swapper:    opts.Swap,
		operator:   opts.Operator,
		treasury:   opts.Treasury,
		rewardMint: opts.RewardMint,
		split:      opts.Split,
		minBuffer:  opts.MinBufferLamports,
		feeReserve: opts.FeeReserveLamports,
		minSwap:    opts.MinSwapLamports,
		ladder:     opts.SlippageLadder,
		leaseTTL:   opts.LeaseTTL,
		poll:       opts.Poll,
		owner:      opts.Owner,
		clock:      opts.Clock,
		log:        opts.Logger,
		flight:     singleflight.New[Result](0, opts.Clock),
	}, nil
}

// Get returns the prep row for cycleID, or nil if there is none.
func (e *Engine) Get(ctx context.Context, cycleID int64) (*domain.Prep, error) {
	p, err := e.preps.Get(ctx, cycleID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient("store_unavailable", err)
	}
	return p, nil
}

// RunPrepare drives cycleID to a terminal prep row. Concurrent calls in
// this process share one run; a run held by another process reports
// StepInProgress until its lease goes stale. Upstream failures that
// exhaust their retries end in a terminal error row, not an error return.
func (e *Engine) RunPrepare(ctx context.Context, cycleID int64) (Result, error) {
	if cycleID <= 0 {
		return Result{}, domain.Validationf("invalid_cycle", "cycle id must be positive")
	}
	res, _, err := e.flight.Do(ctx, strconv.FormatInt(cycleID, 10), func(ctx context.Context) (Result, error) {
		return e.run(ctx, cycleID)
	})
	return res, err
}

func (e *Engine) run(ctx context.Context, cycleID int64) (Result, error) {
	now := e.clock.Now().UnixMilli()

	existing, err := e.preps.Get(ctx, cycleID)
	switch {
	case err == nil && existing.Status.Terminal():
		return Result{Step: domain.StepAlreadyPrepared, Prep: existing}, nil

	case err == nil:
		if now-existing.StartedAt < e.leaseTTL.Milliseconds() {
			return Result{Step: domain.StepInProgress, Prep: existing}, nil
		}
		err := e.preps.Takeover(ctx, cycleID, existing.LeaseOwner, existing.StartedAt, e.owner, now)
		if errors.Is(err, storage.ErrConflict) {
			return e.current(ctx, cycleID)
		}
		if err != nil {
			return Result{}, domain.Transient("store_unavailable", err)
		}
		e.log.Warn("prep: took over stale lease",
			"cycle_id", cycleID,
			"previous_owner", existing.LeaseOwner,
			"lease_age_ms", now-existing.StartedAt,
		)

	case errors.Is(err, storage.ErrNotFound):
		lease := &domain.Prep{
			CycleID:    cycleID,
			Status:     domain.PrepRunning,
			LeaseOwner: e.owner,
			StartedAt:  now,
		}
		err := e.preps.Create(ctx, lease)
		if errors.Is(err, storage.ErrDuplicateKey) {
			return e.current(ctx, cycleID)
		}
		if err != nil {
			return Result{}, domain.Transient("store_unavailable", err)
		}

	default:
		return Result{}, domain.Transient("store_unavailable", err)
	}

	start := e.clock.Now()
	p := &domain.Prep{CycleID: cycleID, LeaseOwner: e.owner, StartedAt: now}

	if err := e.execute(ctx, p); err != nil {
		if ctx.Err() != nil {
			// Lease stays running and goes stale.
			return Result{}, ctx.Err()
		}
		e.log.Error("prep: failed", "cycle_id", cycleID, "error", err)
		p.Status = domain.PrepError
		p.AcquiredReward = 0
		p.Note = err.Error()
	}
	p.FinishedAt = e.clock.Now().UnixMilli()

	if err := e.preps.Finalize(ctx, p); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			e.log.Warn("prep: lease lost before finalize", "cycle_id", cycleID)
			return e.current(ctx, cycleID)
		}
		return Result{}, domain.Transient("store_unavailable", err)
	}

	step := p.StepFor()
	observability.RecordPrep(string(step), e.clock.Since(start), uint64(p.AcquiredReward))
	e.log.Info("prep: finished",
		"cycle_id", cycleID,
		"step", step,
		"status", p.Status,
		"acquired", uint64(p.AcquiredReward),
		"collected_lamports", p.CollectedLamports,
		"note", p.Note,
	)
	return Result{Step: step, Prep: p}, nil
}

// current re-reads the row after losing a race for it.
func (e *Engine) current(ctx context.Context, cycleID int64) (Result, error) {
	p, err := e.preps.Get(ctx, cycleID)
	if err != nil {
		return Result{}, domain.Transient("store_unavailable", err)
	}
	if p.Status.Terminal() {
		return Result{Step: domain.StepAlreadyPrepared, Prep: p}, nil
	}
	return Result{Step: domain.StepInProgress, Prep: p}, nil
}

// execute fills p with the outcome of the on-chain steps. A nil error
// means p carries a terminal status.
func (e *Engine) execute(ctx context.Context, p *domain.Prep) error {
	operator := e.operator.PublicKey()
	treasury := e.treasury.PublicKey()

	before, err := e.net.Balance(ctx, operator)
	if err != nil {
		return fmt.Errorf("pre-collection balance: %w", err)
	}

	collected, err := e.collector.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect fees: %w", err)
	}
	p.CollectSignature = collected.Signature
	observability.RecordFeeCollect(collected.Verified)
	if !collected.Verified {
		return zero(p, "fee collection not verified")
	}

	after, delta, err := e.awaitIncrease(ctx, operator, before)
	if err != nil {
		return fmt.Errorf("operating balance: %w", err)
	}
	p.CollectedLamports = delta
	if delta == 0 {
		return zero(p, "no fees collected")
	}

	share := e.treasuryShare(delta, after)
	p.TreasuryLamports = share
	if share == 0 {
		return dust(p, "treasury share is below the retained buffer")
	}

	treasuryBefore, err := e.net.Balance(ctx, treasury)
	if err != nil {
		return fmt.Errorf("treasury balance: %w", err)
	}
	sig, err := e.transfer(ctx, share)
	if err != nil {
		return fmt.Errorf("treasury transfer: %w", err)
	}
	p.TransferSignature = sig

	_, received, err := e.awaitIncrease(ctx, treasury, treasuryBefore)
	if err != nil {
		return fmt.Errorf("treasury balance: %w", err)
	}
	if received == 0 {
		return fmt.Errorf("treasury transfer %s not observed", sig)
	}

	swapIn := min(received, share)
	if swapIn <= e.feeReserve {
		swapIn = 0
	} else {
		swapIn -= e.feeReserve
	}
	p.SwapInLamports = swapIn
	if swapIn == 0 || swapIn < e.minSwap {
		return dust(p, "swap input below dust threshold")
	}

	tokensBefore, _, err := e.net.TokenBalance(ctx, treasury, e.rewardMint)
	if err != nil {
		return fmt.Errorf("treasury token balance: %w", err)
	}

	swapSig, slippage, note := e.swapLadder(ctx, swapIn)
	if swapSig == "" {
		return dust(p, note)
	}
	p.SwapSignature = swapSig
	p.SlippageBps = slippage

	acquired, err := e.awaitTokenIncrease(ctx, treasury, tokensBefore)
	if err != nil {
		return fmt.Errorf("treasury token balance: %w", err)
	}
	if acquired == 0 {
		return dust(p, "swap output not observed")
	}

	p.Status = domain.PrepOK
	p.AcquiredReward = domain.Amount(acquired)
	return nil
}

func zero(p *domain.Prep, note string) error {
	p.Status = domain.PrepOK
	p.AcquiredReward = 0
	p.Note = note
	return nil
}

func dust(p *domain.Prep, note string) error {
	p.Status = domain.PrepSwapFailedOrDust
	p.AcquiredReward = 0
	p.Note = note
	return nil
}

// treasuryShare applies the split to delta and caps the result so the
// operating account keeps at least the minimum buffer.
func (e *Engine) treasuryShare(delta, balance uint64) uint64 {
	share := uint64(domain.Amount(delta).BasisPoints(e.split.TreasuryBps))
	if balance <= e.minBuffer {
		return 0
	}
	return min(share, balance-e.minBuffer)
}

// awaitIncrease polls account until its balance exceeds before. It
// returns the last balance and the increase, which is zero when none was
// observed within the poll budget.
func (e *Engine) awaitIncrease(ctx context.Context, account solanago.PublicKey, before uint64) (uint64, uint64, error) {
	var last uint64
	_, err := retry.Poll(ctx, e.poll, func() (bool, error) {
		bal, err := e.net.RPC().GetBalance(ctx, account.String())
		if err != nil {
			return false, err
		}
		last = bal
		return bal > before, nil
	})
	if err != nil {
		return 0, 0, err
	}
	if last <= before {
		return last, 0, nil
	}
	return last, last - before, nil
}

func (e *Engine) awaitTokenIncrease(ctx context.Context, owner solanago.PublicKey, before uint64) (uint64, error) {
	var last uint64
	_, err := retry.Poll(ctx, e.poll, func() (bool, error) {
		bal, _, err := e.net.TokenBalance(ctx, owner, e.rewardMint)
		if err != nil {
			return false, err
		}
		last = bal
		return bal > before, nil
	})
	if err != nil {
		return 0, err
	}
	if last <= before {
		return 0, nil
	}
	return last - before, nil
}

// transfer moves lamports from the operating account to the treasury.
func (e *Engine) transfer(ctx context.Context, lamports uint64) (string, error) {
	operator := e.operator.PublicKey()

	blockhash, err := e.net.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{solana.SystemTransferIx(lamports, operator, e.treasury.PublicKey())},
		blockhash,
		solanago.TransactionPayer(operator),
	)
	if err != nil {
		return "", err
	}
	if _, err := tx.Sign(solana.SignerFunc(e.operator)); err != nil {
		return "", err
	}

	sig, confirmation, err := e.net.SendAndConfirm(ctx, tx)
	if err != nil {
		return "", err
	}
	if confirmation == solana.ConfirmFailed {
		return sig, fmt.Errorf("transaction %s failed on-chain", sig)
	}
	return sig, nil
}

// swapLadder tries each slippage step until a swap executes. It returns
// an empty signature and a reason when every step failed.
func (e *Engine) swapLadder(ctx context.Context, lamports uint64) (string, uint16, string) {
	note := "swap failed at every slippage step"
	for _, bps := range e.ladder {
		q, err := e.swapper.Quote(ctx, lamports, bps)
		if errors.Is(err, swap.ErrNoRoute) {
			observability.RecordSwapAttempt(bps, "no_route")
			return "", 0, "no swap route"
		}
		if err != nil {
			observability.RecordSwapAttempt(bps, "quote_error")
			e.log.Warn("prep: quote failed", "slippage_bps", bps, "error", err)
			continue
		}
		if q.OutAmount == 0 {
			observability.RecordSwapAttempt(bps, "dust")
			return "", 0, "swap output rounds to zero"
		}

		sig, err := e.swapper.Execute(ctx, q, e.treasury)
		if err != nil {
			observability.RecordSwapAttempt(bps, "failed")
			e.log.Warn("prep: swap failed", "slippage_bps", bps, "error", err)
			continue
		}
		observability.RecordSwapAttempt(bps, "ok")
		return sig, bps, ""
	}
	return "", 0, note
}
