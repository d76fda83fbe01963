package prep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/feecollect"
	"reward-distributor/internal/logger"
	"reward-distributor/internal/retry"
	"reward-distributor/internal/solana"
	"reward-distributor/internal/solana/stub"
	"reward-distributor/internal/storage/memory"
	"reward-distributor/internal/swap"
)

const (
	cycleID  = int64(1_700_000_400_000)
	lamports = uint64(1_000_000_000)
)

var fast = retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

type fakeSwap struct {
	rpc      *stub.RPCClient
	treasury solanago.PublicKey
	mint     solanago.PublicKey

	failFirst int
	noRoute   bool
	quotes    []uint16
	executes  int
}

func (f *fakeSwap) Quote(_ context.Context, amountIn uint64, slippageBps uint16) (*swap.Quote, error) {
	f.quotes = append(f.quotes, slippageBps)
	if f.noRoute {
		return nil, swap.ErrNoRoute
	}
	return &swap.Quote{InAmount: amountIn, OutAmount: amountIn / 1000, SlippageBps: slippageBps}, nil
}

func (f *fakeSwap) Execute(_ context.Context, q *swap.Quote, signer solanago.PrivateKey) (string, error) {
	f.executes++
	if !signer.PublicKey().Equals(f.treasury) {
		return "", errors.New("unexpected signer")
	}
	if f.executes <= f.failFirst {
		return "", swap.ErrExecutionFailed
	}
	f.rpc.AddTokenBalance(f.treasury, f.mint, q.OutAmount)
	return "swap-sig", nil
}

type fixture struct {
	rpc       *stub.RPCClient
	store     *memory.PrepStore
	clock     *clockwork.FakeClock
	swap      *fakeSwap
	operator  solanago.PrivateKey
	treasury  solanago.PrivateKey
	mint      solanago.PublicKey
	collects  atomic.Int32
	collectFn func(ctx context.Context) (feecollect.Result, error)
	engine    *Engine
}

func newKey(t *testing.T) solanago.PrivateKey {
	t.Helper()
	k, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	return k
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		rpc:      stub.NewRPCClient(),
		store:    memory.NewPrepStore(),
		clock:    clockwork.NewFakeClockAt(time.UnixMilli(cycleID - 120_000)),
		operator: newKey(t),
		treasury: newKey(t),
		mint:     newKey(t).PublicKey(),
	}
	f.swap = &fakeSwap{rpc: f.rpc, treasury: f.treasury.PublicKey(), mint: f.mint}
	f.rpc.SetBalance(f.operator.PublicKey(), lamports)
	f.rpc.SetBalance(f.treasury.PublicKey(), lamports)

	// By default the collection lands one SOL on the operating account.
	f.collectFn = func(context.Context) (feecollect.Result, error) {
		f.rpc.AddBalance(f.operator.PublicKey(), lamports)
		return feecollect.Result{Signature: "collect-sig", Verified: true}, nil
	}

	network := solana.NewNetwork(f.rpc,
		solana.WithRetry(fast),
		solana.WithConfirmTimeout(50*time.Millisecond),
		solana.WithPollInterval(2*time.Millisecond),
		solana.WithLogger(logger.NewTest()),
	)
	opts := Options{
		Preps:   f.store,
		Network: network,
		Collector: feecollect.Func(func(ctx context.Context) (feecollect.Result, error) {
			f.collects.Add(1)
			return f.collectFn(ctx)
		}),
		Swap:              f.swap,
		Operator:          f.operator,
		Treasury:          f.treasury,
		RewardMint:        f.mint,
		Split:             Split{OperatorBps: 1_000, TreasuryBps: 8_000, BufferBps: 1_000},
		MinBufferLamports: 100_000_000,
		SlippageLadder:    []uint16{50, 100, 300},
		LeaseTTL:          time.Minute,
		Poll:              fast,
		Owner:             "self",
		Clock:             f.clock,
		Logger:            logger.NewTest(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	f.engine = e
	return f
}

func TestRunPrepare_Complete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.engine.RunPrepare(ctx, cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepComplete, res.Step)

	p := res.Prep
	assert.Equal(t, domain.PrepOK, p.Status)
	assert.Equal(t, lamports, p.CollectedLamports)
	assert.Equal(t, uint64(800_000_000), p.TreasuryLamports)
	assert.Equal(t, uint64(800_000_000), p.SwapInLamports)
	assert.Equal(t, domain.Amount(800_000), p.AcquiredReward)
	assert.Equal(t, uint16(50), p.SlippageBps)
	assert.Equal(t, "collect-sig", p.CollectSignature)
	assert.NotEmpty(t, p.TransferSignature)
	assert.Equal(t, "swap-sig", p.SwapSignature)

	assert.Equal(t, uint64(1_200_000_000), f.rpc.Balance(f.operator.PublicKey()))
	assert.Equal(t, uint64(1_800_000_000), f.rpc.Balance(f.treasury.PublicKey()))

	stored, err := f.store.Get(ctx, cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.PrepOK, stored.Status)
	assert.Equal(t, domain.Amount(800_000), stored.AcquiredReward)

	// A second run never collects again.
	res, err = f.engine.RunPrepare(ctx, cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepAlreadyPrepared, res.Step)
	assert.Equal(t, int32(1), f.collects.Load())
}

func TestRunPrepare_UnverifiedCollectIsZero(t *testing.T) {
	f := newFixture(t, nil)
	f.collectFn = func(context.Context) (feecollect.Result, error) {
		return feecollect.Result{Signature: "collect-sig"}, nil
	}

	res, err := f.engine.RunPrepare(context.Background(), cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepClaimedZero, res.Step)
	assert.Equal(t, domain.PrepOK, res.Prep.Status)
	assert.Zero(t, res.Prep.AcquiredReward)
	assert.Equal(t, 0, f.rpc.SendCount())
}

func TestRunPrepare_NoBalanceIncreaseIsZero(t *testing.T) {
	f := newFixture(t, nil)
	f.collectFn = func(context.Context) (feecollect.Result, error) {
		return feecollect.Result{Signature: "collect-sig", Verified: true}, nil
	}

	res, err := f.engine.RunPrepare(context.Background(), cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepClaimedZero, res.Step)
	assert.Zero(t, res.Prep.CollectedLamports)
	assert.Empty(t, f.swap.quotes)
}

func TestRunPrepare_MinimumBufferCapsTreasuryShare(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MinBufferLamports = 1_500_000_000 })

	res, err := f.engine.RunPrepare(context.Background(), cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepComplete, res.Step)
	// Balance after collection is 2 SOL; 1.5 SOL must stay.
	assert.Equal(t, uint64(500_000_000), res.Prep.TreasuryLamports)
	assert.Equal(t, uint64(1_500_000_000), f.rpc.Balance(f.operator.PublicKey()))
}

func TestRunPrepare_BufferLeavesNothingIsDust(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MinBufferLamports = 5_000_000_000 })

	res, err := f.engine.RunPrepare(context.Background(), cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepTreasurySwapFailed, res.Step)
	assert.Equal(t, domain.PrepSwapFailedOrDust, res.Prep.Status)
	assert.Equal(t, 0, f.rpc.SendCount())
}

func TestRunPrepare_SlippageLadder(t *testing.T) {
	f := newFixture(t, nil)
	f.swap.failFirst = 2

	res, err := f.engine.RunPrepare(context.Background(), cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepComplete, res.Step)
	assert.Equal(t, uint16(300), res.Prep.SlippageBps)
	assert.Equal(t, []uint16{50, 100, 300}, f.swap.quotes)
}

func TestRunPrepare_AllSwapsFail(t *testing.T) {
	f := newFixture(t, nil)
	f.swap.failFirst = 10

	res, err := f.engine.RunPrepare(context.Background(), cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepTreasurySwapFailed, res.Step)
	assert.Equal(t, domain.PrepSwapFailedOrDust, res.Prep.Status)
	assert.Zero(t, res.Prep.AcquiredReward)
	assert.NotEmpty(t, res.Prep.TransferSignature, "treasury transfer already happened")
	assert.Equal(t, 3, f.swap.executes)
}

func TestRunPrepare_NoRouteStopsLadder(t *testing.T) {
	f := newFixture(t, nil)
	f.swap.noRoute = true

	res, err := f.engine.RunPrepare(context.Background(), cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.PrepSwapFailedOrDust, res.Prep.Status)
	assert.Len(t, f.swap.quotes, 1)
	assert.Equal(t, "no swap route", res.Prep.Note)
}

func TestRunPrepare_DustSwapInput(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MinSwapLamports = 900_000_000 })

	res, err := f.engine.RunPrepare(context.Background(), cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.PrepSwapFailedOrDust, res.Prep.Status)
	assert.Empty(t, f.swap.quotes)
}

func TestRunPrepare_UpstreamFailureRecordsErrorRow(t *testing.T) {
	f := newFixture(t, nil)
	f.collectFn = func(context.Context) (feecollect.Result, error) {
		return feecollect.Result{}, errors.New("fee api: HTTP 503")
	}

	res, err := f.engine.RunPrepare(context.Background(), cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepTreasurySwapFailed, res.Step)
	assert.Equal(t, domain.PrepError, res.Prep.Status)
	assert.Contains(t, res.Prep.Note, "HTTP 503")

	stored, err := f.store.Get(context.Background(), cycleID)
	require.NoError(t, err)
	assert.True(t, stored.Status.Terminal())
}

func TestRunPrepare_FreshLeaseIsInProgress(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, &domain.Prep{
		CycleID:    cycleID,
		Status:     domain.PrepRunning,
		LeaseOwner: "other",
		StartedAt:  f.clock.Now().UnixMilli(),
	}))

	res, err := f.engine.RunPrepare(ctx, cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepInProgress, res.Step)
	assert.Zero(t, f.collects.Load())
}

func TestRunPrepare_StaleLeaseIsTakenOver(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, &domain.Prep{
		CycleID:    cycleID,
		Status:     domain.PrepRunning,
		LeaseOwner: "crashed",
		StartedAt:  f.clock.Now().UnixMilli(),
	}))
	f.clock.Advance(2 * time.Minute)

	res, err := f.engine.RunPrepare(ctx, cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepComplete, res.Step)
	assert.Equal(t, "self", res.Prep.LeaseOwner)
	assert.Equal(t, int32(1), f.collects.Load())
}

func TestRunPrepare_ConcurrentCallersCollectOnce(t *testing.T) {
	f := newFixture(t, nil)
	base := f.collectFn
	f.collectFn = func(ctx context.Context) (feecollect.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return base(ctx)
	}

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.RunPrepare(context.Background(), cycleID)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.collects.Load())
	for _, res := range results {
		require.NotNil(t, res.Prep)
		assert.Contains(t, []domain.PrepStep{domain.StepComplete, domain.StepAlreadyPrepared}, res.Step)
		assert.Equal(t, domain.Amount(800_000), res.Prep.AcquiredReward)
	}
}

func TestRunPrepare_InvalidCycle(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.RunPrepare(context.Background(), 0)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestSplit_Validate(t *testing.T) {
	assert.NoError(t, Split{OperatorBps: 1_000, TreasuryBps: 8_000, BufferBps: 1_000}.Validate())
	assert.Error(t, Split{OperatorBps: 1_000, TreasuryBps: 8_000}.Validate())
}
