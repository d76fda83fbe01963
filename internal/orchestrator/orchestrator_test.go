package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward-distributor/internal/claim"
	"reward-distributor/internal/config"
	"reward-distributor/internal/domain"
	"reward-distributor/internal/holders"
	"reward-distributor/internal/logger"
	"reward-distributor/internal/solana"
	"reward-distributor/internal/solana/stub"
)

// 600s windows: cycle 1_200_000 snapshots at 1_140_000.
const cycleID = 1_200_000

type fixture struct {
	o        *Orchestrator
	rpc      *stub.RPCClient
	clock    *clockwork.FakeClock
	cfg      *config.Config
	holderA  solanago.PrivateKey
	holderB  solanago.PrivateKey
	treasury solanago.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		rpc:      stub.NewRPCClient(),
		clock:    clockwork.NewFakeClockAt(time.UnixMilli(cycleID - 50_000)),
		holderA:  solanago.NewWallet().PrivateKey,
		holderB:  solanago.NewWallet().PrivateKey,
		treasury: solanago.NewWallet().PrivateKey,
	}
	holderMint := solanago.NewWallet().PublicKey()
	rewardMint := solanago.NewWallet().PublicKey()

	cfg, err := config.Load([]string{
		"--use-memory",
		"--rpc-endpoint", "http://127.0.0.1:0",
		"--holder-mint", holderMint.String(),
		"--reward-mint", rewardMint.String(),
		"--operator-key", solanago.NewWallet().PrivateKey.String(),
		"--treasury-key", f.treasury.String(),
		"--min-holder-balance", "0.01",
		"--holder-decimals", "6",
		"--reward-decimals", "6",
		"--claim-fee-lamports", "5000000",
		"--jwt-secret", "secret",
	})
	require.NoError(t, err)
	f.cfg = cfg

	f.rpc.Decimals = 6
	for owner, amount := range map[solanago.PublicKey]uint64{
		f.holderA.PublicKey(): 20_000,
		f.holderB.PublicKey(): 10_000,
		// Below the 0.01 threshold.
		solanago.NewWallet().PublicKey(): 9_999,
	} {
		f.rpc.AddProgramAccount(solanago.TokenProgramID, solana.ProgramAccount{
			Pubkey: solanago.NewWallet().PublicKey().String(),
			Data:   holders.TokenAccountData(holderMint, owner, amount),
		})
	}
	f.rpc.SetTokenBalance(f.treasury.PublicKey(), rewardMint, 1_000_000_000)
	f.rpc.SetBalance(f.holderA.PublicKey(), 1_000_000_000)

	f.o, err = New(context.Background(), Options{
		Config: cfg,
		RPC:    f.rpc,
		Clock:  f.clock,
		Logger: logger.NewTest(),
	})
	require.NoError(t, err)
	t.Cleanup(f.o.Close)
	return f
}

func (f *fixture) finalizePrep(t *testing.T, acquired domain.Amount) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.o.Stores.Preps.Create(ctx, &domain.Prep{
		CycleID: cycleID, Status: domain.PrepRunning, LeaseOwner: "test",
	}))
	require.NoError(t, f.o.Stores.Preps.Finalize(ctx, &domain.Prep{
		CycleID: cycleID, Status: domain.PrepOK, AcquiredReward: acquired, LeaseOwner: "test",
	}))
}

func TestOrchestrator_SnapshotToClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.finalizePrep(t, 100_000_000)

	res, err := f.o.Snapshots.RunSnapshot(ctx, cycleID, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, domain.SnapshotTaken, res.Status)
	assert.Equal(t, domain.Amount(95_000_000), res.Snapshot.AllocatedReward)
	assert.Equal(t, 2, res.Snapshot.EligibleHolderCount)

	walletA := f.holderA.PublicKey().String()
	preview, err := f.o.Claims.Preview(ctx, walletA)
	require.NoError(t, err)
	require.Equal(t, domain.Amount(63_333_333), preview.Amount)
	assert.Equal(t, []int64{cycleID}, preview.SnapshotIDs)

	tx, err := solanago.TransactionFromBase64(preview.UnsignedTransaction)
	require.NoError(t, err)
	_, err = tx.PartialSign(solana.SignerFunc(f.holderA))
	require.NoError(t, err)
	signed, err := tx.ToBase64()
	require.NoError(t, err)

	sub, err := f.o.Claims.Submit(ctx, claim.SubmitRequest{
		Wallet:            walletA,
		SignedTransaction: signed,
		PreviewID:         preview.PreviewID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(63_333_333), sub.Amount)

	total, err := f.o.Ledger.RunningTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(63_333_333), total)

	balance, ok := f.rpc.TokenBalanceOf(f.holderA.PublicKey(), f.cfg.RewardMintKey)
	require.True(t, ok)
	assert.Equal(t, uint64(63_333_333), balance)

	srv, err := f.o.Server()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/entitlements/"+walletA, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "63.333333", body["claimed"])
	assert.Equal(t, "0.000000", body["unclaimed"])
}

func TestOrchestrator_PrepareWithoutCollectorIsZero(t *testing.T) {
	f := newFixture(t)

	res, err := f.o.Prep.RunPrepare(context.Background(), cycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepClaimedZero, res.Step)
	assert.Zero(t, res.Prep.AcquiredReward)
}

func TestOrchestrator_JanitorRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.o.Janitor(ctx)
	require.NoError(t, err)
	j.RunOnce(ctx)

	assert.Len(t, f.o.Limiters, 3)
	assert.Equal(t, "submit", f.o.Limiters["submit"].Scope())
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
}

func TestNewLocker_WarnsWithoutRedisOnSharedStore(t *testing.T) {
	tests := []struct {
		name      string
		useMemory bool
		warn      bool
	}{
		{"shared store", false, true},
		{"memory store", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			o := &Orchestrator{
				cfg: &config.Config{UseMemory: tt.useMemory, PostgresDSN: "postgres://localhost/rewards"},
				log: slog.New(slog.NewTextHandler(&buf, nil)),
			}

			l, err := o.newLocker(context.Background())
			require.NoError(t, err)
			require.NotNil(t, l)
			assert.Equal(t, tt.warn, bytes.Contains(buf.Bytes(), []byte("process-local")))
		})
	}
}
