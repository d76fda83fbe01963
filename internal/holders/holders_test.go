package holders

import (
	"context"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/logger"
	"reward-distributor/internal/solana"
	"reward-distributor/internal/solana/stub"
)

func wallet(t *testing.T) solanago.PublicKey {
	t.Helper()
	k, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	return k.PublicKey()
}

func addAccount(rpc *stub.RPCClient, mint, owner solanago.PublicKey, amount uint64) {
	rpc.AddProgramAccount(solanago.TokenProgramID, solana.ProgramAccount{
		Pubkey: solanago.NewWallet().PublicKey().String(),
		Data:   TokenAccountData(mint, owner, amount),
	})
}

func TestRPCDirectory_AggregatesAndFilters(t *testing.T) {
	rpc := stub.NewRPCClient()
	mint, otherMint := wallet(t), wallet(t)
	a, b, small, treasury := wallet(t), wallet(t), wallet(t), wallet(t)

	// A holds across two accounts.
	addAccount(rpc, mint, a, 15_000)
	addAccount(rpc, mint, a, 5_000)
	addAccount(rpc, mint, b, 10_000)
	addAccount(rpc, mint, small, 9_999)
	addAccount(rpc, mint, treasury, 1_000_000)
	addAccount(rpc, otherMint, b, 1_000_000)

	// Program-derived owner (off-curve) is never eligible.
	ata, err := solana.AssociatedTokenAddress(a, mint)
	require.NoError(t, err)
	addAccount(rpc, mint, ata, 500_000)

	dir := NewRPCDirectory(rpc, Config{
		Mint:       mint,
		MinBalance: 10_000,
		Exclude:    []string{treasury.String()},
		Logger:     logger.NewTest(),
	})

	got, err := dir.ListEligibleHolders(context.Background())
	require.NoError(t, err)

	want := map[string]uint64{a.String(): 20_000, b.String(): 10_000}
	require.Len(t, got, 2)
	for _, h := range got {
		assert.Equal(t, want[h.Wallet], h.Balance, h.Wallet)
	}
	assert.Less(t, got[0].Wallet, got[1].Wallet, "holders are sorted by wallet")
}

func TestRPCDirectory_CachesWithinTTL(t *testing.T) {
	rpc := stub.NewRPCClient()
	mint := wallet(t)
	addAccount(rpc, mint, wallet(t), 100)

	clock := clockwork.NewFakeClock()
	dir := NewRPCDirectory(rpc, Config{Mint: mint, CacheTTL: time.Minute, Clock: clock, Logger: logger.NewTest()})
	ctx := context.Background()

	_, err := dir.ListEligibleHolders(ctx)
	require.NoError(t, err)
	reads := rpc.Reads()

	_, err = dir.ListEligibleHolders(ctx)
	require.NoError(t, err)
	assert.Equal(t, reads, rpc.Reads(), "second call served from cache")

	clock.Advance(2 * time.Minute)
	_, err = dir.ListEligibleHolders(ctx)
	require.NoError(t, err)
	assert.Greater(t, rpc.Reads(), reads)

	dir.Invalidate()
	reads = rpc.Reads()
	_, err = dir.ListEligibleHolders(ctx)
	require.NoError(t, err)
	assert.Greater(t, rpc.Reads(), reads)
}

func TestParseTokenAccount(t *testing.T) {
	mint, owner := wallet(t), wallet(t)
	data := TokenAccountData(mint, owner, 42)

	got, amount, ok := parseTokenAccount(data)
	require.True(t, ok)
	assert.Equal(t, owner.String(), got)
	assert.Equal(t, uint64(42), amount)

	data[stateOffset] = 0
	_, _, ok = parseTokenAccount(data)
	assert.False(t, ok, "uninitialized account")

	_, _, ok = parseTokenAccount(data[:100])
	assert.False(t, ok, "short account")
}

func TestStatic(t *testing.T) {
	s := Static{{Wallet: "a", Balance: 1}}
	got, err := s.ListEligibleHolders(context.Background())
	require.NoError(t, err)
	got[0].Balance = 99
	assert.Equal(t, uint64(1), s[0].Balance)
	assert.Equal(t, []domain.Holder{{Wallet: "a", Balance: 99}}, got)
}
