package swap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward-distributor/internal/logger"
	"reward-distributor/internal/retry"
	"reward-distributor/internal/solana"
	"reward-distributor/internal/solana/stub"
)

func newKey(t *testing.T) solanago.PrivateKey {
	t.Helper()
	k, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	return k
}

type fakeJupiter struct {
	outputMint   solanago.PublicKey
	payer        solanago.PublicKey
	quoteCalls   atomic.Int32
	failQuotes   int32 // first N quotes return 503
	noRoute      bool
	lastSwapBody map[string]interface{}
}

func (f *fakeJupiter) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		n := f.quoteCalls.Add(1)
		if n <= f.failQuotes {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if f.noRoute {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "Could not find any route", "errorCode": "COULD_NOT_FIND_ANY_ROUTE"})
			return
		}
		q := r.URL.Query()
		assert.Equal(t, solanago.SolMint.String(), q.Get("inputMint"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"inputMint":            q.Get("inputMint"),
			"inAmount":             q.Get("amount"),
			"outputMint":           f.outputMint.String(),
			"outAmount":            "5000",
			"otherAmountThreshold": "4950",
			"slippageBps":          100,
			"routePlan":            []interface{}{},
		})
	})
	mux.HandleFunc("/swap", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastSwapBody))

		// A stand-in swap: the payer pays itself one lamport.
		tx, err := solanago.NewTransaction(
			[]solanago.Instruction{solana.SystemTransferIx(1, f.payer, f.payer)},
			solanago.Hash{1},
			solanago.TransactionPayer(f.payer),
		)
		require.NoError(t, err)
		b64, err := tx.ToBase64()
		require.NoError(t, err)
		json.NewEncoder(w).Encode(map[string]string{"swapTransaction": b64})
	})
	return mux
}

func newClient(t *testing.T, f *fakeJupiter, rpc *stub.RPCClient) (*JupiterClient, func()) {
	server := httptest.NewServer(f.handler(t))
	fast := retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	network := solana.NewNetwork(rpc,
		solana.WithRetry(fast),
		solana.WithConfirmTimeout(100*time.Millisecond),
		solana.WithPollInterval(5*time.Millisecond),
		solana.WithLogger(logger.NewTest()),
	)
	c := NewJupiterClient(JupiterConfig{
		BaseURL:    server.URL + "/",
		OutputMint: f.outputMint,
		Retry:      fast,
		Logger:     logger.NewTest(),
	}, network)
	return c, server.Close
}

func TestJupiter_QuoteAndExecute(t *testing.T) {
	signer := newKey(t)
	f := &fakeJupiter{outputMint: newKey(t).PublicKey(), payer: signer.PublicKey()}
	rpc := stub.NewRPCClient()
	rpc.SetBalance(signer.PublicKey(), 10)

	c, done := newClient(t, f, rpc)
	defer done()
	ctx := context.Background()

	q, err := c.Quote(ctx, 1_000_000, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), q.InAmount)
	assert.Equal(t, uint64(5000), q.OutAmount)
	assert.Equal(t, uint64(4950), q.MinOutAmount)
	assert.Equal(t, uint16(100), q.SlippageBps)

	sig, err := c.Execute(ctx, q, signer)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	assert.Equal(t, signer.PublicKey().String(), f.lastSwapBody["userPublicKey"])
	assert.NotNil(t, f.lastSwapBody["quoteResponse"])

	sent := rpc.Sent()
	require.Len(t, sent, 1)
	require.NoError(t, sent[0].VerifySignatures())
}

func TestJupiter_QuoteRetriesTransientStatus(t *testing.T) {
	f := &fakeJupiter{outputMint: newKey(t).PublicKey(), failQuotes: 2}
	c, done := newClient(t, f, stub.NewRPCClient())
	defer done()

	_, err := c.Quote(context.Background(), 10, 50)
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.quoteCalls.Load())
}

func TestJupiter_NoRoute(t *testing.T) {
	f := &fakeJupiter{outputMint: newKey(t).PublicKey(), noRoute: true}
	c, done := newClient(t, f, stub.NewRPCClient())
	defer done()

	_, err := c.Quote(context.Background(), 10, 50)
	assert.True(t, errors.Is(err, ErrNoRoute), "got %v", err)
	assert.Equal(t, int32(1), f.quoteCalls.Load(), "no-route is not retried")
}

func TestJupiter_ExecuteRejectsForeignPayer(t *testing.T) {
	signer := newKey(t)
	f := &fakeJupiter{outputMint: newKey(t).PublicKey(), payer: newKey(t).PublicKey()}
	rpc := stub.NewRPCClient()
	c, done := newClient(t, f, rpc)
	defer done()
	ctx := context.Background()

	q, err := c.Quote(ctx, 10, 50)
	require.NoError(t, err)

	_, err = c.Execute(ctx, q, signer)
	assert.Error(t, err)
	assert.Equal(t, 0, rpc.SendCount())
}

func TestJupiter_ExecuteFailedOnChain(t *testing.T) {
	signer := newKey(t)
	f := &fakeJupiter{outputMint: newKey(t).PublicKey(), payer: signer.PublicKey()}
	rpc := stub.NewRPCClient() // payer has no lamports: the transfer fails
	c, done := newClient(t, f, rpc)
	defer done()
	ctx := context.Background()

	q, err := c.Quote(ctx, 10, 50)
	require.NoError(t, err)

	_, err = c.Execute(ctx, q, signer)
	assert.ErrorIs(t, err, ErrExecutionFailed)
}
