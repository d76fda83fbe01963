package feecollect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

const marker = "Instruction: CollectCreatorFee"

var fast = retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

func newKey(t *testing.T) solanago.PrivateKey {
	t.Helper()
	k, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	return k
}

func collectTx(t *testing.T, payer solanago.PublicKey) *solanago.Transaction {
	t.Helper()
	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{solana.SystemTransferIx(1, payer, payer)},
		solanago.Hash{1},
		solanago.TransactionPayer(payer),
	)
	require.NoError(t, err)
	return tx
}

func feeServer(t *testing.T, payer solanago.PublicKey, asJSON bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "collectCreatorFee", req["action"])

		tx := collectTx(t, payer)
		if asJSON {
			b64, err := tx.ToBase64()
			require.NoError(t, err)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"transaction": b64})
			return
		}
		raw, err := tx.MarshalBinary()
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(raw)
	}))
}

// withLogs makes every sent transaction visible with the given log lines.
func withLogs(rpc *stub.RPCClient, logs ...string) {
	rpc.OnSend = func(tx *solanago.Transaction) error {
		rpc.AddTransaction(&solana.Transaction{
			Signature: tx.Signatures[0].String(),
			Meta:      &solana.TransactionMeta{LogMessages: logs},
		})
		return nil
	}
}

func newCollector(t *testing.T, url string, signer solanago.PrivateKey, rpc *stub.RPCClient) *APICollector {
	network := solana.NewNetwork(rpc,
		solana.WithRetry(fast),
		solana.WithConfirmTimeout(50*time.Millisecond),
		solana.WithPollInterval(5*time.Millisecond),
		solana.WithLogger(logger.NewTest()),
	)
	return NewAPICollector(Config{
		URL:    url,
		Marker: marker,
		Retry:  fast,
		Verify: fast,
		Logger: logger.NewTest(),
	}, signer, network)
}

func TestAPICollector_Verified(t *testing.T) {
	for _, asJSON := range []bool{false, true} {
		signer := newKey(t)
		server := feeServer(t, signer.PublicKey(), asJSON)

		rpc := stub.NewRPCClient()
		rpc.SetBalance(signer.PublicKey(), 10)
		withLogs(rpc, "Program log: "+marker, "Program success")

		res, err := newCollector(t, server.URL, signer, rpc).Collect(context.Background())
		server.Close()

		require.NoError(t, err)
		assert.True(t, res.Verified, "json=%v", asJSON)
		assert.NotEmpty(t, res.Signature)
		require.NoError(t, rpc.Sent()[0].VerifySignatures())
	}
}

func TestAPICollector_MissingMarkerIsUnverified(t *testing.T) {
	signer := newKey(t)
	server := feeServer(t, signer.PublicKey(), false)
	defer server.Close()

	rpc := stub.NewRPCClient()
	rpc.SetBalance(signer.PublicKey(), 10)
	withLogs(rpc, "Program log: Instruction: Transfer")

	res, err := newCollector(t, server.URL, signer, rpc).Collect(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.NotEmpty(t, res.Signature)
}

func TestAPICollector_ForeignPayerRejected(t *testing.T) {
	signer := newKey(t)
	server := feeServer(t, newKey(t).PublicKey(), false)
	defer server.Close()

	rpc := stub.NewRPCClient()
	_, err := newCollector(t, server.URL, signer, rpc).Collect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, rpc.SendCount())
}

func TestHasMarker(t *testing.T) {
	ok := &solana.Transaction{Meta: &solana.TransactionMeta{LogMessages: []string{"a", "Program log: " + marker}}}
	failed := &solana.Transaction{Meta: &solana.TransactionMeta{Err: "x", LogMessages: []string{marker}}}

	assert.True(t, HasMarker(ok, marker))
	assert.False(t, HasMarker(ok, "other"))
	assert.True(t, HasMarker(ok, ""))
	assert.False(t, HasMarker(failed, marker))
	assert.False(t, HasMarker(nil, marker))
}
