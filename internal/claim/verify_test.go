package claim

import (
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/solana"
)

type verifyKeys struct {
	claimant solanago.PrivateKey
	treasury solanago.PublicKey
	operator solanago.PublicKey
	mint     solanago.PublicKey
}

func newVerifyKeys() verifyKeys {
	return verifyKeys{
		claimant: solanago.NewWallet().PrivateKey,
		treasury: solanago.NewWallet().PublicKey(),
		operator: solanago.NewWallet().PublicKey(),
		mint:     solanago.NewWallet().PublicKey(),
	}
}

func (k verifyKeys) expect(amount uint64) Expect {
	return Expect{
		Claimant:    k.claimant.PublicKey(),
		Treasury:    k.treasury,
		Operator:    k.operator,
		Mint:        k.mint,
		Amount:      amount,
		Decimals:    6,
		FeeLamports: 1000,
	}
}

// build signs a claim made of the standard instructions plus extra.
func (k verifyKeys) build(t *testing.T, sign bool, extra ...solanago.Instruction) *solanago.Transaction {
	t.Helper()
	claimant := k.claimant.PublicKey()
	createATA, err := solana.CreateATAIdempotent(claimant, claimant, k.mint)
	require.NoError(t, err)
	source, err := solana.AssociatedTokenAddress(k.treasury, k.mint)
	require.NoError(t, err)
	dest, err := solana.AssociatedTokenAddress(claimant, k.mint)
	require.NoError(t, err)

	instrs := append([]solanago.Instruction{
		createATA,
		solana.TransferChecked(100, 6, source, k.mint, dest, k.treasury),
		solana.SystemTransferIx(1000, claimant, k.operator),
	}, extra...)

	tx, err := solanago.NewTransaction(instrs, solanago.Hash{7}, solanago.TransactionPayer(claimant))
	require.NoError(t, err)
	tx.Signatures = make([]solanago.Signature, tx.Message.Header.NumRequiredSignatures)
	if sign {
		_, err = tx.PartialSign(solana.SignerFunc(k.claimant))
		require.NoError(t, err)
	}
	return tx
}

func TestVerify_AcceptsBuiltTransaction(t *testing.T) {
	k := newVerifyKeys()
	tx, err := BuildTransaction(TxParams{
		Claimant:    k.claimant.PublicKey(),
		Treasury:    k.treasury,
		Operator:    k.operator,
		Mint:        k.mint,
		Amount:      100,
		Decimals:    6,
		FeeLamports: 1000,
		Blockhash:   solanago.Hash{7},
	})
	require.NoError(t, err)
	_, err = tx.PartialSign(solana.SignerFunc(k.claimant))
	require.NoError(t, err)

	assert.NoError(t, Verify(tx, k.expect(100)))
}

func TestVerify_Rejects(t *testing.T) {
	k := newVerifyKeys()
	thief := solanago.NewWallet().PublicKey()

	treasuryPaidATA, err := solana.CreateATAIdempotent(k.treasury, thief, k.mint)
	require.NoError(t, err)
	source, err := solana.AssociatedTokenAddress(k.treasury, k.mint)
	require.NoError(t, err)
	dest, err := solana.AssociatedTokenAddress(k.claimant.PublicKey(), k.mint)
	require.NoError(t, err)

	tests := []struct {
		name string
		tx   *solanago.Transaction
		code string
	}{
		{"unsigned", k.build(t, false), "invalid_signature"},
		{"treasury pays lamports", k.build(t, true, solana.SystemTransferIx(5, k.treasury, thief)), "unexpected_instruction"},
		{"treasury pays token account rent", k.build(t, true, treasuryPaidATA), "unexpected_instruction"},
		{"second transfer", k.build(t, true, solana.TransferChecked(100, 6, source, k.mint, dest, k.treasury)), "invalid_transfer"},
		{"foreign program", k.build(t, true, solanago.NewInstruction(solanago.MemoProgramID, nil, []byte("hi"))), "unexpected_instruction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.tx, k.expect(100))
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.CodeOf(err))
		})
	}
}

func TestVerify_ExtraSignerRejected(t *testing.T) {
	k := newVerifyKeys()
	stranger := solanago.NewWallet().PublicKey()
	tx := k.build(t, true, solana.SystemTransferIx(1, stranger, k.operator))

	assert.Equal(t, "invalid_signers", domain.CodeOf(Verify(tx, k.expect(100))))
}
