package domain

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWallet_AcceptsEd25519Key(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	addr := base58.Encode(pub)
	got, err := NormalizeWallet(addr)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestNormalizeWallet_RejectsInvalid(t *testing.T) {
	pda, _, err := solana.FindAssociatedTokenAddress(
		solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"),
		solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
	)
	require.NoError(t, err)

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"not base58", "0OIl"},
		{"short", base58.Encode([]byte{1, 2, 3})},
		{"off curve", pda.String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeWallet(tt.in)
			require.Error(t, err)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}
