package domain

import (
	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// NormalizeWallet validates a base58 wallet address and returns its
// canonical encoding. Only on-curve keys are accepted: off-curve addresses
// are program-derived and cannot sign a claim.
func NormalizeWallet(s string) (string, error) {
	if s == "" {
		return "", Validationf("invalid_wallet", "wallet is required")
	}
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != 32 {
		return "", Validationf("invalid_wallet", "wallet %q is not a 32-byte base58 key", s)
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return "", Validationf("invalid_wallet", "wallet %q is not an ed25519 public key", s)
	}
	return base58.Encode(raw), nil
}
