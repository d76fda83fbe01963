package solana

import (
	"fmt"
	"os"
	"strings"

	solanago "github.com/gagliardetto/solana-go"
)

// ParsePrivateKey accepts a base58 secret key, a JSON byte array as written
// by solana-keygen, or a path to such a keygen file.
func ParsePrivateKey(s string) (solanago.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty private key")
	}

	if strings.HasPrefix(s, "[") {
		key, err := solanago.PrivateKeyFromSolanaKeygenFileBytes([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("parse keygen bytes: %w", err)
		}
		return key, nil
	}

	if _, err := os.Stat(s); err == nil {
		key, err := solanago.PrivateKeyFromSolanaKeygenFile(s)
		if err != nil {
			return nil, fmt.Errorf("read keygen file: %w", err)
		}
		return key, nil
	}

	key, err := solanago.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("parse base58 key: %w", err)
	}
	return key, nil
}

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (solanago.PublicKey, error) {
	key, err := solanago.PublicKeyFromBase58(strings.TrimSpace(s))
	if err != nil {
		return solanago.PublicKey{}, fmt.Errorf("parse public key %q: %w", s, err)
	}
	return key, nil
}

// AssociatedTokenAddress derives the associated token account of owner for mint.
func AssociatedTokenAddress(owner, mint solanago.PublicKey) (solanago.PublicKey, error) {
	ata, _, err := solanago.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solanago.PublicKey{}, fmt.Errorf("derive associated token address: %w", err)
	}
	return ata, nil
}
