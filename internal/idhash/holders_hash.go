package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"reward-distributor/internal/domain"
)

// ComputeHoldersHash computes the content hash of a captured holder set.
// Formula: SHA256(cycle_id|wallet_1:balance_1|wallet_2:balance_2|...)
// with holders sorted by wallet. Returns hex-encoded hash (64 characters).
func ComputeHoldersHash(cycleID int64, holders []domain.Holder) string {
	sorted := make([]domain.Holder, len(holders))
	copy(sorted, holders)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Wallet < sorted[j].Wallet
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d", cycleID)
	for _, h := range sorted {
		fmt.Fprintf(&b, "|%s:%d", h.Wallet, h.Balance)
	}

	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:])
}

// ComputeMessageHash hashes a serialized transaction message.
// Returns hex-encoded hash (64 characters).
func ComputeMessageHash(message []byte) string {
	hash := sha256.Sum256(message)
	return hex.EncodeToString(hash[:])
}
