package domain

// ClaimRecord is an append-only audit row of a settled claim.
// Unique by Signature.
type ClaimRecord struct {
	Signature   string // PRIMARY KEY
	Wallet      string
	Amount      Amount // transferred on-chain
	Entitled    Amount // unclaimed total of the bound rows at submit
	SnapshotIDs []int64
	Timestamp   int64
}

// Shortfall is the part of the bound entitlement the transfer did not
// cover because treasury liquidity capped it. It stays unclaimed.
func (r *ClaimRecord) Shortfall() Amount {
	if r.Entitled <= r.Amount {
		return 0
	}
	return r.Entitled - r.Amount
}

// Preview binds an unsigned claim transaction to the ledger state it was
// built from. Consumed flips once; rows expire after a fixed TTL.
type Preview struct {
	PreviewID   string
	Wallet      string
	MessageHash string
	SnapshotIDs []int64
	Amount      Amount
	CreatedAt   int64
	Consumed    bool
}

// Expired reports whether the preview is older than ttlMs at nowMs.
func (p *Preview) Expired(nowMs, ttlMs int64) bool {
	return nowMs-p.CreatedAt > ttlMs
}

// ClaimDay aggregates settled claims for one UTC day.
type ClaimDay struct {
	Day    string // YYYY-MM-DD
	Claims int
	Amount Amount
}
