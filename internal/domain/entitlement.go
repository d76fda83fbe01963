package domain

// Entitlement is a per-wallet, per-snapshot reward amount.
// Unique by (SnapshotID, Wallet); Amount never changes after creation.
// Paid grows as claims settle against the row and reaches Amount exactly
// when Claimed is set.
type Entitlement struct {
	SnapshotID     int64
	Wallet         string // canonical base58
	Amount         Amount
	Paid           Amount
	Claimed        bool
	ClaimSignature string // last claim that paid into the row
	ClaimedAt      int64
	CreatedAt      int64
}

// Remaining is the part of the row not yet paid out.
func (e *Entitlement) Remaining() Amount {
	if e.Paid >= e.Amount {
		return 0
	}
	return e.Amount - e.Paid
}

// Pay settles up to budget against the row and returns how much it took.
func (e *Entitlement) Pay(budget Amount, signature string, at int64) Amount {
	take := Min(budget, e.Remaining())
	if take == 0 {
		return 0
	}
	e.Paid += take
	e.Claimed = e.Paid == e.Amount
	e.ClaimSignature = signature
	e.ClaimedAt = at
	return take
}

// PayInOrder spreads amount over rows, oldest snapshot first, and returns
// the rows it touched. Rows must be sorted by SnapshotID.
func PayInOrder(rows []*Entitlement, amount Amount, signature string, at int64) []*Entitlement {
	var touched []*Entitlement
	for _, e := range rows {
		if amount == 0 {
			break
		}
		if e.Claimed {
			continue
		}
		if took := e.Pay(amount, signature, at); took > 0 {
			amount -= took
			touched = append(touched, e)
		}
	}
	return touched
}

// Share is a computed allocation before it becomes an Entitlement row.
type Share struct {
	Wallet string
	Amount Amount
}

// EntitlementSummary aggregates a wallet's entitlement rows.
// Entitled always equals Claimed + Unclaimed.
type EntitlementSummary struct {
	Wallet    string
	Entitled  Amount
	Claimed   Amount
	Unclaimed Amount
}
