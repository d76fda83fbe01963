package snapshot

import (
	"reward-distributor/internal/domain"
)

// Allocate splits allocated pro rata by balance. Each share is floored in
// raw units, so the shares never sum to more than allocated; the remainder
// stays in the treasury. Holders whose share floors to zero are omitted.
func Allocate(holders []domain.Holder, allocated domain.Amount) (shares []domain.Share, totalBalance uint64) {
	totalBalance = TotalBalance(holders)
	if totalBalance == 0 || allocated == 0 {
		return nil, totalBalance
	}

	shares = make([]domain.Share, 0, len(holders))
	for _, h := range holders {
		amount := domain.MulDiv(allocated, h.Balance, totalBalance)
		if amount == 0 {
			continue
		}
		shares = append(shares, domain.Share{Wallet: h.Wallet, Amount: amount})
	}
	return shares, totalBalance
}

// TotalBalance sums holder balances, saturating at the u64 maximum.
func TotalBalance(holders []domain.Holder) uint64 {
	var total domain.Amount
	for _, h := range holders {
		total = domain.Sum(total, domain.Amount(h.Balance))
	}
	return uint64(total)
}
