package claim

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/idhash"
	"reward-distributor/internal/observability"
)

// PreviewResult is an unsigned claim ready for the wallet to sign. A zero
// Amount comes with a Note and no transaction.
type PreviewResult struct {
	Wallet              string
	Amount              domain.Amount
	Unclaimed           domain.Amount
	FeeLamports         uint64
	UnsignedTransaction string // base64
	SnapshotIDs         []int64
	PreviewID           string
	Note                string
}

// Preview builds the claim transaction for wallet. Concurrent and repeated
// calls within the cache TTL share one result.
func (s *Service) Preview(ctx context.Context, wallet string) (PreviewResult, error) {
	wallet, err := domain.NormalizeWallet(wallet)
	if err != nil {
		return PreviewResult{}, err
	}

	res, shared, err := s.cache.Do(ctx, wallet, func(ctx context.Context) (PreviewResult, error) {
		return s.buildPreview(ctx, wallet)
	})
	switch {
	case err != nil:
		observability.RecordPreview("error")
	case shared:
		observability.RecordPreview("cached")
	case res.Note != "":
		observability.RecordPreview("empty")
	default:
		observability.RecordPreview("built")
	}
	return res, err
}

func (s *Service) buildPreview(ctx context.Context, wallet string) (PreviewResult, error) {
	res := PreviewResult{Wallet: wallet, FeeLamports: s.feeLamports}

	unclaimed, ids, err := s.ledger.UnclaimedTotal(ctx, wallet, nil)
	if err != nil {
		return PreviewResult{}, domain.Transient("store_unavailable", err)
	}
	res.Unclaimed = unclaimed
	if unclaimed == 0 {
		res.Note = NoteNothingToClaim
		return res, nil
	}

	liquidity, exists, err := s.treasuryLiquidity(ctx)
	if err != nil {
		return PreviewResult{}, domain.Transient("rpc_unavailable", err)
	}
	if !exists {
		res.Note = NoteTreasuryUnavailable
		return res, nil
	}
	if liquidity == 0 {
		res.Note = NoteTreasuryEmpty
		return res, nil
	}
	amount := domain.Min(unclaimed, domain.Amount(liquidity))

	claimant, err := solanaKey(wallet)
	if err != nil {
		return PreviewResult{}, err
	}
	blockhash, err := s.network.LatestBlockhash(ctx)
	if err != nil {
		return PreviewResult{}, domain.Transient("rpc_unavailable", err)
	}

	tx, err := BuildTransaction(TxParams{
		Claimant:    claimant,
		Treasury:    s.treasuryPub,
		Operator:    s.operator,
		Mint:        s.mint,
		Amount:      uint64(amount),
		Decimals:    s.decimals,
		FeeLamports: s.feeLamports,
		Blockhash:   blockhash,
	})
	if err != nil {
		return PreviewResult{}, domain.Fatal(err)
	}
	content, err := tx.Message.MarshalBinary()
	if err != nil {
		return PreviewResult{}, domain.Fatal(fmt.Errorf("claim: encode message: %w", err))
	}
	encoded, err := tx.ToBase64()
	if err != nil {
		return PreviewResult{}, domain.Fatal(fmt.Errorf("claim: encode transaction: %w", err))
	}

	p := &domain.Preview{
		PreviewID:   uuid.NewString(),
		Wallet:      wallet,
		MessageHash: idhash.ComputeMessageHash(content),
		SnapshotIDs: ids,
		Amount:      amount,
		CreatedAt:   s.clock.Now().UnixMilli(),
	}
	if err := s.previews.Insert(ctx, p); err != nil {
		return PreviewResult{}, domain.Transient("store_unavailable", err)
	}

	s.log.Debug("claim: preview built",
		"wallet", wallet,
		"amount", uint64(amount),
		"unclaimed", uint64(unclaimed),
		"snapshots", len(ids),
		"preview_id", p.PreviewID,
	)

	res.Amount = amount
	res.UnsignedTransaction = encoded
	res.SnapshotIDs = ids
	res.PreviewID = p.PreviewID
	return res, nil
}
