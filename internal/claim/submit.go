package claim

import (
	"context"
	"errors"
	"slices"

	solanago "github.com/gagliardetto/solana-go"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/idhash"
	"reward-distributor/internal/observability"
	"reward-distributor/internal/retry"
	"reward-distributor/internal/solana"
	"reward-distributor/internal/storage"
)

// SubmitRequest carries a claimant-signed claim transaction.
type SubmitRequest struct {
	Wallet            string
	SignedTransaction string // base64
	SnapshotIDs       []int64
	// AmountHint is the amount the wallet expects, in raw units. A hint
	// above the ledger's unclaimed total is rejected.
	AmountHint domain.Amount
	PreviewID  string
}

// SubmitResult describes a broadcast claim.
type SubmitResult struct {
	Signature    string
	Amount       domain.Amount // transferred
	Entitled     domain.Amount // unclaimed when the claim was made
	SnapshotIDs  []int64
	Confirmation solana.Confirmation
}

// Submit validates, co-signs and broadcasts a claim, then settles the
// ledger. Only one claim per wallet runs at a time; a concurrent submit is
// rejected with a conflict.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (res SubmitResult, err error) {
	start := s.clock.Now()
	defer func() {
		code := "ok"
		if err != nil {
			code = domain.CodeOf(err)
		}
		observability.RecordSubmit(code, s.clock.Since(start))
	}()

	wallet, err := domain.NormalizeWallet(req.Wallet)
	if err != nil {
		return SubmitResult{}, err
	}

	release, ok, err := s.locks.TryLock(ctx, wallet)
	if err != nil {
		return SubmitResult{}, domain.Transient("lock_unavailable", err)
	}
	if !ok {
		return SubmitResult{}, domain.Conflict("claim_in_progress", "a claim for this wallet is already in progress")
	}
	defer release()

	return s.submitLocked(ctx, wallet, req)
}

func (s *Service) submitLocked(ctx context.Context, wallet string, req SubmitRequest) (SubmitResult, error) {
	tx, err := solanago.TransactionFromBase64(req.SignedTransaction)
	if err != nil {
		return SubmitResult{}, domain.Validationf("invalid_transaction", "transaction does not decode: %v", err)
	}
	claimant, err := solanaKey(wallet)
	if err != nil {
		return SubmitResult{}, err
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(claimant) {
		return SubmitResult{}, domain.Validationf("fee_payer_mismatch", "fee payer must be the claiming wallet")
	}

	ids := normalizeIDs(req.SnapshotIDs)
	if req.PreviewID != "" {
		bound, err := s.checkPreview(ctx, wallet, req.PreviewID, ids, tx)
		if err != nil {
			return SubmitResult{}, err
		}
		ids = bound
	}
	if len(ids) == 0 {
		return SubmitResult{}, domain.Validationf("snapshot_ids_required", "snapshot ids are required")
	}

	unclaimed, unclaimedIDs, err := s.ledger.UnclaimedTotal(ctx, wallet, ids)
	if err != nil {
		return SubmitResult{}, domain.Transient("store_unavailable", err)
	}
	if unclaimed == 0 {
		return SubmitResult{}, domain.Validationf("nothing_to_claim", "nothing left to claim")
	}
	if req.AmountHint > unclaimed {
		return SubmitResult{}, domain.Validationf("amount_hint_exceeds",
			"requested %d exceeds unclaimed %d", uint64(req.AmountHint), uint64(unclaimed))
	}

	liquidity, exists, err := s.treasuryLiquidity(ctx)
	if err != nil {
		return SubmitResult{}, domain.Transient("rpc_unavailable", err)
	}
	if !exists || liquidity == 0 {
		return SubmitResult{}, domain.Liquidity("insufficient_liquidity", "treasury has no reward liquidity")
	}
	amount := domain.Min(unclaimed, domain.Amount(liquidity))

	if err := Verify(tx, Expect{
		Claimant:    claimant,
		Treasury:    s.treasuryPub,
		Operator:    s.operator,
		Mint:        s.mint,
		Amount:      uint64(amount),
		Decimals:    s.decimals,
		FeeLamports: s.feeLamports,
	}); err != nil {
		s.log.Warn("claim: transaction rejected", "wallet", wallet, "error", err)
		return SubmitResult{}, err
	}

	if _, err := tx.PartialSign(solana.SignerFunc(s.treasury)); err != nil {
		return SubmitResult{}, domain.Fatal(err)
	}

	// The treasury has signed: from here on the transfer may land, so every
	// path that is not a proven rejection settles under this signature.
	sig := tx.Signatures[0].String()
	if _, err := s.network.Broadcast(ctx, tx); err != nil {
		if sendRejected(err) {
			s.log.Warn("claim: broadcast rejected", "wallet", wallet, "signature", sig, "error", err)
			return SubmitResult{}, domain.Transient("broadcast_failed", err)
		}
		s.log.Warn("claim: broadcast outcome unclear, checking signature",
			"wallet", wallet,
			"signature", sig,
			"error", err,
		)
	}

	conf, err := s.network.Confirm(context.WithoutCancel(ctx), sig)
	if err != nil {
		s.log.Debug("claim: confirm interrupted", "signature", sig, "error", err)
	}
	if conf == solana.ConfirmUnknown {
		s.log.Warn("claim: confirmation unknown, settling", "wallet", wallet, "signature", sig)
	}
	if conf == solana.ConfirmFailed {
		s.log.Warn("claim: transaction failed on chain", "wallet", wallet, "signature", sig)
		return SubmitResult{}, &domain.Error{
			Kind: domain.KindTransientUpstream,
			Code: "transaction_failed",
			Msg:  "claim transaction failed on chain",
		}
	}

	rec := &domain.ClaimRecord{
		Signature:   sig,
		Wallet:      wallet,
		Amount:      amount,
		Entitled:    unclaimed,
		SnapshotIDs: unclaimedIDs,
		Timestamp:   s.clock.Now().UnixMilli(),
	}
	if err := s.settle(ctx, rec, req.PreviewID); err != nil {
		// The transfer is out; the ledger must be repaired from the signature.
		s.log.Error("claim: settlement failed",
			"wallet", wallet,
			"signature", sig,
			"amount", uint64(amount),
			"snapshot_ids", unclaimedIDs,
			"error", err,
		)
		return SubmitResult{}, domain.Fatal(err)
	}
	s.cache.Forget(wallet)

	s.log.Info("claim: settled",
		"wallet", wallet,
		"signature", sig,
		"amount", uint64(amount),
		"entitled", uint64(unclaimed),
		"confirmation", conf.String(),
	)
	return SubmitResult{
		Signature:    sig,
		Amount:       amount,
		Entitled:     unclaimed,
		SnapshotIDs:  unclaimedIDs,
		Confirmation: conf,
	}, nil
}

// checkPreview validates the preview binding and returns the snapshot ids
// the submit settles.
func (s *Service) checkPreview(ctx context.Context, wallet, previewID string, ids []int64, tx *solanago.Transaction) ([]int64, error) {
	p, err := s.previews.Get(ctx, previewID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.Validationf("preview_not_found", "preview %s not found", previewID)
	}
	if err != nil {
		return nil, domain.Transient("store_unavailable", err)
	}

	switch {
	case p.Wallet != wallet:
		return nil, domain.Validationf("preview_wallet_mismatch", "preview belongs to another wallet")
	case p.Consumed:
		return nil, domain.Validationf("preview_consumed", "preview was already used")
	case p.Expired(s.clock.Now().UnixMilli(), s.previewTTL.Milliseconds()):
		return nil, domain.Validationf("preview_expired", "preview expired, request a new one")
	}

	bound := normalizeIDs(p.SnapshotIDs)
	if len(ids) > 0 && !slices.Equal(ids, bound) {
		return nil, domain.Validationf("preview_mismatch", "snapshot ids differ from the preview")
	}

	// Wallets may add compute-budget instructions, which changes the hash.
	if content, err := tx.Message.MarshalBinary(); err == nil && idhash.ComputeMessageHash(content) != p.MessageHash {
		s.log.Info("claim: message differs from preview", "wallet", wallet, "preview_id", previewID)
	}
	return bound, nil
}

// settle records a broadcast claim. Retries run detached from the request
// so a disconnecting client cannot leave the ledger half written.
func (s *Service) settle(ctx context.Context, rec *domain.ClaimRecord, previewID string) error {
	ctx = context.WithoutCancel(ctx)

	if previewID != "" {
		if err := s.previews.Consume(ctx, previewID); err != nil && !errors.Is(err, storage.ErrAlreadyConsumed) {
			s.log.Warn("claim: consume preview failed", "preview_id", previewID, "error", err)
		}
	}

	err := retry.Do(ctx, s.settleRetry, func() error {
		_, err := s.ledger.MarkClaimed(ctx, rec.Wallet, rec.SnapshotIDs, rec.Amount, rec.Signature)
		return err
	})
	if err != nil {
		return err
	}

	var inserted bool
	err = retry.Do(ctx, s.settleRetry, func() error {
		err := s.claims.Insert(ctx, rec)
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil
		}
		inserted = err == nil
		return err
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	total, err := s.ledger.AddToRunningTotal(ctx, rec.Amount)
	if err != nil {
		s.log.Warn("claim: running total not updated", "signature", rec.Signature, "error", err)
	}
	observability.RecordClaimed(uint64(rec.Amount), uint64(total))

	if s.archive != nil {
		if err := s.archive.ArchiveClaim(ctx, rec); err != nil {
			s.log.Warn("claim: archive failed", "signature", rec.Signature, "error", err)
		}
	}
	return nil
}

// sendRejected reports whether a broadcast error proves the transaction was
// never accepted. Transport failures, exhausted retries and cancellations
// leave the outcome open.
func sendRejected(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !retry.IsRetryable(err)
}

func solanaKey(wallet string) (solanago.PublicKey, error) {
	key, err := solanago.PublicKeyFromBase58(wallet)
	if err != nil {
		return solanago.PublicKey{}, domain.Validationf("invalid_wallet", "wallet %q is not a base58 key", wallet)
	}
	return key, nil
}

// normalizeIDs sorts and de-duplicates snapshot ids.
func normalizeIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
