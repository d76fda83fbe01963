package claim

import (
	"errors"

	solanago "github.com/gagliardetto/solana-go"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/solana"
)

// Expect is what a submitted claim transaction must do.
type Expect struct {
	Claimant    solanago.PublicKey
	Treasury    solanago.PublicKey
	Operator    solanago.PublicKey
	Mint        solanago.PublicKey
	Amount      uint64
	Decimals    uint8
	FeeLamports uint64
}

func rejectf(code, format string, args ...any) error {
	return domain.Validationf(code, format, args...)
}

// Verify checks a claimant-signed transaction before the treasury co-signs
// it. The treasury may appear only as the authority of exactly one
// TransferChecked that moves Amount of Mint from its token account to the
// claimant's. Every other instruction must be an idempotent ATA creation,
// a compute-budget setting or a lamport transfer paid by the claimant.
func Verify(tx *solanago.Transaction, want Expect) error {
	msg := &tx.Message
	if msg.IsVersioned() && msg.NumLookups() > 0 {
		return rejectf("invalid_transaction", "address lookup tables are not accepted")
	}
	if len(msg.AccountKeys) == 0 || !msg.AccountKeys[0].Equals(want.Claimant) {
		return rejectf("fee_payer_mismatch", "fee payer must be the claiming wallet")
	}

	signers := msg.Signers()
	if len(signers) != 2 || len(tx.Signatures) != len(signers) {
		return rejectf("invalid_signers", "transaction must be signed by the wallet and the treasury only")
	}
	if !msg.IsSigner(want.Treasury) {
		return rejectf("invalid_signers", "treasury is not a signer of the transfer")
	}
	if err := verifyClaimantSignature(tx, want.Claimant); err != nil {
		return err
	}

	source, err := solana.AssociatedTokenAddress(want.Treasury, want.Mint)
	if err != nil {
		return domain.Fatal(err)
	}
	dest, err := solana.AssociatedTokenAddress(want.Claimant, want.Mint)
	if err != nil {
		return domain.Fatal(err)
	}

	var (
		transfers int
		feePaid   uint64
	)
	for _, ci := range msg.Instructions {
		program, err := solana.ProgramOf(msg, ci)
		if err != nil {
			return rejectf("invalid_transaction", "unresolvable program: %v", err)
		}

		switch {
		case program.Equals(solanago.TokenProgramID):
			tr, err := solana.DecodeTokenTransfer(msg, ci)
			if errors.Is(err, solana.ErrNotTransfer) {
				return rejectf("unexpected_instruction", "only TransferChecked is allowed on the token program")
			}
			if err != nil {
				return rejectf("invalid_transaction", "decode transfer: %v", err)
			}
			if err := checkTransfer(tr, want, source, dest); err != nil {
				return err
			}
			transfers++

		case program.Equals(solanago.SystemProgramID):
			tr, err := solana.DecodeSystemTransfer(msg, ci)
			if err != nil {
				return rejectf("unexpected_instruction", "only lamport transfers are allowed on the system program")
			}
			if !tr.From.Equals(want.Claimant) {
				return rejectf("unexpected_instruction", "lamport transfers must be paid by the wallet")
			}
			if tr.To.Equals(want.Operator) {
				feePaid += tr.Lamports
			}

		case program.Equals(solanago.SPLAssociatedTokenAccountProgramID):
			accounts, err := ci.ResolveInstructionAccounts(msg)
			if err != nil || len(accounts) < 1 {
				return rejectf("invalid_transaction", "malformed token account creation")
			}
			if !accounts[0].PublicKey.Equals(want.Claimant) {
				return rejectf("unexpected_instruction", "token account creation must be paid by the wallet")
			}

		case program.Equals(solanago.ComputeBudget):
			// Priority fees chosen by the wallet.

		default:
			return rejectf("unexpected_instruction", "program %s is not allowed", program)
		}
	}

	if transfers != 1 {
		return rejectf("invalid_transfer", "expected exactly one reward transfer, found %d", transfers)
	}
	if feePaid < want.FeeLamports {
		return rejectf("fee_missing", "service fee of %d lamports is not paid", want.FeeLamports)
	}
	return nil
}

func checkTransfer(tr *solana.TokenTransfer, want Expect, source, dest solanago.PublicKey) error {
	switch {
	case !tr.Source.Equals(source):
		return rejectf("invalid_transfer", "transfer source is not the treasury token account")
	case !tr.Mint.Equals(want.Mint):
		return rejectf("invalid_transfer", "transfer mint is not the reward token")
	case !tr.Destination.Equals(dest):
		return rejectf("invalid_transfer", "transfer destination is not the wallet's token account")
	case !tr.Authority.Equals(want.Treasury):
		return rejectf("invalid_transfer", "transfer authority is not the treasury")
	case tr.Decimals != want.Decimals:
		return rejectf("invalid_transfer", "transfer decimals %d, want %d", tr.Decimals, want.Decimals)
	case tr.Amount != want.Amount:
		return rejectf("amount_mismatch", "transfer amount %d, want %d", tr.Amount, want.Amount)
	}
	return nil
}

// verifyClaimantSignature checks the claimant's signature over the message.
func verifyClaimantSignature(tx *solanago.Transaction, claimant solanago.PublicKey) error {
	content, err := tx.Message.MarshalBinary()
	if err != nil {
		return rejectf("invalid_transaction", "encode message: %v", err)
	}
	for i, signer := range tx.Message.Signers() {
		if !signer.Equals(claimant) {
			continue
		}
		if tx.Signatures[i].IsZero() || !tx.Signatures[i].Verify(claimant, content) {
			return rejectf("invalid_signature", "wallet signature is missing or invalid")
		}
		return nil
	}
	return rejectf("invalid_signature", "wallet is not a signer")
}
