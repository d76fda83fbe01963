// Package claim builds, validates and settles holder reward claims.
//
// A claim is a transaction the claimant pays for and signs first. It
// creates their reward token account if needed, moves the reward from the
// treasury with TransferChecked and pays the service fee to the operator.
// The treasury co-signs only after every instruction has been checked
// against the ledger.
package claim

import (
	"fmt"

	solanago "github.com/gagliardetto/solana-go"

	"reward-distributor/internal/solana"
)

// TxParams describes one claim transaction.
type TxParams struct {
	Claimant    solanago.PublicKey
	Treasury    solanago.PublicKey
	Operator    solanago.PublicKey
	Mint        solanago.PublicKey
	Amount      uint64
	Decimals    uint8
	FeeLamports uint64
	Blockhash   solanago.Hash
}

// BuildTransaction returns the unsigned claim transaction with the
// claimant as fee payer.
func BuildTransaction(p TxParams) (*solanago.Transaction, error) {
	createATA, err := solana.CreateATAIdempotent(p.Claimant, p.Claimant, p.Mint)
	if err != nil {
		return nil, fmt.Errorf("claim: create ata: %w", err)
	}
	source, err := solana.AssociatedTokenAddress(p.Treasury, p.Mint)
	if err != nil {
		return nil, fmt.Errorf("claim: treasury ata: %w", err)
	}
	dest, err := solana.AssociatedTokenAddress(p.Claimant, p.Mint)
	if err != nil {
		return nil, fmt.Errorf("claim: claimant ata: %w", err)
	}

	instrs := []solanago.Instruction{
		createATA,
		solana.TransferChecked(p.Amount, p.Decimals, source, p.Mint, dest, p.Treasury),
	}
	if p.FeeLamports > 0 {
		instrs = append(instrs, solana.SystemTransferIx(p.FeeLamports, p.Claimant, p.Operator))
	}

	tx, err := solanago.NewTransaction(instrs, p.Blockhash, solanago.TransactionPayer(p.Claimant))
	if err != nil {
		return nil, fmt.Errorf("claim: build transaction: %w", err)
	}
	// Empty slots let wallets and the treasury sign in place.
	tx.Signatures = make([]solanago.Signature, tx.Message.Header.NumRequiredSignatures)
	return tx, nil
}
