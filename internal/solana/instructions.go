package solana

import (
	"errors"
	"fmt"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// createIdempotent is the associated-token-account instruction tag that
// succeeds when the account already exists.
const createIdempotent byte = 1

// ErrNotTransfer is returned when an instruction is not the expected transfer.
var ErrNotTransfer = errors.New("instruction is not a transfer")

// CreateATAIdempotent builds an instruction creating owner's associated
// token account for mint, paid by payer. It is a no-op if the account exists.
func CreateATAIdempotent(payer, owner, mint solanago.PublicKey) (solanago.Instruction, error) {
	ata, err := AssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	accounts := solanago.AccountMetaSlice{
		solanago.Meta(payer).WRITE().SIGNER(),
		solanago.Meta(ata).WRITE(),
		solanago.Meta(owner),
		solanago.Meta(mint),
		solanago.Meta(solanago.SystemProgramID),
		solanago.Meta(solanago.TokenProgramID),
	}
	return solanago.NewInstruction(solanago.SPLAssociatedTokenAccountProgramID, accounts, []byte{createIdempotent}), nil
}

// TransferChecked builds an SPL TransferChecked from source to destination
// authorized by owner.
func TransferChecked(amount uint64, decimals uint8, source, mint, destination, owner solanago.PublicKey) solanago.Instruction {
	return token.NewTransferCheckedInstruction(amount, decimals, source, mint, destination, owner, nil).Build()
}

// SystemTransferIx builds a lamport transfer.
func SystemTransferIx(lamports uint64, from, to solanago.PublicKey) solanago.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}

// TokenTransfer is a decoded SPL TransferChecked.
type TokenTransfer struct {
	Source      solanago.PublicKey
	Mint        solanago.PublicKey
	Destination solanago.PublicKey
	Authority   solanago.PublicKey
	Amount      uint64
	Decimals    uint8
}

// SystemTransfer is a decoded system-program lamport transfer.
type SystemTransfer struct {
	From     solanago.PublicKey
	To       solanago.PublicKey
	Lamports uint64
}

// ProgramOf returns the program invoked by a compiled instruction.
func ProgramOf(msg *solanago.Message, ci solanago.CompiledInstruction) (solanago.PublicKey, error) {
	return msg.ResolveProgramIDIndex(ci.ProgramIDIndex)
}

// DecodeTokenTransfer decodes ci as a token-program TransferChecked.
// Returns ErrNotTransfer for any other instruction.
func DecodeTokenTransfer(msg *solanago.Message, ci solanago.CompiledInstruction) (*TokenTransfer, error) {
	program, err := ProgramOf(msg, ci)
	if err != nil {
		return nil, err
	}
	if !program.Equals(solanago.TokenProgramID) {
		return nil, ErrNotTransfer
	}
	accounts, err := ci.ResolveInstructionAccounts(msg)
	if err != nil {
		return nil, fmt.Errorf("resolve accounts: %w", err)
	}
	inst, err := token.DecodeInstruction(accounts, ci.Data)
	if err != nil {
		return nil, fmt.Errorf("decode token instruction: %w", err)
	}
	tc, ok := inst.Impl.(*token.TransferChecked)
	if !ok || tc.Amount == nil || tc.Decimals == nil {
		return nil, ErrNotTransfer
	}
	return &TokenTransfer{
		Source:      tc.GetSourceAccount().PublicKey,
		Mint:        tc.GetMintAccount().PublicKey,
		Destination: tc.GetDestinationAccount().PublicKey,
		Authority:   tc.GetOwnerAccount().PublicKey,
		Amount:      *tc.Amount,
		Decimals:    *tc.Decimals,
	}, nil
}

// DecodeSystemTransfer decodes ci as a system-program Transfer.
// Returns ErrNotTransfer for any other instruction.
func DecodeSystemTransfer(msg *solanago.Message, ci solanago.CompiledInstruction) (*SystemTransfer, error) {
	program, err := ProgramOf(msg, ci)
	if err != nil {
		return nil, err
	}
	if !program.Equals(solanago.SystemProgramID) {
		return nil, ErrNotTransfer
	}
	accounts, err := ci.ResolveInstructionAccounts(msg)
	if err != nil {
		return nil, fmt.Errorf("resolve accounts: %w", err)
	}
	inst, err := system.DecodeInstruction(accounts, ci.Data)
	if err != nil {
		return nil, fmt.Errorf("decode system instruction: %w", err)
	}
	tr, ok := inst.Impl.(*system.Transfer)
	if !ok || tr.Lamports == nil {
		return nil, ErrNotTransfer
	}
	return &SystemTransfer{
		From:     tr.GetFundingAccount().PublicKey,
		To:       tr.GetRecipientAccount().PublicKey,
		Lamports: *tr.Lamports,
	}, nil
}
