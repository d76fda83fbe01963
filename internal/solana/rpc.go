package solana

import (
	"context"
	"errors"
)

// ErrAccountNotFound is returned when a queried account does not exist.
var ErrAccountNotFound = errors.New("account not found")

// RPCClient is the subset of Solana JSON-RPC the distributor depends on.
type RPCClient interface {
	// GetBalance returns the lamport balance of an account (0 if absent).
	GetBalance(ctx context.Context, account string) (uint64, error)

	// GetTokenAccountBalance returns the raw balance of an SPL token account.
	// Returns ErrAccountNotFound if the token account does not exist.
	GetTokenAccountBalance(ctx context.Context, tokenAccount string) (*TokenBalance, error)

	// GetAccountInfo returns account info, or nil if the account does not exist.
	GetAccountInfo(ctx context.Context, account string) (*AccountInfo, error)

	// GetLatestBlockhash returns a recent blockhash for transaction building.
	GetLatestBlockhash(ctx context.Context) (*Blockhash, error)

	// SendTransaction submits a fully signed wire transaction and returns
	// its signature.
	SendTransaction(ctx context.Context, rawTx []byte) (string, error)

	// GetSignatureStatuses returns one entry per signature; nil entries are
	// signatures the node has not seen.
	GetSignatureStatuses(ctx context.Context, signatures ...string) ([]*SignatureStatus, error)

	// GetTransaction retrieves a confirmed transaction, or nil if not found.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// GetProgramAccounts lists accounts owned by program matching all filters.
	GetProgramAccounts(ctx context.Context, program string, filters []AccountFilter) ([]ProgramAccount, error)

	// GetSlot returns the current slot.
	GetSlot(ctx context.Context) (int64, error)
}

// Transaction represents a confirmed Solana transaction.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err         interface{}
	LogMessages []string
}

// TransactionMessage contains parsed transaction message.
type TransactionMessage struct {
	AccountKeys []string
}

// Succeeded reports whether the transaction executed without error.
func (tx *Transaction) Succeeded() bool {
	return tx != nil && (tx.Meta == nil || tx.Meta.Err == nil)
}

// TokenBalance is an SPL token account balance in raw units.
type TokenBalance struct {
	Amount   uint64
	Decimals uint8
}

// Blockhash is a recent blockhash and the height after which it expires.
type Blockhash struct {
	Hash                 string
	LastValidBlockHeight uint64
}

// Confirmation levels reported by getSignatureStatuses.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// SignatureStatus is one entry of getSignatureStatuses.
type SignatureStatus struct {
	Slot               int64
	Confirmations      *uint64 // nil once rooted
	ConfirmationStatus string
	Err                interface{}
}

// Landed reports whether the transaction reached at least confirmed.
func (s *SignatureStatus) Landed() bool {
	if s == nil {
		return false
	}
	return s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized
}

// AccountFilter is a getProgramAccounts filter. Exactly one field is set.
type AccountFilter struct {
	DataSize uint64
	Memcmp   *Memcmp
}

// Memcmp matches Bytes (base58) at Offset in the account data.
type Memcmp struct {
	Offset uint64
	Bytes  string
}

// ProgramAccount is one getProgramAccounts result with decoded data.
type ProgramAccount struct {
	Pubkey string
	Data   []byte
}
