// Package stub provides an in-memory solana.RPCClient for tests.
package stub

import (
	"bytes"
	"context"
	"errors"
	"sync"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"reward-distributor/internal/solana"
)

// RPCClient implements solana.RPCClient in memory. With ApplyTransfers set,
// every sent transaction moves lamports and token balances for its system
// transfers and TransferChecked instructions, which is enough to drive the
// prepare and claim flows end to end.
type RPCClient struct {
	mu sync.Mutex

	Balances        map[string]uint64 // account -> lamports
	TokenAccounts   map[string]uint64 // token account -> raw amount
	Decimals        uint8
	Transactions    map[string]*solana.Transaction
	Statuses        map[string]*solana.SignatureStatus
	ProgramAccounts map[string][]solana.ProgramAccount // program -> accounts
	Blockhash       string
	Slot            int64

	// ApplyTransfers executes transfers found in sent transactions.
	ApplyTransfers bool
	// AutoConfirm marks every sent signature as confirmed.
	AutoConfirm bool
	// OnSend runs for each sent transaction before it is applied. A non-nil
	// error fails the send.
	OnSend func(tx *solanago.Transaction) error
	// SendErr fails every send when set.
	SendErr error
	// LostErr is returned after a send was applied, as when the node
	// accepted the transaction but its response never arrived.
	LostErr error
	// ReadErr fails every read when set.
	ReadErr error

	sent  []*solanago.Transaction
	reads int
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Balances:        make(map[string]uint64),
		TokenAccounts:   make(map[string]uint64),
		Transactions:    make(map[string]*solana.Transaction),
		Statuses:        make(map[string]*solana.SignatureStatus),
		ProgramAccounts: make(map[string][]solana.ProgramAccount),
		Blockhash:       solanago.Hash{1}.String(),
		Slot:            1,
		ApplyTransfers:  true,
		AutoConfirm:     true,
	}
}

// Compile-time interface check.
var _ solana.RPCClient = (*RPCClient)(nil)

func (c *RPCClient) readErr() error {
	c.reads++
	return c.ReadErr
}

// GetBalance returns the stored lamport balance.
func (c *RPCClient) GetBalance(_ context.Context, account string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErr(); err != nil {
		return 0, err
	}
	return c.Balances[account], nil
}

// GetTokenAccountBalance returns the stored token balance.
func (c *RPCClient) GetTokenAccountBalance(_ context.Context, tokenAccount string) (*solana.TokenBalance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErr(); err != nil {
		return nil, err
	}
	amount, ok := c.TokenAccounts[tokenAccount]
	if !ok {
		return nil, solana.ErrAccountNotFound
	}
	return &solana.TokenBalance{Amount: amount, Decimals: c.Decimals}, nil
}

// GetAccountInfo reports lamport-holding and token accounts as existing.
func (c *RPCClient) GetAccountInfo(_ context.Context, account string) (*solana.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErr(); err != nil {
		return nil, err
	}
	if _, ok := c.TokenAccounts[account]; ok {
		return &solana.AccountInfo{Owner: solanago.TokenProgramID.String()}, nil
	}
	if lamports, ok := c.Balances[account]; ok {
		return &solana.AccountInfo{Lamports: lamports, Owner: solanago.SystemProgramID.String()}, nil
	}
	return nil, nil
}

// GetLatestBlockhash returns the configured blockhash.
func (c *RPCClient) GetLatestBlockhash(_ context.Context) (*solana.Blockhash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErr(); err != nil {
		return nil, err
	}
	return &solana.Blockhash{Hash: c.Blockhash, LastValidBlockHeight: uint64(c.Slot) + 150}, nil
}

// SendTransaction decodes, records and optionally applies rawTx.
func (c *RPCClient) SendTransaction(_ context.Context, rawTx []byte) (string, error) {
	tx, err := solanago.TransactionFromBytes(rawTx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	sendErr, lostErr, hook := c.SendErr, c.LostErr, c.OnSend
	c.mu.Unlock()

	if sendErr != nil {
		return "", sendErr
	}
	if hook != nil {
		if err := hook(tx); err != nil {
			return "", err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sig := tx.Signatures[0].String()
	c.sent = append(c.sent, tx)
	c.Slot++

	var txErr interface{}
	if c.ApplyTransfers {
		if err := c.apply(tx); err != nil {
			txErr = err.Error()
		}
	}
	if c.AutoConfirm {
		c.Statuses[sig] = &solana.SignatureStatus{
			Slot:               c.Slot,
			ConfirmationStatus: solana.CommitmentConfirmed,
			Err:                txErr,
		}
	}
	if _, ok := c.Transactions[sig]; !ok {
		c.Transactions[sig] = &solana.Transaction{
			Slot:      c.Slot,
			Signature: sig,
			Meta:      &solana.TransactionMeta{Err: txErr},
			Message:   &solana.TransactionMessage{AccountKeys: keysOf(tx)},
		}
	}
	if lostErr != nil {
		return "", lostErr
	}
	return sig, nil
}

var errInsufficientFunds = errors.New("insufficient funds")

// apply executes every transfer in tx atomically.
func (c *RPCClient) apply(tx *solanago.Transaction) error {
	lamports := make(map[string]uint64, len(c.Balances))
	for k, v := range c.Balances {
		lamports[k] = v
	}
	tokens := make(map[string]uint64, len(c.TokenAccounts))
	for k, v := range c.TokenAccounts {
		tokens[k] = v
	}

	msg := &tx.Message
	for _, ci := range msg.Instructions {
		program, err := solana.ProgramOf(msg, ci)
		if err != nil {
			return err
		}
		switch {
		case program.Equals(solanago.SystemProgramID):
			tr, err := solana.DecodeSystemTransfer(msg, ci)
			if err != nil {
				continue
			}
			from, to := tr.From.String(), tr.To.String()
			if lamports[from] < tr.Lamports {
				return errInsufficientFunds
			}
			lamports[from] -= tr.Lamports
			lamports[to] += tr.Lamports

		case program.Equals(solanago.TokenProgramID):
			tr, err := solana.DecodeTokenTransfer(msg, ci)
			if err != nil {
				continue
			}
			src, dst := tr.Source.String(), tr.Destination.String()
			if _, ok := tokens[dst]; !ok {
				return errors.New("destination token account does not exist")
			}
			if tokens[src] < tr.Amount {
				return errInsufficientFunds
			}
			tokens[src] -= tr.Amount
			tokens[dst] += tr.Amount

		case program.Equals(solanago.SPLAssociatedTokenAccountProgramID):
			accounts, err := ci.ResolveInstructionAccounts(msg)
			if err != nil || len(accounts) < 2 {
				continue
			}
			ata := accounts[1].PublicKey.String()
			if _, ok := tokens[ata]; !ok {
				tokens[ata] = 0
			}
		}
	}

	c.Balances = lamports
	c.TokenAccounts = tokens
	return nil
}

func keysOf(tx *solanago.Transaction) []string {
	keys := make([]string, len(tx.Message.AccountKeys))
	for i, k := range tx.Message.AccountKeys {
		keys[i] = k.String()
	}
	return keys
}

// GetSignatureStatuses returns stored statuses; unknown signatures are nil.
func (c *RPCClient) GetSignatureStatuses(_ context.Context, signatures ...string) ([]*solana.SignatureStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErr(); err != nil {
		return nil, err
	}
	out := make([]*solana.SignatureStatus, len(signatures))
	for i, sig := range signatures {
		if st, ok := c.Statuses[sig]; ok {
			cp := *st
			out[i] = &cp
		}
	}
	return out, nil
}

// GetTransaction returns a stored transaction or nil.
func (c *RPCClient) GetTransaction(_ context.Context, signature string) (*solana.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErr(); err != nil {
		return nil, err
	}
	return c.Transactions[signature], nil
}

// GetProgramAccounts applies dataSize and memcmp filters to stored accounts.
func (c *RPCClient) GetProgramAccounts(_ context.Context, program string, filters []solana.AccountFilter) ([]solana.ProgramAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErr(); err != nil {
		return nil, err
	}

	var out []solana.ProgramAccount
	for _, acc := range c.ProgramAccounts[program] {
		if matches(acc.Data, filters) {
			out = append(out, acc)
		}
	}
	return out, nil
}

func matches(data []byte, filters []solana.AccountFilter) bool {
	for _, f := range filters {
		if f.DataSize > 0 && uint64(len(data)) != f.DataSize {
			return false
		}
		if f.Memcmp != nil {
			want, err := base58.Decode(f.Memcmp.Bytes)
			if err != nil {
				return false
			}
			end := f.Memcmp.Offset + uint64(len(want))
			if end > uint64(len(data)) || !bytes.Equal(data[f.Memcmp.Offset:end], want) {
				return false
			}
		}
	}
	return true
}

// GetSlot returns the current slot.
func (c *RPCClient) GetSlot(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErr(); err != nil {
		return 0, err
	}
	return c.Slot, nil
}

// SetBalance sets an account's lamports.
func (c *RPCClient) SetBalance(account solanago.PublicKey, lamports uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Balances[account.String()] = lamports
}

// AddBalance credits an account's lamports.
func (c *RPCClient) AddBalance(account solanago.PublicKey, lamports uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Balances[account.String()] += lamports
}

// Balance returns an account's lamports.
func (c *RPCClient) Balance(account solanago.PublicKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Balances[account.String()]
}

// SetTokenBalance creates or overwrites owner's associated token account.
func (c *RPCClient) SetTokenBalance(owner, mint solanago.PublicKey, amount uint64) {
	ata, _ := solana.AssociatedTokenAddress(owner, mint)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TokenAccounts[ata.String()] = amount
}

// AddTokenBalance credits owner's associated token account, creating it.
func (c *RPCClient) AddTokenBalance(owner, mint solanago.PublicKey, amount uint64) {
	ata, _ := solana.AssociatedTokenAddress(owner, mint)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TokenAccounts[ata.String()] += amount
}

// TokenBalanceOf returns owner's associated token balance and whether the
// account exists.
func (c *RPCClient) TokenBalanceOf(owner, mint solanago.PublicKey) (uint64, bool) {
	ata, _ := solana.AssociatedTokenAddress(owner, mint)
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.TokenAccounts[ata.String()]
	return v, ok
}

// AddTransaction stores a confirmed transaction.
func (c *RPCClient) AddTransaction(tx *solana.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transactions[tx.Signature] = tx
}

// AddProgramAccount stores an account owned by program.
func (c *RPCClient) AddProgramAccount(program solanago.PublicKey, acc solana.ProgramAccount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := program.String()
	c.ProgramAccounts[key] = append(c.ProgramAccounts[key], acc)
}

// SetSendErr sets or clears the send failure.
func (c *RPCClient) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendErr = err
}

// SetLostErr sets or clears the error returned after an applied send.
func (c *RPCClient) SetLostErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LostErr = err
}

// Sent returns the transactions sent so far.
func (c *RPCClient) Sent() []*solanago.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*solanago.Transaction, len(c.sent))
	copy(out, c.sent)
	return out
}

// SendCount returns the number of successful sends.
func (c *RPCClient) SendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// Reads returns the number of read calls served.
func (c *RPCClient) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}
