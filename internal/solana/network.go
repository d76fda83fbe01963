package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"

	"reward-distributor/internal/retry"
)

// Confirmation is the best-effort outcome of waiting for a signature.
type Confirmation int

const (
	// ConfirmUnknown means the wait ended before the node reported anything.
	// The transaction may still land.
	ConfirmUnknown Confirmation = iota
	ConfirmLanded
	ConfirmFailed
)

func (c Confirmation) String() string {
	switch c {
	case ConfirmLanded:
		return "landed"
	case ConfirmFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BroadcastHook observes every send attempt. endpoint is "primary" or
// "secondary"; err is nil on success.
type BroadcastHook func(endpoint string, err error)

// Network is the ledger-network client used by the engines. It layers
// bounded retries, secondary-endpoint failover for broadcasts and
// best-effort confirmation over raw RPC.
type Network struct {
	primary   RPCClient
	secondary RPCClient
	ws        SignatureSubscriber

	retry          retry.Config
	confirmTimeout time.Duration
	pollInterval   time.Duration
	onBroadcast    BroadcastHook
	log            *slog.Logger
}

// NetworkOption configures Network.
type NetworkOption func(*Network)

// WithSecondary sets the failover endpoint used when a broadcast to the
// primary fails transiently.
func WithSecondary(c RPCClient) NetworkOption {
	return func(n *Network) {
		n.secondary = c
	}
}

// WithSubscriber enables WebSocket confirmation.
func WithSubscriber(ws SignatureSubscriber) NetworkOption {
	return func(n *Network) {
		n.ws = ws
	}
}

// WithRetry sets the retry policy for reads and broadcasts.
func WithRetry(cfg retry.Config) NetworkOption {
	return func(n *Network) {
		n.retry = cfg
	}
}

// WithConfirmTimeout bounds Confirm.
func WithConfirmTimeout(d time.Duration) NetworkOption {
	return func(n *Network) {
		n.confirmTimeout = d
	}
}

// WithPollInterval sets the signature status polling interval.
func WithPollInterval(d time.Duration) NetworkOption {
	return func(n *Network) {
		n.pollInterval = d
	}
}

// WithBroadcastHook registers a send observer.
func WithBroadcastHook(h BroadcastHook) NetworkOption {
	return func(n *Network) {
		n.onBroadcast = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) NetworkOption {
	return func(n *Network) {
		n.log = l
	}
}

// NewNetwork creates a Network over primary.
func NewNetwork(primary RPCClient, opts ...NetworkOption) *Network {
	n := &Network{
		primary:        primary,
		retry:          retry.DefaultConfig(),
		confirmTimeout: 30 * time.Second,
		pollInterval:   time.Second,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// RPC returns the primary client.
func (n *Network) RPC() RPCClient {
	return n.primary
}

// Balance returns the lamport balance of account.
func (n *Network) Balance(ctx context.Context, account solanago.PublicKey) (uint64, error) {
	return retry.DoValue(ctx, n.retry, func() (uint64, error) {
		return n.primary.GetBalance(ctx, account.String())
	})
}

// TokenBalance returns the raw balance of owner's associated token account
// for mint. exists is false when the account has not been created.
func (n *Network) TokenBalance(ctx context.Context, owner, mint solanago.PublicKey) (amount uint64, exists bool, err error) {
	ata, err := AssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, false, err
	}
	return n.TokenAccountBalance(ctx, ata)
}

// TokenAccountBalance returns the raw balance of a token account.
func (n *Network) TokenAccountBalance(ctx context.Context, account solanago.PublicKey) (amount uint64, exists bool, err error) {
	bal, err := retry.DoValue(ctx, n.retry, func() (*TokenBalance, error) {
		return n.primary.GetTokenAccountBalance(ctx, account.String())
	})
	if errors.Is(err, ErrAccountNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return bal.Amount, true, nil
}

// LatestBlockhash returns a recent blockhash.
func (n *Network) LatestBlockhash(ctx context.Context) (solanago.Hash, error) {
	bh, err := retry.DoValue(ctx, n.retry, func() (*Blockhash, error) {
		return n.primary.GetLatestBlockhash(ctx)
	})
	if err != nil {
		return solanago.Hash{}, err
	}
	hash, err := solanago.HashFromBase58(bh.Hash)
	if err != nil {
		return solanago.Hash{}, fmt.Errorf("decode blockhash %q: %w", bh.Hash, err)
	}
	return hash, nil
}

// Transaction returns a confirmed transaction, or nil if the node does not
// know it (yet).
func (n *Network) Transaction(ctx context.Context, signature string) (*Transaction, error) {
	return retry.DoValue(ctx, n.retry, func() (*Transaction, error) {
		return n.primary.GetTransaction(ctx, signature)
	})
}

// Broadcast sends a fully signed transaction. Transient failures on the
// primary are retried on the secondary within the same attempt; attempts
// back off per the retry policy. A transaction the node reports as already
// processed counts as sent. The returned signature is always the
// transaction's own first signature.
func (n *Network) Broadcast(ctx context.Context, tx *solanago.Transaction) (string, error) {
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return "", errors.New("broadcast: transaction is not signed")
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("broadcast: encode transaction: %w", err)
	}
	sig := tx.Signatures[0].String()

	err = retry.Do(ctx, n.retry, func() error {
		err := n.send(ctx, "primary", n.primary, raw)
		if err == nil || n.secondary == nil || !retry.IsRetryable(err) {
			return err
		}

		n.log.Warn("solana: primary broadcast failed, trying secondary", "signature", sig, "error", err)
		if err2 := n.send(ctx, "secondary", n.secondary, raw); err2 != nil {
			return fmt.Errorf("primary: %w; secondary: %w", err, err2)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("broadcast %s: %w", sig, err)
	}
	return sig, nil
}

func (n *Network) send(ctx context.Context, endpoint string, c RPCClient, raw []byte) error {
	_, err := c.SendTransaction(ctx, raw)
	if err != nil && alreadyProcessed(err) {
		err = nil
	}
	if n.onBroadcast != nil {
		n.onBroadcast(endpoint, err)
	}
	return err
}

func alreadyProcessed(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already been processed")
}

// Confirm waits up to the confirm timeout for sig to reach confirmed
// commitment. It uses the WebSocket subscriber when configured and falls
// back to polling signature statuses. Running out of time is not an error:
// the result is ConfirmUnknown.
func (n *Network) Confirm(ctx context.Context, sig string) (Confirmation, error) {
	waitCtx, cancel := context.WithTimeout(ctx, n.confirmTimeout)
	defer cancel()

	if n.ws != nil {
		ch, err := n.ws.SubscribeSignature(waitCtx, sig)
		if err != nil {
			n.log.Debug("solana: subscribe failed, polling", "signature", sig, "error", err)
		} else {
			// The transaction may have landed before the subscription existed.
			if c, ok := n.statusOnce(waitCtx, sig); ok {
				return c, nil
			}
			select {
			case res, ok := <-ch:
				if ok {
					if res.Err != nil {
						return ConfirmFailed, nil
					}
					return ConfirmLanded, nil
				}
			case <-waitCtx.Done():
				return ConfirmUnknown, ctx.Err()
			}
		}
	}

	return n.poll(waitCtx, ctx, sig)
}

func (n *Network) poll(waitCtx, parent context.Context, sig string) (Confirmation, error) {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	for {
		if c, ok := n.statusOnce(waitCtx, sig); ok {
			return c, nil
		}
		select {
		case <-waitCtx.Done():
			return ConfirmUnknown, parent.Err()
		case <-ticker.C:
		}
	}
}

func (n *Network) statusOnce(ctx context.Context, sig string) (Confirmation, bool) {
	statuses, err := n.primary.GetSignatureStatuses(ctx, sig)
	if err != nil {
		n.log.Debug("solana: signature status failed", "signature", sig, "error", err)
		return ConfirmUnknown, false
	}
	if len(statuses) == 0 || statuses[0] == nil {
		return ConfirmUnknown, false
	}
	st := statuses[0]
	if st.Err != nil {
		return ConfirmFailed, true
	}
	if st.Landed() {
		return ConfirmLanded, true
	}
	return ConfirmUnknown, false
}

// SendAndConfirm broadcasts tx and waits for confirmation.
func (n *Network) SendAndConfirm(ctx context.Context, tx *solanago.Transaction) (string, Confirmation, error) {
	sig, err := n.Broadcast(ctx, tx)
	if err != nil {
		return "", ConfirmUnknown, err
	}
	c, err := n.Confirm(ctx, sig)
	return sig, c, err
}

// SignerFunc returns a PartialSign callback that signs with the given keys.
func SignerFunc(keys ...solanago.PrivateKey) func(solanago.PublicKey) *solanago.PrivateKey {
	return func(pub solanago.PublicKey) *solanago.PrivateKey {
		for i := range keys {
			if keys[i].PublicKey().Equals(pub) {
				return &keys[i]
			}
		}
		return nil
	}
}
