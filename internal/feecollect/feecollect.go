// Package feecollect claims accrued creator fees into the operating account
// and proves the claim from the transaction's log messages.
package feecollect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"

	"reward-distributor/internal/retry"
	"reward-distributor/internal/solana"
)

// Result is the outcome of a collection attempt. Verified is false when
// the transaction could not be shown to have claimed anything; callers
// treat that as "no claim happened".
type Result struct {
	Signature string
	Verified  bool
}

// Collector claims fees.
type Collector interface {
	Collect(ctx context.Context) (Result, error)
}

// Func adapts a function to Collector.
type Func func(ctx context.Context) (Result, error)

// Collect calls f.
func (f Func) Collect(ctx context.Context) (Result, error) { return f(ctx) }

// Config configures APICollector.
type Config struct {
	// URL returns a serialized, unsigned collect transaction on POST.
	URL string
	// Marker is a substring a log line must contain to prove the claim.
	Marker      string
	PriorityFee float64 // SOL, passed through to the API
	Timeout     time.Duration
	Retry       retry.Config
	// Verify bounds the wait for the transaction to become queryable.
	Verify retry.Config
	Logger *slog.Logger
}

// APICollector builds the collect transaction through an HTTP API, signs
// it with the operating key and verifies the landed transaction's logs.
type APICollector struct {
	cfg     Config
	signer  solanago.PrivateKey
	client  *http.Client
	network *solana.Network
}

// NewAPICollector creates a collector.
func NewAPICollector(cfg Config, signer solanago.PrivateKey, network *solana.Network) *APICollector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Verify.MaxAttempts <= 0 {
		cfg.Verify = retry.Config{MaxAttempts: 8, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &APICollector{
		cfg:     cfg,
		signer:  signer,
		client:  &http.Client{Timeout: cfg.Timeout},
		network: network,
	}
}

// Compile-time interface check.
var _ Collector = (*APICollector)(nil)

// Collect requests, signs and sends the collect transaction, then checks
// its logs for the marker.
func (c *APICollector) Collect(ctx context.Context) (Result, error) {
	raw, err := retry.DoValue(ctx, c.cfg.Retry, func() ([]byte, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return Result{}, fmt.Errorf("feecollect: build transaction: %w", err)
	}

	tx, err := solanago.TransactionFromBytes(raw)
	if err != nil {
		return Result{}, fmt.Errorf("feecollect: decode transaction: %w", err)
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(c.signer.PublicKey()) {
		return Result{}, errors.New("feecollect: transaction fee payer is not the operating account")
	}
	if _, err := tx.PartialSign(solana.SignerFunc(c.signer)); err != nil {
		return Result{}, fmt.Errorf("feecollect: sign: %w", err)
	}

	sig, confirmation, err := c.network.SendAndConfirm(ctx, tx)
	if err != nil {
		return Result{}, fmt.Errorf("feecollect: send: %w", err)
	}
	if confirmation == solana.ConfirmFailed {
		c.cfg.Logger.Warn("feecollect: transaction failed on-chain", "signature", sig)
		return Result{Signature: sig}, nil
	}

	verified, err := c.verify(ctx, sig)
	if err != nil {
		return Result{Signature: sig}, err
	}
	c.cfg.Logger.Info("feecollect: collected", "signature", sig, "verified", verified)
	return Result{Signature: sig, Verified: verified}, nil
}

// verify polls for the transaction and looks for the marker in its logs.
// A transaction that never becomes visible is unverified, not an error.
func (c *APICollector) verify(ctx context.Context, sig string) (bool, error) {
	var found *solana.Transaction
	_, err := retry.Poll(ctx, c.cfg.Verify, func() (bool, error) {
		tx, err := c.network.RPC().GetTransaction(ctx, sig)
		if err != nil {
			return false, err
		}
		found = tx
		return tx != nil, nil
	})
	if err != nil {
		return false, fmt.Errorf("feecollect: verify %s: %w", sig, err)
	}
	return HasMarker(found, c.cfg.Marker), nil
}

// HasMarker reports whether tx succeeded and one of its log lines contains
// marker. An empty marker only requires success.
func HasMarker(tx *solana.Transaction, marker string) bool {
	if tx == nil || !tx.Succeeded() {
		return false
	}
	if marker == "" {
		return true
	}
	if tx.Meta == nil {
		return false
	}
	for _, line := range tx.Meta.LogMessages {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func (c *APICollector) fetch(ctx context.Context) ([]byte, error) {
	body, err := json.Marshal(map[string]interface{}{
		"publicKey":   c.signer.PublicKey().String(),
		"action":      "collectCreatorFee",
		"priorityFee": c.cfg.PriorityFee,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	// Some deployments wrap the transaction in JSON, others return raw bytes.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var wrapped struct {
			Transaction string `json:"transaction"`
		}
		if err := json.Unmarshal(respBody, &wrapped); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		tx, err := solanago.TransactionFromBase64(wrapped.Transaction)
		if err != nil {
			return nil, fmt.Errorf("decode response transaction: %w", err)
		}
		return tx.MarshalBinary()
	}
	return respBody, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	b := e.body
	if len(b) > 256 {
		b = b[:256]
	}
	return fmt.Sprintf("fee api: HTTP %d: %s", e.code, b)
}

func (e *statusError) StatusCode() int { return e.code }
