package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"

	"reward-distributor/internal/retry"
	"reward-distributor/internal/solana"
)

// StatusError is a non-200 response from the aggregator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("swap api: HTTP %d: %s", e.Code, e.Body)
}

// StatusCode lets retry classify the response.
func (e *StatusError) StatusCode() int { return e.Code }

// JupiterConfig configures JupiterClient.
type JupiterConfig struct {
	BaseURL    string // e.g. https://quote-api.jup.ag/v6
	OutputMint solanago.PublicKey
	Timeout    time.Duration
	Retry      retry.Config
	Logger     *slog.Logger
}

// JupiterClient implements Service against a Jupiter v6 compatible API.
type JupiterClient struct {
	cfg     JupiterConfig
	client  *http.Client
	network *solana.Network
}

// NewJupiterClient creates a client that broadcasts through network.
func NewJupiterClient(cfg JupiterConfig, network *solana.Network) *JupiterClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &JupiterClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		network: network,
	}
}

// Compile-time interface check.
var _ Service = (*JupiterClient)(nil)

type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	InAmount             string `json:"inAmount"`
	OutputMint           string `json:"outputMint"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SlippageBps          uint16 `json:"slippageBps"`
}

// Quote prices amountIn lamports into the reward token.
func (c *JupiterClient) Quote(ctx context.Context, amountIn uint64, slippageBps uint16) (*Quote, error) {
	q := url.Values{}
	q.Set("inputMint", solanago.SolMint.String())
	q.Set("outputMint", c.cfg.OutputMint.String())
	q.Set("amount", strconv.FormatUint(amountIn, 10))
	q.Set("slippageBps", strconv.Itoa(int(slippageBps)))
	q.Set("swapMode", "ExactIn")

	body, err := retry.DoValue(ctx, c.cfg.Retry, func() ([]byte, error) {
		return c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/quote?"+q.Encode(), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("quote: decode: %w", err)
	}

	out := &Quote{
		InputMint:   resp.InputMint,
		OutputMint:  resp.OutputMint,
		SlippageBps: resp.SlippageBps,
		raw:         json.RawMessage(body),
	}
	if out.InAmount, err = parseAmount(resp.InAmount); err != nil {
		return nil, fmt.Errorf("quote: inAmount: %w", err)
	}
	if out.OutAmount, err = parseAmount(resp.OutAmount); err != nil {
		return nil, fmt.Errorf("quote: outAmount: %w", err)
	}
	if out.MinOutAmount, err = parseAmount(resp.OtherAmountThreshold); err != nil {
		return nil, fmt.Errorf("quote: otherAmountThreshold: %w", err)
	}
	if out.OutputMint != c.cfg.OutputMint.String() {
		return nil, fmt.Errorf("quote: output mint %s, want %s", out.OutputMint, c.cfg.OutputMint)
	}
	return out, nil
}

// Execute requests the swap transaction for q, signs it and sends it.
func (c *JupiterClient) Execute(ctx context.Context, q *Quote, signer solanago.PrivateKey) (string, error) {
	if q == nil || len(q.raw) == 0 {
		return "", fmt.Errorf("execute: quote was not issued by this client")
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"quoteResponse":             q.raw,
		"userPublicKey":             signer.PublicKey().String(),
		"wrapAndUnwrapSol":          true,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": "auto",
	})
	if err != nil {
		return "", fmt.Errorf("execute: encode request: %w", err)
	}

	body, err := retry.DoValue(ctx, c.cfg.Retry, func() ([]byte, error) {
		return c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/swap", reqBody)
	})
	if err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}

	var resp struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("execute: decode: %w", err)
	}

	tx, err := solanago.TransactionFromBase64(resp.SwapTransaction)
	if err != nil {
		return "", fmt.Errorf("execute: decode transaction: %w", err)
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(signer.PublicKey()) {
		return "", fmt.Errorf("execute: transaction fee payer is not the signer")
	}
	if _, err := tx.PartialSign(solana.SignerFunc(signer)); err != nil {
		return "", fmt.Errorf("execute: sign: %w", err)
	}

	sig, confirmation, err := c.network.SendAndConfirm(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	if confirmation == solana.ConfirmFailed {
		return sig, fmt.Errorf("%w: transaction %s failed on-chain", ErrExecutionFailed, sig)
	}

	c.cfg.Logger.Info("swap: executed",
		"signature", sig,
		"in_lamports", q.InAmount,
		"quoted_out", q.OutAmount,
		"slippage_bps", q.SlippageBps,
		"confirmation", confirmation.String(),
	)
	return sig, nil
}

func (c *JupiterClient) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

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
		if noRoute(respBody) {
			return nil, ErrNoRoute
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(respBody), 256)}
	}
	return respBody, nil
}

func noRoute(body []byte) bool {
	var e struct {
		ErrorCode string `json:"errorCode"`
		Error     string `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return false
	}
	return e.ErrorCode == "COULD_NOT_FIND_ANY_ROUTE" || e.ErrorCode == "NO_ROUTES_FOUND" ||
		strings.Contains(strings.ToLower(e.Error), "no route")
}

func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
