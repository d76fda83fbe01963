// Package swap converts native SOL into the reward token through an
// aggregator quote/swap API.
package swap

import (
	"context"
	"encoding/json"
	"errors"

	solanago "github.com/gagliardetto/solana-go"
)

var (
	// ErrNoRoute is returned when the aggregator cannot route the amount.
	ErrNoRoute = errors.New("swap: no route")

	// ErrExecutionFailed is returned when the swap transaction landed with
	// an error or was rejected.
	ErrExecutionFailed = errors.New("swap: execution failed")
)

// Quote is a priced route for a fixed input amount.
type Quote struct {
	InputMint    string
	OutputMint   string
	InAmount     uint64
	OutAmount    uint64
	MinOutAmount uint64 // worst case after slippage
	SlippageBps  uint16

	// raw is the provider's quote echoed back on execution.
	raw json.RawMessage
}

// Service quotes and executes swaps.
type Service interface {
	// Quote prices amountIn lamports of SOL into the reward token.
	Quote(ctx context.Context, amountIn uint64, slippageBps uint16) (*Quote, error)

	// Execute signs the swap transaction for q with signer, broadcasts it
	// and waits for confirmation. Returns the transaction signature.
	Execute(ctx context.Context, q *Quote, signer solanago.PrivateKey) (string, error)
}
