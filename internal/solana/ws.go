package solana

import "context"

// SignatureSubscriber delivers the outcome of a transaction signature.
type SignatureSubscriber interface {
	// SubscribeSignature waits for sig to reach confirmed commitment. The
	// channel yields at most one result and is then closed.
	SubscribeSignature(ctx context.Context, sig string) (<-chan SignatureResult, error)

	// Close closes the WebSocket connection.
	Close() error
}

// SignatureResult is a signatureNotification payload.
type SignatureResult struct {
	Signature string
	Slot      int64
	Err       interface{} // nil on success
}
