package chain

import (
	"context"
	"errors"
)

// ErrTxDropped means the signed transaction's nonce was consumed without a receipt for it.
// The transaction will never be mined and may be safely re-prepared.
var ErrTxDropped = errors.New("transaction dropped")

// ReceiptStatus is the observed on-chain outcome of a transaction
type ReceiptStatus string

const (
	StatusPending   ReceiptStatus = "pending"
	StatusConfirmed ReceiptStatus = "confirmed"
	StatusReverted  ReceiptStatus = "reverted"
)

// Receipt is the subset of a transaction receipt the mint saga needs
type Receipt struct {
	Status      ReceiptStatus
	BlockNumber uint64
}

// SignedTx is a mint transaction that has been signed but not necessarily broadcast
type SignedTx struct {
	Hash     string
	Raw      []byte
	Contract string
}

// Client submits certificate mints to the chain.
// Preparing and broadcasting are separate so the signed bytes can be persisted first.
type Client interface {
	// PrepareMint signs a mint of tokenURI to recipient without sending it
	PrepareMint(ctx context.Context, recipient, tokenURI string) (*SignedTx, error)

	// Broadcast sends a previously signed transaction. Re-sending a known transaction is not an error.
	Broadcast(ctx context.Context, raw []byte) error

	// Receipt reports the status of a transaction by hash
	Receipt(ctx context.Context, txHash string) (*Receipt, error)

	// HealthCheck checks the RPC endpoint is reachable and on the expected chain
	HealthCheck(ctx context.Context) error
}
