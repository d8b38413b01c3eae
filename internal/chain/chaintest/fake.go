// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/terra-clan/cert-engine/internal/chain"
)

// Chain is a scripted chain.Client. Every hash reports Status unless overridden in Receipts.
type Chain struct {
	mu sync.Mutex

	Status   chain.ReceiptStatus
	Receipts map[string]chain.ReceiptStatus
	Block    uint64

	// DropNext makes the next N broadcasts fail with chain.ErrTxDropped
	DropNext int
	// BroadcastErr fails every broadcast when set
	BroadcastErr error

	Prepared    []*chain.SignedTx
	Broadcasted [][]byte
	nonce       int
}

// New returns a chain whose transactions stay pending
func New() *Chain {
	return &Chain{
		Status:   chain.StatusPending,
		Receipts: make(map[string]chain.ReceiptStatus),
		Block:    100,
	}
}

// SetStatus changes the default receipt status
func (c *Chain) SetStatus(s chain.ReceiptStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Status = s
}

func (c *Chain) PrepareMint(ctx context.Context, recipient, tokenURI string) (*chain.SignedTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nonce++
	tx := &chain.SignedTx{
		Hash:     fmt.Sprintf("0x%064x", c.nonce),
		Raw:      []byte(fmt.Sprintf("%d|%s|%s", c.nonce, recipient, tokenURI)),
		Contract: "0xA30C990fcda532F85CA3C52c744A373F71FF0299",
	}
	c.Prepared = append(c.Prepared, tx)
	return tx, nil
}

func (c *Chain) Broadcast(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.BroadcastErr != nil {
		return c.BroadcastErr
	}
	if c.DropNext > 0 {
		c.DropNext--
		return fmt.Errorf("%w: nonce too low", chain.ErrTxDropped)
	}
	c.Broadcasted = append(c.Broadcasted, append([]byte(nil), raw...))
	return nil
}

func (c *Chain) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.Status
	if s, ok := c.Receipts[txHash]; ok {
		status = s
	}
	r := &chain.Receipt{Status: status}
	if status != chain.StatusPending {
		r.BlockNumber = c.Block
	}
	return r, nil
}

func (c *Chain) HealthCheck(ctx context.Context) error { return nil }

// Counts returns how many transactions were signed and broadcast
func (c *Chain) Counts() (prepared, broadcast int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Prepared), len(c.Broadcasted)
}

var _ chain.Client = (*Chain)(nil)
