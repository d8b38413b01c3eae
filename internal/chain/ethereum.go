package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const certificateABI = `[{
	"type": "function",
	"name": "mintCertificate",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "recipient", "type": "address"},
		{"name": "tokenURI", "type": "string"}
	],
	"outputs": [{"name": "tokenId", "type": "uint256"}]
}]`

// droppedDepth is how many blocks behind the head the account nonce must
// already have moved past a transaction before it is treated as dropped.
const droppedDepth = 12

// EthereumConfig holds the contract and minter account settings
type EthereumConfig struct {
	RPCURL           string
	ChainID          int64
	ContractAddress  string
	MinterPrivateKey string
	GasLimit         uint64
}

// EthereumClient mints certificates through an EVM JSON-RPC endpoint
type EthereumClient struct {
	rpc      *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	minter   common.Address
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	gasLimit uint64
}

// NewEthereumClient validates the minter settings and dials the RPC endpoint
func NewEthereumClient(ctx context.Context, cfg EthereumConfig) (*EthereumClient, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address: %q", cfg.ContractAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.MinterPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid minter private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(certificateABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain RPC: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	slog.Info("chain client ready",
		"chain_id", cfg.ChainID,
		"contract", address.Hex(),
		"minter", crypto.PubkeyToAddress(key.PublicKey).Hex(),
	)

	return &EthereumClient{
		rpc:      rpc,
		contract: bind.NewBoundContract(address, parsed, rpc, rpc, rpc),
		address:  address,
		minter:   crypto.PubkeyToAddress(key.PublicKey),
		key:      key,
		chainID:  big.NewInt(cfg.ChainID),
		gasLimit: cfg.GasLimit,
	}, nil
}

// PrepareMint signs a mintCertificate call. The nonce is taken from the pending pool.
func (c *EthereumClient) PrepareMint(ctx context.Context, recipient, tokenURI string) (*SignedTx, error) {
	if !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("invalid recipient address: %q", recipient)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	opts.NoSend = true
	if c.gasLimit > 0 {
		opts.GasLimit = c.gasLimit
	}

	tx, err := c.contract.Transact(opts, "mintCertificate", common.HexToAddress(recipient), tokenURI)
	if err != nil {
		return nil, fmt.Errorf("failed to sign mint transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	return &SignedTx{
		Hash:     tx.Hash().Hex(),
		Raw:      raw,
		Contract: c.address.Hex(),
	}, nil
}

// Broadcast sends raw to the network
func (c *EthereumClient) Broadcast(ctx context.Context, raw []byte) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("failed to decode transaction: %w", err)
	}

	err := c.rpc.SendTransaction(ctx, tx)
	switch classifyBroadcastError(err) {
	case broadcastOK:
		return nil
	case broadcastNonceUsed:
		return c.checkNonceUsed(ctx, tx, err)
	default:
		return fmt.Errorf("failed to broadcast transaction: %w", err)
	}
}

// checkNonceUsed decides what a "nonce too low" rejection means for tx. Only a
// missing receipt together with a confirmed account nonce past tx reports
// ErrTxDropped; anything uncertain keeps the transaction for a later retry.
func (c *EthereumClient) checkNonceUsed(ctx context.Context, tx *types.Transaction, sendErr error) error {
	_, err := c.rpc.TransactionReceipt(ctx, tx.Hash())
	if err == nil {
		return nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("nonce already used, receipt lookup failed: %w", err)
	}

	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("nonce already used, failed to read block number: %w", err)
	}
	if head < droppedDepth {
		return fmt.Errorf("nonce already used, chain too short to confirm: %w", sendErr)
	}

	settled := new(big.Int).SetUint64(head - droppedDepth)
	nonce, err := c.rpc.NonceAt(ctx, c.minter, settled)
	if err != nil {
		return fmt.Errorf("nonce already used, failed to read account nonce: %w", err)
	}
	if nonce <= tx.Nonce() {
		// The nonce is only spent in recent blocks, possibly by tx itself.
		return fmt.Errorf("nonce already used, waiting for receipt: %w", sendErr)
	}

	slog.Warn("transaction nonce consumed without receipt",
		"tx_hash", tx.Hash().Hex(),
		"tx_nonce", tx.Nonce(),
		"account_nonce", nonce,
		"block", head-droppedDepth,
	)
	return fmt.Errorf("%w: %v", ErrTxDropped, sendErr)
}

// Receipt looks up a transaction receipt. A missing receipt is reported as pending.
func (c *EthereumClient) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return &Receipt{Status: StatusPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}

	out := &Receipt{Status: StatusReverted}
	if receipt.Status == types.ReceiptStatusSuccessful {
		out.Status = StatusConfirmed
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// HealthCheck verifies the endpoint answers with the configured chain id
func (c *EthereumClient) HealthCheck(ctx context.Context) error {
	id, err := c.rpc.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain RPC unreachable: %w", err)
	}
	if id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("chain id mismatch: expected %s, got %s", c.chainID, id)
	}
	return nil
}

// Close releases the RPC connection
func (c *EthereumClient) Close() {
	c.rpc.Close()
}

type broadcastOutcome int

const (
	broadcastOK broadcastOutcome = iota
	broadcastNonceUsed
	broadcastFailed
)

func classifyBroadcastError(err error) broadcastOutcome {
	if err == nil {
		return broadcastOK
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return broadcastOK
	case strings.Contains(msg, "nonce too low"):
		return broadcastNonceUsed
	default:
		return broadcastFailed
	}
}
