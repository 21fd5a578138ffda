// Package chain settles auctions on an EVM chain: asset ownership is an
// ERC-721 token and payment is a native-token transfer from the marketplace
// escrow (the operator account) to the seller.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/auctionhouse/internal/crypto"
)

// Backend is the subset of ethclient.Client the package uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config holds chain connection and confirmation settings.
type Config struct {
	RPCURL string
	// ChainID must match the node; transactions are signed for it.
	ChainID int64
	// Contract is the default ERC-721 contract for bare token ids.
	Contract string
	// Confirmations is the block depth after which a payment counts as final.
	Confirmations uint64
	// ReceiptTimeout bounds how long a transfer waits to be mined.
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Client sends operator transactions and waits for receipts.
type Client struct {
	backend Backend
	signer  *crypto.Signer
	cfg     Config
	logger  *slog.Logger
}

// Dial connects to cfg.RPCURL.
func Dial(ctx context.Context, cfg Config, signer *crypto.Signer, logger *slog.Logger) (*Client, *ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	id, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, nil, fmt.Errorf("chain: chain id: %w", err)
	}
	if id.Int64() != cfg.ChainID {
		ec.Close()
		return nil, nil, fmt.Errorf("chain: node reports chain id %s, configured %d", id, cfg.ChainID)
	}
	return NewClient(ec, signer, cfg, logger), ec, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, signer *crypto.Signer, cfg Config, logger *slog.Logger) *Client {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Client{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "chain")),
	}
}

// Operator returns the address that signs every transaction.
func (c *Client) Operator() common.Address {
	return c.signer.Address()
}

// send signs and broadcasts an EIP-1559 transaction from the operator.
func (c *Client) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	signed, err := c.sign(ctx, to, value, data)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.broadcast(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// sign builds and signs a transaction at the operator's pending nonce
// without broadcasting it.
func (c *Client) sign(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	from := c.signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("chain: nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("chain: estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(c.cfg.ChainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	return c.signer.SignTx(tx)
}

func (c *Client) broadcast(ctx context.Context, signed *types.Transaction) error {
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("chain: send tx %s: %w", signed.Hash().Hex(), err)
	}
	c.logger.InfoContext(ctx, "transaction sent",
		slog.String("hash", signed.Hash().Hex()),
		slog.String("to", signed.To().Hex()),
		slog.Uint64("nonce", signed.Nonce()),
	)
	return nil
}

// waitMined polls for the receipt of hash until ReceiptTimeout elapses.
func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("chain: receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
