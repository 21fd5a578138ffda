package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

const weiDecimals = 18

// Payer implements domain.SettlementPayer by sending the winning amount in
// the chain's native token from the operator escrow to the seller. Payments
// are returned pending and confirm after Config.Confirmations blocks.
//
// Each transaction is signed and reserved in the journal under its
// idempotency key before it is broadcast. A later Pay with the same key
// rebroadcasts the journaled transaction instead of signing a new one.
type Payer struct {
	c       *Client
	journal domain.PaymentJournal

	mu sync.Mutex
}

// NewPayer creates a Payer recording intents in journal.
func NewPayer(c *Client, journal domain.PaymentJournal) *Payer {
	return &Payer{c: c, journal: journal}
}

// Pay broadcasts the transfer and returns its hash as a pending payment.
// from is informational: bidders fund the escrow before bidding.
func (p *Payer) Pay(ctx context.Context, idempotencyKey, from, to string, amount decimal.Decimal) (domain.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, err := p.journal.Lookup(ctx, idempotencyKey)
	switch {
	case err == nil:
		return p.resume(ctx, intent)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Payment{}, fmt.Errorf("chain: payment journal %s: %w", idempotencyKey, err)
	}

	if !common.IsHexAddress(to) {
		return domain.Payment{}, fmt.Errorf("%w: invalid payee %q", domain.ErrPaymentFailed, to)
	}
	wei, err := toWei(amount)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("%w: %w", domain.ErrPaymentFailed, err)
	}

	tx, err := p.c.sign(ctx, common.HexToAddress(to), wei, nil)
	if err != nil {
		return domain.Payment{}, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return domain.Payment{}, fmt.Errorf("chain: encode tx: %w", err)
	}
	stored, err := p.journal.Reserve(ctx, domain.PaymentIntent{
		Key: idempotencyKey,
		Ref: tx.Hash().Hex(),
		Raw: raw,
	})
	if err != nil {
		return domain.Payment{}, fmt.Errorf("chain: payment journal %s: %w", idempotencyKey, err)
	}
	if stored.Ref != tx.Hash().Hex() {
		// Another settler reserved the key first.
		return p.resume(ctx, stored)
	}

	if err := p.c.broadcast(ctx, tx); err != nil {
		return domain.Payment{}, err
	}
	p.c.logger.InfoContext(ctx, "payment sent",
		slog.String("key", idempotencyKey),
		slog.String("payer", from),
		slog.String("payee", to),
		slog.String("amount", amount.String()),
		slog.String("hash", stored.Ref),
	)
	return domain.Payment{Ref: stored.Ref, State: domain.PaymentStatePending}, nil
}

// resume returns the journaled payment, rebroadcasting it when the node does
// not know the transaction. A rebroadcast that fails is left for
// PaymentStatus to report as dropped.
func (p *Payer) resume(ctx context.Context, intent domain.PaymentIntent) (domain.Payment, error) {
	pending := domain.Payment{Ref: intent.Ref, State: domain.PaymentStatePending}

	_, _, err := p.c.backend.TransactionByHash(ctx, common.HexToHash(intent.Ref))
	switch {
	case err == nil:
		return pending, nil
	case !errors.Is(err, ethereum.NotFound):
		return domain.Payment{}, fmt.Errorf("chain: tx %s: %w", intent.Ref, err)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(intent.Raw); err != nil {
		return domain.Payment{}, fmt.Errorf("chain: decode journaled tx %s: %w", intent.Ref, err)
	}
	if err := p.c.broadcast(ctx, tx); err != nil {
		p.c.logger.WarnContext(ctx, "payment rebroadcast failed",
			slog.String("key", intent.Key),
			slog.String("hash", intent.Ref),
			slog.String("error", err.Error()),
		)
	}
	return pending, nil
}

// PaymentStatus reports pending until the transaction is mined and buried
// under Confirmations blocks. A reverted or dropped transaction is failed.
func (p *Payer) PaymentStatus(ctx context.Context, ref string) (domain.PaymentState, error) {
	hash := common.HexToHash(ref)
	receipt, err := p.c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return "", fmt.Errorf("chain: receipt %s: %w", ref, err)
		}
		// Not mined yet; a transaction the node no longer knows was dropped.
		_, _, txErr := p.c.backend.TransactionByHash(ctx, hash)
		switch {
		case errors.Is(txErr, ethereum.NotFound):
			return domain.PaymentStateFailed, nil
		case txErr != nil:
			return "", fmt.Errorf("chain: tx %s: %w", ref, txErr)
		}
		return domain.PaymentStatePending, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.PaymentStateFailed, nil
	}
	head, err := p.c.backend.BlockNumber(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: block number: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head+1 < mined+p.c.cfg.Confirmations {
		return domain.PaymentStatePending, nil
	}
	return domain.PaymentStateConfirmed, nil
}

// toWei converts an amount in whole native tokens to wei. Amounts finer than
// one wei are rejected rather than rounded.
func toWei(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount %s must be positive", amount)
	}
	shifted := amount.Shift(weiDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, weiDecimals)
	}
	return shifted.BigInt(), nil
}
