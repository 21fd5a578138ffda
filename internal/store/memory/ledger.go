package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// OwnershipLedger implements domain.OwnershipRegistry over an in-memory
// asset to owner map. Accounts are active unless suspended.
type OwnershipLedger struct {
	mu        sync.Mutex
	owners    map[string]string
	suspended map[string]bool
}

// NewOwnershipLedger creates an empty OwnershipLedger.
func NewOwnershipLedger() *OwnershipLedger {
	return &OwnershipLedger{
		owners:    make(map[string]string),
		suspended: make(map[string]bool),
	}
}

// Mint records owner as the holder of assetRef.
func (l *OwnershipLedger) Mint(assetRef, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners[assetRef] = owner
}

// Suspend marks account as barred from auctions.
func (l *OwnershipLedger) Suspend(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.suspended[account] = true
}

// OwnerOf implements domain.OwnershipRegistry.
func (l *OwnershipLedger) OwnerOf(_ context.Context, assetRef string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[assetRef]
	if !ok {
		return "", fmt.Errorf("memory: asset %s: %w", assetRef, domain.ErrNotFound)
	}
	return owner, nil
}

// Transfer implements domain.OwnershipRegistry.
func (l *OwnershipLedger) Transfer(_ context.Context, assetRef, from, to string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[assetRef]
	if !ok || owner != from {
		return "", fmt.Errorf("memory: transfer %s from %s: current owner %q: %w", assetRef, from, owner, domain.ErrTransferFailed)
	}
	l.owners[assetRef] = to
	return "mem-transfer-" + uuid.New().String(), nil
}

// AccountActive implements domain.OwnershipRegistry.
func (l *OwnershipLedger) AccountActive(_ context.Context, account string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.suspended[account], nil
}

// BalanceLedger implements domain.SettlementPayer by moving funds between
// in-memory balances. Payments confirm immediately and are deduplicated by
// idempotency key.
type BalanceLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	byKey    map[string]domain.Payment
	byRef    map[string]domain.Payment
}

// NewBalanceLedger creates an empty BalanceLedger.
func NewBalanceLedger() *BalanceLedger {
	return &BalanceLedger{
		balances: make(map[string]decimal.Decimal),
		byKey:    make(map[string]domain.Payment),
		byRef:    make(map[string]domain.Payment),
	}
}

// Deposit credits amount to account.
func (l *BalanceLedger) Deposit(account string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(amount)
}

// Balance returns the account balance.
func (l *BalanceLedger) Balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Pay implements domain.SettlementPayer.
func (l *BalanceLedger) Pay(_ context.Context, idempotencyKey, from, to string, amount decimal.Decimal) (domain.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.byKey[idempotencyKey]; ok {
		return p, nil
	}
	if !amount.IsPositive() {
		return domain.Payment{}, fmt.Errorf("memory: pay %s: %w", amount, domain.ErrPaymentFailed)
	}
	if l.balances[from].LessThan(amount) {
		return domain.Payment{}, fmt.Errorf("memory: %s balance %s below %s: %w",
			from, l.balances[from], amount, domain.ErrPaymentFailed)
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)

	p := domain.Payment{Ref: "mem-pay-" + uuid.New().String(), State: domain.PaymentStateConfirmed}
	l.byKey[idempotencyKey] = p
	l.byRef[p.Ref] = p
	return p, nil
}

// PaymentStatus implements domain.SettlementPayer.
func (l *BalanceLedger) PaymentStatus(_ context.Context, ref string) (domain.PaymentState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.byRef[ref]
	if !ok {
		return "", fmt.Errorf("memory: payment %s: %w", ref, domain.ErrNotFound)
	}
	return p.State, nil
}
