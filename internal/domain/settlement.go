package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OwnershipRegistry records which account owns which asset.
type OwnershipRegistry interface {
	// OwnerOf returns the current owner of assetRef.
	OwnerOf(ctx context.Context, assetRef string) (string, error)
	// Transfer atomically moves assetRef from one account to another and
	// returns a reference to the confirmed transfer. It fails with
	// ErrTransferFailed when the registry state does not match from; any
	// other error is treated as transient.
	Transfer(ctx context.Context, assetRef, from, to string) (string, error)
	// AccountActive reports whether account may take part in auctions.
	AccountActive(ctx context.Context, account string) (bool, error)
}

// Payment is a handle returned by a SettlementPayer. A pending payment is
// polled with PaymentStatus until it confirms or fails.
type Payment struct {
	Ref   string
	State PaymentState
}

// SettlementPayer moves funds from the winner to the seller.
type SettlementPayer interface {
	// Pay requests the transfer. idempotencyKey is stable for one auction so
	// a payer may deduplicate. It fails with ErrPaymentFailed on a definitive
	// rejection.
	Pay(ctx context.Context, idempotencyKey, from, to string, amount decimal.Decimal) (Payment, error)
	// PaymentStatus reports the current state of a previously returned ref.
	PaymentStatus(ctx context.Context, ref string) (PaymentState, error)
}

// PaymentIntent is a signed payment transaction recorded under its
// idempotency key before it is broadcast.
type PaymentIntent struct {
	Key       string
	Ref       string
	Raw       []byte
	CreatedAt time.Time
}

// PaymentJournal persists PaymentIntents for payers whose transfers are not
// deduplicated by the settlement network itself.
type PaymentJournal interface {
	// Reserve stores intent unless its key is already taken, and returns the
	// intent stored under the key either way.
	Reserve(ctx context.Context, intent PaymentIntent) (PaymentIntent, error)
	// Lookup returns the intent stored under key, or ErrNotFound.
	Lookup(ctx context.Context, key string) (PaymentIntent, error)
}
