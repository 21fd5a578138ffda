package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuctionStore persists auctions and their bids. Save is a compare-and-swap:
// it fails with ErrVersionConflict unless the stored version equals
// expectedVersion, and on success the stored version becomes
// expectedVersion+1.
type AuctionStore interface {
	Create(ctx context.Context, a Auction) error
	Load(ctx context.Context, id string) (Auction, error)
	Save(ctx context.Context, a Auction, expectedVersion int64) error
	ListByCreator(ctx context.Context, creator string, opts ListOpts) ([]Auction, error)
	ListByAsset(ctx context.Context, assetRef string, opts ListOpts) ([]Auction, error)
	// ListAwaitingSettlement returns auctions whose end time is at or before
	// now and which are neither settled nor cancelled.
	ListAwaitingSettlement(ctx context.Context, now time.Time, limit int) ([]Auction, error)
}

// AuditEntry is a single audit log row. Actor is the account that caused
// the event, empty for engine-driven steps.
type AuditEntry struct {
	ID        int64          `json:"id"`
	AuctionID string         `json:"auction_id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log. History returns one
// auction's entries oldest first; an empty auctionID spans all auctions.
type AuditStore interface {
	Log(ctx context.Context, entry AuditEntry) error
	History(ctx context.Context, auctionID string, opts ListOpts) ([]AuditEntry, error)
}
