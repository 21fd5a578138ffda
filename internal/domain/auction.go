package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus tracks the auction lifecycle.
type AuctionStatus string

const (
	AuctionStatusPending   AuctionStatus = "pending"
	AuctionStatusActive    AuctionStatus = "active"
	AuctionStatusClosed    AuctionStatus = "closed"
	AuctionStatusSettled   AuctionStatus = "settled"
	AuctionStatusCancelled AuctionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionStatusSettled || s == AuctionStatusCancelled
}

// Bid is an accepted offer on an auction. PlacedAt is assigned by the engine.
type Bid struct {
	ID       string          `json:"id"`
	Bidder   string          `json:"bidder"`
	Amount   decimal.Decimal `json:"amount"`
	PlacedAt time.Time       `json:"placed_at"`
	Seq      int             `json:"seq"` // 1-based acceptance order
}

// PaymentState is the state of a funds transfer reported by a SettlementPayer.
type PaymentState string

const (
	PaymentStatePending   PaymentState = "pending"
	PaymentStateConfirmed PaymentState = "confirmed"
	PaymentStateFailed    PaymentState = "failed"
)

// SettlementProgress records which external settlement steps have been
// confirmed, so a retried Settle resumes instead of repeating them.
type SettlementProgress struct {
	AssetTransferRef string       `json:"asset_transfer_ref,omitempty"`
	AssetTransferred *time.Time   `json:"asset_transferred_at,omitempty"`
	PaymentRef       string       `json:"payment_ref,omitempty"`
	PaymentState     PaymentState `json:"payment_state,omitempty"`
	PaymentFailures  int          `json:"payment_failures,omitempty"`
	Attempts         int          `json:"attempts"`
	LastError        string       `json:"last_error,omitempty"`
}

// SettlementResult is the recorded outcome of settling an auction.
type SettlementResult struct {
	AuctionID        string          `json:"auction_id"`
	AssetRef         string          `json:"asset_ref"`
	Seller           string          `json:"seller"`
	Winner           string          `json:"winner,omitempty"`
	WinningBidID     string          `json:"winning_bid_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	NoWinner         bool            `json:"no_winner"`
	Reason           string          `json:"reason,omitempty"`
	AssetTransferRef string          `json:"asset_transfer_ref,omitempty"`
	PaymentRef       string          `json:"payment_ref,omitempty"`
	SettledAt        time.Time       `json:"settled_at"`
}

// Reasons recorded on a no-winner SettlementResult.
const (
	NoWinnerReasonNoBids        = "no_bids"
	NoWinnerReasonReserveNotMet = "reserve_not_met"
)

// Auction is a time-bounded sale of one asset. Status is the stored value;
// ResolvedStatus derives the effective state from the clock.
type Auction struct {
	ID            string             `json:"id"`
	AssetRef      string             `json:"asset_ref"`
	Creator       string             `json:"creator"`
	StartTime     time.Time          `json:"start_time"`
	EndTime       time.Time          `json:"end_time"`
	StartingPrice decimal.Decimal    `json:"starting_price"`
	ReservePrice  decimal.Decimal    `json:"reserve_price"`
	Bids          []Bid              `json:"bids"`
	Status        AuctionStatus      `json:"status"`
	Winner        string             `json:"winner,omitempty"`
	Settlement    SettlementProgress `json:"settlement"`
	Result        *SettlementResult  `json:"result,omitempty"`
	Version       int64              `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// ResolvedStatus returns the lifecycle state observed at now. Pending and
// Active are promoted by the clock; Closed, Settled and Cancelled are sticky.
func (a Auction) ResolvedStatus(now time.Time) AuctionStatus {
	switch a.Status {
	case AuctionStatusSettled, AuctionStatusCancelled, AuctionStatusClosed:
		return a.Status
	}
	if !now.Before(a.EndTime) {
		return AuctionStatusClosed
	}
	if !now.Before(a.StartTime) {
		return AuctionStatusActive
	}
	return AuctionStatusPending
}

// HighestBid returns the current maximum accepted bid, if any.
func (a Auction) HighestBid() (Bid, bool) {
	return DetermineLeader(a.Bids)
}

// MinimumBid returns the floor the next bid is compared against and whether
// the comparison is strict. The first bid may equal the starting price; every
// later bid must exceed the current maximum.
func (a Auction) MinimumBid() (decimal.Decimal, bool) {
	if top, ok := a.HighestBid(); ok {
		return top.Amount, true
	}
	return a.StartingPrice, false
}

// Clone returns a copy whose Bids slice and pointer fields can be mutated
// without affecting the receiver.
func (a Auction) Clone() Auction {
	out := a
	if a.Bids != nil {
		out.Bids = make([]Bid, len(a.Bids))
		copy(out.Bids, a.Bids)
	}
	if a.Settlement.AssetTransferred != nil {
		ts := *a.Settlement.AssetTransferred
		out.Settlement.AssetTransferred = &ts
	}
	if a.Result != nil {
		r := *a.Result
		out.Result = &r
	}
	return out
}

// DetermineLeader returns the maximum bid by amount, breaking ties by the
// earliest PlacedAt and then by acceptance sequence.
func DetermineLeader(bids []Bid) (Bid, bool) {
	if len(bids) == 0 {
		return Bid{}, false
	}
	best := bids[0]
	for _, b := range bids[1:] {
		switch b.Amount.Cmp(best.Amount) {
		case 1:
			best = b
		case 0:
			if b.PlacedAt.Before(best.PlacedAt) ||
				(b.PlacedAt.Equal(best.PlacedAt) && b.Seq < best.Seq) {
				best = b
			}
		}
	}
	return best, true
}

// DetermineWinner applies the reserve price to the leader. It is a pure
// function and safe to call while the auction is still running.
func DetermineWinner(bids []Bid, reserve decimal.Decimal) (Bid, bool) {
	top, ok := DetermineLeader(bids)
	if !ok {
		return Bid{}, false
	}
	if top.Amount.LessThan(reserve) {
		return Bid{}, false
	}
	return top, true
}

// NewAuctionParams carries the caller-supplied fields for CreateAuction.
type NewAuctionParams struct {
	AssetRef      string
	Creator       string
	StartTime     time.Time
	EndTime       time.Time
	StartingPrice decimal.Decimal
	ReservePrice  decimal.Decimal
}
