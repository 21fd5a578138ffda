package auction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// PlaceBid records a bid of amount by bidder. The bid is accepted only while
// the auction is active, when it clears the current floor and when the
// registry reports the bidder's account as active. Concurrent bids race on
// the stored version; the loser re-evaluates against the fresh state.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidder string, amount decimal.Decimal) (domain.Bid, error) {
	if strings.TrimSpace(bidder) == "" {
		return domain.Bid{}, fmt.Errorf("auction: bidder is required: %w", domain.ErrBidderRejected)
	}
	if err := domain.CheckAmountRange(amount); err != nil {
		return domain.Bid{}, fmt.Errorf("auction: %w: %w", domain.ErrInvalidAmount, err)
	}
	if amount.IsNegative() {
		return domain.Bid{}, fmt.Errorf("auction: amount %s: %w", amount, domain.ErrInvalidAmount)
	}

	// Fail fast on missing or closed auctions before asking the registry.
	cur, err := e.load(ctx, auctionID)
	if err != nil {
		return domain.Bid{}, err
	}
	if err := checkBid(cur, bidder, amount, e.clock.Now()); err != nil {
		return domain.Bid{}, err
	}
	if err := e.checkAccount(ctx, bidder); err != nil {
		return domain.Bid{}, err
	}

	var bid domain.Bid
	updated, err := e.mutate(ctx, auctionID, func(a *domain.Auction, now time.Time) error {
		if err := checkBid(*a, bidder, amount, now); err != nil {
			return err
		}
		bid = domain.Bid{
			ID:       uuid.New().String(),
			Bidder:   bidder,
			Amount:   amount,
			PlacedAt: now,
			Seq:      len(a.Bids) + 1,
		}
		a.Bids = append(a.Bids, bid)
		a.Status = domain.AuctionStatusActive
		return nil
	})
	if err != nil {
		return domain.Bid{}, err
	}

	e.logger.InfoContext(ctx, "bid accepted",
		slog.String("auction_id", auctionID),
		slog.String("bidder", bidder),
		slog.String("amount", amount.String()),
		slog.Int("seq", bid.Seq),
	)
	e.emit(ctx, domain.EventBidAccepted, auctionID, map[string]any{
		"bid_id":    bid.ID,
		"bidder":    bid.Bidder,
		"amount":    bid.Amount.String(),
		"placed_at": bid.PlacedAt,
		"bid_count": len(updated.Bids),
	})
	return bid, nil
}

func checkBid(a domain.Auction, bidder string, amount decimal.Decimal, now time.Time) error {
	status := a.ResolvedStatus(now)
	if status != domain.AuctionStatusActive {
		return fmt.Errorf("auction: %s is %s: %w", a.ID, status, domain.ErrInvalidState)
	}
	if bidder == a.Creator {
		return fmt.Errorf("auction: creator cannot bid on own auction: %w", domain.ErrBidderRejected)
	}
	floor, strict := a.MinimumBid()
	if strict && !amount.GreaterThan(floor) {
		return fmt.Errorf("auction: bid %s must exceed %s: %w", amount, floor, domain.ErrBidTooLow)
	}
	if !strict && amount.LessThan(floor) {
		return fmt.Errorf("auction: bid %s below starting price %s: %w", amount, floor, domain.ErrBidTooLow)
	}
	return nil
}
